// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth

import (
	"errors"

	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrWeakPassword           = errors.New("password does not meet requirements")
	ErrValidation             = errors.New("validation failed")
	ErrInvalidTempRef         = errors.New("invalid or expired login reference")
	ErrInvalidResetGrant      = errors.New("invalid or expired reset authorization")
	ErrUserNotFound           = errors.New("user not found")
)

// Code errors are passed through from the otp package unchanged.
var (
	ErrNotFound        = otp.ErrNotFound
	ErrInvalidCode     = otp.ErrInvalidCode
	ErrExpired         = otp.ErrExpired
	ErrAlreadyConsumed = otp.ErrAlreadyConsumed
	ErrTooManyAttempts = otp.ErrTooManyAttempts
	ErrRateLimited     = otp.ErrRateLimited
	ErrUnavailable     = otp.ErrUnavailable
)

// ValidationError reports malformed or missing input. Its message is safe
// to show to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PasswordValidationError lists the password rules a candidate violated.
type PasswordValidationError struct {
	Issues []PasswordIssue
}

func (e *PasswordValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "password validation failed"
	}
	return e.Issues[0].Message
}

func (e *PasswordValidationError) Is(target error) bool {
	return target == ErrWeakPassword
}

// Messages returns all issue messages.
func (e *PasswordValidationError) Messages() []string {
	messages := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		messages[i] = issue.Message
	}
	return messages
}

// Reason maps a flow error to a short label for logs, metrics and audit.
func Reason(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrEmailAlreadyRegistered):
		return "email_already_registered"
	case errors.Is(err, ErrWeakPassword):
		return "weak_password"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidTempRef):
		return "invalid_temp_ref"
	case errors.Is(err, ErrInvalidResetGrant):
		return "invalid_reset_grant"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return otp.VerifyResult(err)
	}
}
