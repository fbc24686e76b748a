// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// RegistrationRequest is the input of the first registration step.
type RegistrationRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// pendingRegistration is stored with the challenge until the code is
// verified. No user row exists before that.
type pendingRegistration struct {
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"password_hash"`
	Role         models.Role `json:"role"`
}

// RequestRegistration validates the request and mails a code. The account
// is only created by CompleteRegistration.
func (s *Service) RequestRegistration(ctx context.Context, req RegistrationRequest) error {
	err := s.requestRegistration(ctx, req)
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionRegisterRequest, 0, models.NormalizeEmail(req.Email), Reason(err)))
		slog.Warn("register_request_failed", "reason", Reason(err))
		return err
	}
	s.audit.Record(ctx, audit.Success(audit.ActionRegisterRequest, 0, models.NormalizeEmail(req.Email)))
	return nil
}

func (s *Service) requestRegistration(ctx context.Context, req RegistrationRequest) error {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return invalid("name", "is required")
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return invalid("role", "is unknown")
	}
	if !s.roleAllowed(role) {
		return invalid("role", "cannot be chosen at registration")
	}
	if err := s.passwords.Validate(req.Password, email, name); err != nil {
		return err
	}

	var exists bool
	if err := s.store(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.users.EmailExists(ctx, email)
		return err
	}); err != nil {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		return ErrEmailAlreadyRegistered
	}

	hash, err := s.hashPassword(req.Password)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(pendingRegistration{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	ref, err := s.codes.Issue(ctx, email, models.PurposeRegister, string(payload))
	if err != nil {
		return err
	}
	slog.Info("register_code_sent", "ref", ref, "role", role)
	return nil
}

// ResendRegistrationCode mails a new code for a pending registration.
func (s *Service) ResendRegistrationCode(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	_, err = s.codes.Resend(ctx, email, models.PurposeRegister)
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionRegisterResend, 0, email, Reason(err)))
		return err
	}
	s.audit.Record(ctx, audit.Success(audit.ActionRegisterResend, 0, email))
	return nil
}

// CompleteRegistration verifies the code and creates the account from the
// pending registration. Concurrent completions for one email yield one
// account; the others fail.
func (s *Service) CompleteRegistration(ctx context.Context, email, code string) (*models.User, *session.Token, error) {
	user, token, err := s.completeRegistration(ctx, email, code)
	metrics.AuthRegistrationsTotal.WithLabelValues(Reason(err)).Inc()
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionRegisterComplete, 0, models.NormalizeEmail(email), Reason(err)))
		return nil, nil, err
	}

	ev := audit.Success(audit.ActionRegisterComplete, user.ID, user.Email)
	ev.ResourceKind = "user"
	ev.ResourceID = user.ProfileID
	s.audit.Record(ctx, ev)
	slog.Info("register_success", "user_id", user.ID, "role", user.Role)
	return user, token, nil
}

func (s *Service) completeRegistration(ctx context.Context, email, code string) (*models.User, *session.Token, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	code = strings.TrimSpace(code)
	if err := checkCode(code); err != nil {
		return nil, nil, err
	}

	raw, err := s.codes.Verify(ctx, email, models.PurposeRegister, code)
	if err != nil {
		return nil, nil, err
	}

	var pending pendingRegistration
	if err := json.Unmarshal([]byte(raw), &pending); err != nil || pending.Email != email || !pending.Role.Valid() {
		return nil, nil, fmt.Errorf("%w: registration", otp.ErrPayloadMalformed)
	}

	user := &models.User{
		Email:        pending.Email,
		Name:         pending.Name,
		Role:         pending.Role,
		PasswordHash: pending.PasswordHash,
		ProfileID:    newProfileID(),
	}
	if err := s.createUser(ctx, user); err != nil {
		return nil, nil, err
	}

	token, err := s.issueSession(user)
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

func newProfileID() string {
	return uuid.NewString()
}
