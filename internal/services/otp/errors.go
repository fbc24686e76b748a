// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package otp

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("no pending code")
	ErrInvalidCode      = errors.New("invalid code")
	ErrExpired          = errors.New("code expired")
	ErrAlreadyConsumed  = errors.New("code already used")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrRateLimited      = errors.New("too many codes requested")
	ErrUnavailable      = errors.New("service temporarily unavailable")
	ErrDeliveryFailed   = errors.New("code could not be delivered")
	ErrInvalidPurpose   = errors.New("invalid purpose")
	ErrPayloadMalformed = errors.New("challenge payload malformed")
)

// RateLimitError carries the time until another code may be requested.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many codes requested, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the retry hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
