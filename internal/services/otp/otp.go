// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package otp issues and verifies purpose bound one-time codes.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/ratelimit"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
)

// Store persists challenges. *repository.Repository implements it.
type Store interface {
	ReplaceChallenge(ctx context.Context, c *models.OTPChallenge) error
	OpenChallenge(ctx context.Context, email string, purpose models.Purpose) (*models.OTPChallenge, error)
	LatestChallenge(ctx context.Context, email string, purpose models.Purpose) (*models.OTPChallenge, error)
	ConsumeChallenge(ctx context.Context, id int64, at time.Time) (bool, error)
	RecordFailedAttempt(ctx context.Context, id int64, maxAttempts int, at time.Time) (int, bool, error)
	InvalidateChallenge(ctx context.Context, id int64, at time.Time) error
	DeleteChallengesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier delivers a code to its recipient.
type Notifier interface {
	SendCode(ctx context.Context, email string, purpose models.Purpose, code string) error
}

type Config struct { //nolint:govet // fieldalignment not critical
	CodeLength   int
	TTL          time.Duration
	MaxAttempts  int
	Pepper       []byte
	StoreTimeout time.Duration
	Now          func() time.Time // defaults to time.Now
}

// Manager owns the lifecycle of one-time code challenges.
type Manager struct {
	store    Store
	limiter  *ratelimit.Limiter
	notifier Notifier
	cfg      Config
}

// NewManager creates a Manager. A nil limiter disables issue limiting.
func NewManager(store Store, limiter *ratelimit.Limiter, notifier Notifier, cfg Config) *Manager {
	if cfg.CodeLength == 0 {
		cfg.CodeLength = 6
	}
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    store,
		limiter:  limiter,
		notifier: notifier,
		cfg:      cfg,
	}
}

// TTL returns the lifetime of issued codes.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Issue creates a fresh code for email and purpose, supersedes any open
// code for the same pair and hands the code to the notifier. The returned
// reference identifies the challenge without revealing the code.
func (m *Manager) Issue(ctx context.Context, email string, purpose models.Purpose, payload string) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}

	ref, err := m.issue(ctx, email, purpose, payload)
	result := "success"
	switch {
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case err != nil:
		result = "error"
	}
	metrics.OTPIssuedTotal.WithLabelValues(string(purpose), result).Inc()
	return ref, err
}

func (m *Manager) issue(ctx context.Context, email string, purpose models.Purpose, payload string) (string, error) {
	d, err := m.limiter.Allow(ctx, string(purpose)+":"+email)
	if err != nil {
		slog.Warn("otp_limiter_unavailable", "purpose", purpose, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues("otp_issue").Inc()
		return "", &RateLimitError{RetryAfter: d.RetryAfter}
	}

	code, err := GenerateCode(m.cfg.CodeLength)
	if err != nil {
		return "", err
	}

	now := m.cfg.Now().UTC()
	c := &models.OTPChallenge{
		Ref:       uuid.NewString(),
		Email:     email,
		Purpose:   purpose,
		CodeHash:  m.hash(email, purpose, code),
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	if err := m.withTimeout(ctx, func(ctx context.Context) error {
		return m.store.ReplaceChallenge(ctx, c)
	}); err != nil {
		return "", err
	}

	if err := m.notifier.SendCode(ctx, email, purpose, code); err != nil {
		slog.Error("otp_delivery_failed", "purpose", purpose, "ref", c.Ref, "error", err)
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	slog.Info("otp_issued", "purpose", purpose, "ref", c.Ref, "expires_at", c.ExpiresAt)
	return c.Ref, nil
}

// Verify checks code against the open challenge for email and purpose. On
// success the challenge is consumed and its payload returned. Concurrent
// callers presenting the same valid code see exactly one success.
func (m *Manager) Verify(ctx context.Context, email string, purpose models.Purpose, code string) (string, error) {
	payload, err := m.verify(ctx, email, purpose, code)
	metrics.OTPVerificationsTotal.WithLabelValues(string(purpose), VerifyResult(err)).Inc()
	if err != nil {
		slog.Info("otp_verify_failed", "purpose", purpose, "reason", VerifyResult(err))
	}
	return payload, err
}

func (m *Manager) verify(ctx context.Context, email string, purpose models.Purpose, code string) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}
	now := m.cfg.Now().UTC()

	var c *models.OTPChallenge
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		c, err = m.store.OpenChallenge(ctx, email, purpose)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", m.closedReason(ctx, email, purpose, now)
	}
	if err != nil {
		return "", err
	}

	if c.State(now) == models.ChallengeExpired {
		if err := m.withTimeout(ctx, func(ctx context.Context) error {
			return m.store.InvalidateChallenge(ctx, c.ID, now)
		}); err != nil {
			slog.Warn("otp_invalidate_failed", "ref", c.Ref, "error", err)
		}
		return "", ErrExpired
	}

	if !hmac.Equal([]byte(c.CodeHash), []byte(m.hash(email, purpose, code))) {
		return "", m.recordFailure(ctx, c, now)
	}

	var consumed bool
	if err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		consumed, err = m.store.ConsumeChallenge(ctx, c.ID, now)
		return err
	}); err != nil {
		return "", err
	}
	if !consumed {
		return "", m.closedReason(ctx, email, purpose, now)
	}

	slog.Info("otp_consumed", "purpose", purpose, "ref", c.Ref)
	return c.Payload, nil
}

func (m *Manager) recordFailure(ctx context.Context, c *models.OTPChallenge, now time.Time) error {
	var attempts int
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		attempts, _, err = m.store.RecordFailedAttempt(ctx, c.ID, m.cfg.MaxAttempts, now)
		return err
	})
	if errors.Is(err, repository.ErrStale) {
		return m.closedReason(ctx, c.Email, c.Purpose, now)
	}
	if err != nil {
		return err
	}
	if attempts >= m.cfg.MaxAttempts {
		slog.Warn("otp_invalidated", "purpose", c.Purpose, "ref", c.Ref, "attempts", attempts)
	}
	return ErrInvalidCode
}

// closedReason explains why no open challenge accepted a code by looking
// at the most recent challenge for the pair.
func (m *Manager) closedReason(ctx context.Context, email string, purpose models.Purpose, now time.Time) error {
	var latest *models.OTPChallenge
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		latest, err = m.store.LatestChallenge(ctx, email, purpose)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch {
	case !now.Before(latest.ExpiresAt):
		return ErrExpired
	case latest.ConsumedAt != nil:
		return ErrAlreadyConsumed
	case latest.Attempts >= m.cfg.MaxAttempts:
		return ErrTooManyAttempts
	default:
		return ErrNotFound
	}
}

// Resend issues a new code carrying the payload of the latest challenge
// for email and purpose.
func (m *Manager) Resend(ctx context.Context, email string, purpose models.Purpose) (string, error) {
	var latest *models.OTPChallenge
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		latest, err = m.store.LatestChallenge(ctx, email, purpose)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if latest.ConsumedAt != nil {
		return "", ErrAlreadyConsumed
	}
	return m.Issue(ctx, email, purpose, latest.Payload)
}

// Sweep deletes challenges that expired more than grace ago.
func (m *Manager) Sweep(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := m.cfg.Now().UTC().Add(-grace)
	var n int64
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		n, err = m.store.DeleteChallengesBefore(ctx, cutoff)
		return err
	})
	return n, err
}

// withTimeout bounds a store round-trip and maps timeouts and lock
// contention to ErrUnavailable.
func (m *Manager) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, repository.ErrUnavailable) {
		slog.Warn("otp_store_unavailable", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (m *Manager) hash(email string, purpose models.Purpose, code string) string {
	mac := hmac.New(sha256.New, m.cfg.Pepper)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(email))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateCode returns a uniformly random numeric code of the given length.
func GenerateCode(length int) (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// VerifyResult maps a Verify error to a short label for logs and metrics.
func VerifyResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
