// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
)

// resetGrant authorizes one password change. It is bound to the password
// hash at the time of verification and so dies with the first reset.
type resetGrant struct {
	UserID      int64  `json:"uid"`
	Email       string `json:"email"`
	Fingerprint string `json:"fp"`
}

// ResetRequest is the input of the final reset step. Either Code or Grant
// must be set.
type ResetRequest struct {
	Email       string
	Code        string
	Grant       string
	NewPassword string
}

// RequestPasswordReset mails a reset code when the address belongs to an
// active account. The caller sees the same result either way: the code is
// issued and delivered in the background, so the response does not wait
// for the mail server.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.sendResetCode(ctx, email, false)
}

// ResendPasswordResetCode behaves like RequestPasswordReset but reuses the
// pending challenge.
func (s *Service) ResendPasswordResetCode(ctx context.Context, email string) error {
	return s.sendResetCode(ctx, email, true)
}

func (s *Service) sendResetCode(ctx context.Context, raw string, resend bool) error {
	email, err := normalizeEmail(raw)
	if err != nil {
		return err
	}

	user, err := s.lookupByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		metrics.PasswordResetsTotal.WithLabelValues("request", "unknown_email").Inc()
		s.audit.Record(ctx, audit.Failure(audit.ActionPasswordResetReq, 0, email, "unknown_email"))
		return nil
	}
	if err != nil {
		return err
	}

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeliveryTimeout)
		defer cancel()
		s.deliverResetCode(ctx, user, resend)
	}()
	return nil
}

// deliverResetCode issues and mails the reset code. Failures, rate limits
// included, are only logged and audited since reporting them would reveal
// that the account exists.
func (s *Service) deliverResetCode(ctx context.Context, user *models.User, resend bool) {
	var err error
	if resend {
		_, err = s.codes.Resend(ctx, user.Email, models.PurposePasswordReset)
	} else {
		_, err = s.codes.Issue(ctx, user.Email, models.PurposePasswordReset, "")
	}
	metrics.PasswordResetsTotal.WithLabelValues("request", Reason(err)).Inc()

	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionPasswordResetReq, user.ID, user.Email, Reason(err)))
		slog.Warn("password_reset_code_not_sent", "user_id", user.ID, "reason", Reason(err))
		return
	}
	s.audit.Record(ctx, audit.Success(audit.ActionPasswordResetReq, user.ID, user.Email))
}

// VerifyResetCode consumes the reset code and returns a short-lived
// authorization for ResetPassword. It is not a session.
func (s *Service) VerifyResetCode(ctx context.Context, email, code string) (string, error) {
	grant, user, err := s.verifyResetCode(ctx, email, code)
	metrics.PasswordResetsTotal.WithLabelValues("verify", Reason(err)).Inc()

	var actorID int64
	if user != nil {
		actorID = user.ID
	}
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionPasswordResetCheck, actorID, models.NormalizeEmail(email), Reason(err)))
		return "", err
	}
	s.audit.Record(ctx, audit.Success(audit.ActionPasswordResetCheck, actorID, user.Email))
	return grant, nil
}

func (s *Service) verifyResetCode(ctx context.Context, raw, code string) (string, *models.User, error) {
	email, err := normalizeEmail(raw)
	if err != nil {
		return "", nil, err
	}
	code = strings.TrimSpace(code)
	if err := checkCode(code); err != nil {
		return "", nil, err
	}

	if _, err := s.codes.Verify(ctx, email, models.PurposePasswordReset, code); err != nil {
		return "", nil, err
	}

	user, err := s.lookupByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}

	grant, err := s.resetGrants.Encode(resetGrant{
		UserID:      user.ID,
		Email:       user.Email,
		Fingerprint: fingerprint(user.PasswordHash),
	})
	if err != nil {
		return "", user, fmt.Errorf("failed to encode reset authorization: %w", err)
	}
	return grant, user, nil
}

// ResetPassword replaces the password after a verified reset. The old hash
// is swapped out atomically, so each code or authorization changes the
// password at most once.
func (s *Service) ResetPassword(ctx context.Context, req ResetRequest) error {
	user, err := s.resetPassword(ctx, req)
	metrics.PasswordResetsTotal.WithLabelValues("reset", Reason(err)).Inc()

	var actorID int64
	if user != nil {
		actorID = user.ID
	}
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionPasswordReset, actorID, models.NormalizeEmail(req.Email), Reason(err)))
		slog.Warn("password_reset_failed", "reason", Reason(err))
		return err
	}

	s.audit.Record(ctx, audit.Success(audit.ActionPasswordReset, user.ID, user.Email))
	slog.Info("password_reset", "user_id", user.ID)
	return nil
}

func (s *Service) resetPassword(ctx context.Context, req ResetRequest) (*models.User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	// Policy is checked before anything is consumed so a weak password
	// does not burn the code.
	if err := s.passwords.Validate(req.NewPassword, email); err != nil {
		return nil, err
	}

	var user *models.User
	if grant := strings.TrimSpace(req.Grant); grant != "" {
		user, err = s.userFromGrant(ctx, email, grant)
	} else {
		user, err = s.userFromCode(ctx, email, req.Code)
	}
	if err != nil {
		return user, err
	}

	hash, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return user, err
	}

	err = s.store(ctx, func(ctx context.Context) error {
		return s.users.UpdateUserPassword(ctx, user.ID, user.PasswordHash, hash)
	})
	if errors.Is(err, repository.ErrStale) {
		return user, ErrAlreadyConsumed
	}
	if err != nil {
		return user, fmt.Errorf("failed to update password: %w", err)
	}
	return user, nil
}

func (s *Service) userFromGrant(ctx context.Context, email, value string) (*models.User, error) {
	var g resetGrant
	if err := s.resetGrants.Decode(value, &g); err != nil || g.Email != email {
		return nil, ErrInvalidResetGrant
	}

	user, err := s.Me(ctx, g.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidResetGrant
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(g.Fingerprint), []byte(fingerprint(user.PasswordHash))) != 1 {
		return user, ErrAlreadyConsumed
	}
	return user, nil
}

func (s *Service) userFromCode(ctx context.Context, email, code string) (*models.User, error) {
	code = strings.TrimSpace(code)
	if err := checkCode(code); err != nil {
		return nil, err
	}

	// Load first so the hash compared in the swap predates the code.
	user, err := s.lookupByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.codes.Verify(ctx, email, models.PurposePasswordReset, code); err != nil {
		return user, err
	}
	return user, nil
}

func (s *Service) lookupByEmail(ctx context.Context, email string) (*models.User, error) {
	var user *models.User
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUserByEmail(ctx, email)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func fingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:16])
}
