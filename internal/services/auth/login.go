// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// LoginResult is either an authenticated user with a session token or,
// for accounts with two-factor enabled, a temp reference for the second
// step. The temp reference does not authenticate anything on its own.
type LoginResult struct {
	User              *models.User
	Token             *session.Token
	RequiresTwoFactor bool
	TempRef           string
}

type tempRef struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email"`
}

// Login checks email and password. Unknown accounts, disabled accounts and
// wrong passwords all fail with ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = models.NormalizeEmail(email)
	res, user, err := s.login(ctx, email, password)

	stage := "password"
	if res != nil && res.RequiresTwoFactor {
		stage = "challenge"
	}
	metrics.AuthLoginsTotal.WithLabelValues(stage, Reason(err)).Inc()

	var actorID int64
	if user != nil {
		actorID = user.ID
	}
	if err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionLogin, actorID, email, Reason(err)))
		slog.Warn("login_failed", "reason", Reason(err))
		return nil, err
	}

	ev := audit.Success(audit.ActionLogin, actorID, email)
	if res.RequiresTwoFactor {
		ev.Reason = "two_factor_required"
		slog.Info("login_two_factor_required", "user_id", actorID)
	} else {
		slog.Info("login_success", "user_id", actorID)
	}
	s.audit.Record(ctx, ev)
	return res, nil
}

func (s *Service) login(ctx context.Context, email, password string) (*LoginResult, *models.User, error) {
	if email == "" || password == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil, ErrInvalidCredentials
	}

	var user *models.User
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUserByEmail(ctx, email)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		// Constant-time: always perform bcrypt comparison to prevent timing attacks
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, user, ErrInvalidCredentials
	}
	if !user.IsActive() {
		return nil, user, ErrInvalidCredentials
	}

	if user.TwoFactorEnabled {
		if _, err := s.codes.Issue(ctx, user.Email, models.PurposeLogin2FA, strconv.FormatInt(user.ID, 10)); err != nil {
			return nil, user, err
		}
		ref, err := s.tempRefs.Encode(tempRef{UserID: user.ID, Email: user.Email})
		if err != nil {
			return nil, user, fmt.Errorf("failed to encode login reference: %w", err)
		}
		return &LoginResult{RequiresTwoFactor: true, TempRef: ref}, user, nil
	}

	token, err := s.issueSession(user)
	if err != nil {
		return nil, user, err
	}
	return &LoginResult{User: user, Token: token}, user, nil
}

// CompleteTwoFactor finishes a login that required a code.
func (s *Service) CompleteTwoFactor(ctx context.Context, ref, code string) (*models.User, *session.Token, error) {
	user, token, err := s.completeTwoFactor(ctx, ref, code)
	metrics.AuthLoginsTotal.WithLabelValues("two_factor", Reason(err)).Inc()
	if err != nil {
		var actorID int64
		var email string
		if user != nil {
			actorID, email = user.ID, user.Email
		}
		s.audit.Record(ctx, audit.Failure(audit.ActionLoginTwoFactor, actorID, email, Reason(err)))
		slog.Warn("login_two_factor_failed", "reason", Reason(err))
		return nil, nil, err
	}

	s.audit.Record(ctx, audit.Success(audit.ActionLoginTwoFactor, user.ID, user.Email))
	slog.Info("login_success", "user_id", user.ID, "two_factor", true)
	return user, token, nil
}

func (s *Service) completeTwoFactor(ctx context.Context, ref, code string) (*models.User, *session.Token, error) {
	var t tempRef
	if err := s.tempRefs.Decode(strings.TrimSpace(ref), &t); err != nil {
		return nil, nil, ErrInvalidTempRef
	}
	claimed := &models.User{ID: t.UserID, Email: t.Email}

	code = strings.TrimSpace(code)
	if err := checkCode(code); err != nil {
		return claimed, nil, err
	}

	payload, err := s.codes.Verify(ctx, t.Email, models.PurposeLogin2FA, code)
	if err != nil {
		return claimed, nil, err
	}
	if payload != strconv.FormatInt(t.UserID, 10) {
		return claimed, nil, ErrInvalidTempRef
	}

	user, err := s.Me(ctx, t.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return claimed, nil, ErrInvalidCredentials
	}
	if err != nil {
		return claimed, nil, err
	}

	token, err := s.issueSession(user)
	if err != nil {
		return user, nil, err
	}
	return user, token, nil
}
