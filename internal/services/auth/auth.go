// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package auth implements the registration, login and password reset flows.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// dummyHash is used for constant-time login to prevent timing attacks
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcrypt.DefaultCost)

// UserStore is the credential store. *repository.Repository implements it.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UpdateUserPassword(ctx context.Context, id int64, oldHash, newHash string) error
	SetTwoFactor(ctx context.Context, id int64, enabled bool) error
}

type Config struct { //nolint:govet // fieldalignment not critical
	// AllowedRoles may self-register. Other roles are provisioned.
	AllowedRoles    []models.Role
	StoreTimeout    time.Duration
	BcryptCost      int
	TempRefTTL      time.Duration
	ResetGrantTTL   time.Duration
	// DeliveryTimeout bounds a reset code delivery running after the
	// request has returned.
	DeliveryTimeout time.Duration
}

type Service struct {
	users       UserStore
	codes       *otp.Manager
	sessions    *session.Manager
	tempRefs    *session.RefCodec
	resetGrants *session.RefCodec
	audit       audit.Recorder
	passwords   *PasswordPolicy
	cfg         Config
	deliveries  sync.WaitGroup
}

// NewService wires the flows. A nil recorder discards audit events.
func NewService(users UserStore, codes *otp.Manager, sessions *session.Manager, rec audit.Recorder, cfg Config) *Service {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.TempRefTTL == 0 {
		cfg.TempRefTTL = 10 * time.Minute
	}
	if cfg.ResetGrantTTL == 0 {
		cfg.ResetGrantTTL = 10 * time.Minute
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if len(cfg.AllowedRoles) == 0 {
		cfg.AllowedRoles = []models.Role{models.RoleTeacher, models.RoleStudent}
	}
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Service{
		users:       users,
		codes:       codes,
		sessions:    sessions,
		tempRefs:    sessions.NewRefCodec("login-2fa", cfg.TempRefTTL),
		resetGrants: sessions.NewRefCodec("password-reset", cfg.ResetGrantTTL),
		audit:       rec,
		passwords:   DefaultPasswordPolicy(),
		cfg:         cfg,
	}
}

// PasswordPolicy returns the password policy for use in handlers.
func (s *Service) PasswordPolicy() *PasswordPolicy {
	return s.passwords
}

// Wait blocks until background code deliveries have finished.
func (s *Service) Wait() {
	s.deliveries.Wait()
}

// Sessions returns the session issuer.
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Me loads the account behind a session. Disabled or deleted accounts
// yield ErrUserNotFound.
func (s *Service) Me(ctx context.Context, userID int64) (*models.User, error) {
	var user *models.User
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUserByID(ctx, userID)
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

// Logout records the end of a session. The cookie itself is cleared by
// the caller; tokens stay valid until they expire.
func (s *Service) Logout(ctx context.Context, userID int64) {
	s.audit.Record(ctx, audit.Success(audit.ActionLogout, userID, ""))
	slog.Info("logout", "user_id", userID)
}

// SetTwoFactor enables or disables the email code step at login after
// checking the current password.
func (s *Service) SetTwoFactor(ctx context.Context, userID int64, password string, enabled bool) error {
	user, err := s.Me(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.audit.Record(ctx, audit.Failure(audit.ActionTwoFactorToggle, user.ID, user.Email, "invalid_credentials"))
		return ErrInvalidCredentials
	}

	if err := s.store(ctx, func(ctx context.Context) error {
		return s.users.SetTwoFactor(ctx, user.ID, enabled)
	}); err != nil {
		return fmt.Errorf("failed to update two-factor setting: %w", err)
	}

	ev := audit.Success(audit.ActionTwoFactorToggle, user.ID, user.Email)
	ev.Reason = fmt.Sprintf("enabled=%t", enabled)
	s.audit.Record(ctx, ev)
	slog.Info("two_factor_changed", "user_id", user.ID, "enabled", enabled)
	return nil
}

// ProvisionParams describes an account created without a code, for
// example by an operator.
type ProvisionParams struct {
	Name      string
	Email     string
	Password  string
	Role      models.Role
	TwoFactor bool
}

// ProvisionUser creates an account directly. Any role may be provisioned.
func (s *Service) ProvisionUser(ctx context.Context, params ProvisionParams) (*models.User, error) {
	email, err := normalizeEmail(params.Email)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if !params.Role.Valid() {
		return nil, invalid("role", "is unknown")
	}
	if err := s.passwords.Validate(params.Password, email, name); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(params.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:            email,
		Name:             name,
		Role:             params.Role,
		PasswordHash:     hash,
		TwoFactorEnabled: params.TwoFactor,
		ProfileID:        newProfileID(),
	}
	if err := s.createUser(ctx, user); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Success(audit.ActionUserProvisioned, user.ID, user.Email))
	slog.Info("user_provisioned", "user_id", user.ID, "role", user.Role)
	return user, nil
}

func (s *Service) createUser(ctx context.Context, user *models.User) error {
	err := s.store(ctx, func(ctx context.Context) error {
		return s.users.CreateUser(ctx, user)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return ErrEmailAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Service) issueSession(user *models.User) (*session.Token, error) {
	token, err := s.sessions.Issue(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return token, nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// store bounds a credential store round-trip and maps timeouts and lock
// contention to ErrUnavailable.
func (s *Service) store(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, repository.ErrUnavailable) {
		slog.Warn("credential_store_unavailable", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *Service) roleAllowed(role models.Role) bool {
	for _, r := range s.cfg.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func normalizeEmail(raw string) (string, error) {
	email := models.NormalizeEmail(raw)
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}

func checkCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return invalid("code", "is required")
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return invalid("code", "must be numeric")
		}
	}
	return nil
}
