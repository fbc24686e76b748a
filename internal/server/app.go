// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/database"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/ratelimit"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
	"codeberg.org/oliverandrich/schoolportal/internal/services/auth"
	"codeberg.org/oliverandrich/schoolportal/internal/services/email"
	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// App holds the wired services of a running portal.
type App struct {
	Config    *config.Config
	DB        *sqlx.DB
	Repo      *repository.Repository
	Codes     *otp.Manager
	Sessions  *session.Manager
	Auth      *auth.Service
	Engine    *access.Engine
	Audit     *audit.Dispatcher
	Counters  ratelimit.Store
	IPLimiter *ratelimit.Limiter
}

type options struct {
	notifier otp.Notifier
}

// Option customizes NewApp.
type Option func(*options)

// WithNotifier replaces the configured code delivery.
func WithNotifier(n otp.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// NewApp opens the database and wires all services from cfg.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.IsDevelopment() && cfg.Session.Secret == "" {
		return nil, errors.New("session secret is required outside development")
	}

	if err := i18n.Init(); err != nil {
		return nil, fmt.Errorf("failed to init i18n: %w", err)
	}

	sessions, err := session.NewManager(&cfg.Session, cfg.SecureCookies())
	if err != nil {
		return nil, err
	}

	pepper, err := cfg.OTPPepper()
	if err != nil {
		return nil, err
	}
	if pepper == nil {
		pepper = derivePepper(sessions.Secret())
	}

	notifier := o.notifier
	if notifier == nil {
		notifier, err = newNotifier(cfg)
		if err != nil {
			return nil, err
		}
	}

	engine, err := access.NewEngine(access.DefaultPolicy())
	if err != nil {
		return nil, fmt.Errorf("invalid access policy: %w", err)
	}

	roles := make([]models.Role, 0, len(cfg.Registration.Roles))
	for _, r := range cfg.Registration.Roles {
		role, err := models.ParseRole(r)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}

	counters, err := newCounterStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		_ = counters.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo := repository.New(db)

	codes := otp.NewManager(repo,
		ratelimit.NewLimiter(counters, "otp", cfg.OTP.IssueLimit, cfg.OTP.IssueWindow),
		notifier,
		otp.Config{
			CodeLength:   cfg.OTP.CodeLength,
			TTL:          cfg.OTP.TTL,
			MaxAttempts:  cfg.OTP.MaxAttempts,
			Pepper:       pepper,
			StoreTimeout: cfg.Database.StoreTimeout,
		},
	)

	dispatcher := audit.NewDispatcher(repo, cfg.Audit.BufferSize)

	authSvc := auth.NewService(repo, codes, sessions, dispatcher, auth.Config{
		AllowedRoles:  roles,
		StoreTimeout:  cfg.Database.StoreTimeout,
		TempRefTTL:    cfg.OTP.TempRefTTL,
		ResetGrantTTL: cfg.OTP.ResetTokenTTL,
	})

	return &App{
		Config:    cfg,
		DB:        db,
		Repo:      repo,
		Codes:     codes,
		Sessions:  sessions,
		Auth:      authSvc,
		Engine:    engine,
		Audit:     dispatcher,
		Counters:  counters,
		IPLimiter: ratelimit.NewLimiter(counters, "ip", cfg.RateLimit.IPLimit, cfg.RateLimit.IPWindow),
	}, nil
}

// Close drains the audit buffer and releases connections.
func (a *App) Close() error {
	a.Auth.Wait()
	a.Audit.Close()
	return errors.Join(a.Counters.Close(), a.DB.Close())
}

// derivePepper keys code hashes off the session secret when no pepper is
// configured, without reusing the signing key itself.
func derivePepper(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("otp-pepper"))
	return mac.Sum(nil)
}

func newNotifier(cfg *config.Config) (otp.Notifier, error) {
	if cfg.SMTP.Host != "" {
		return email.NewService(&cfg.SMTP, cfg.OTP.TTL)
	}
	if !cfg.IsDevelopment() {
		return nil, errors.New("smtp host is required outside development")
	}
	slog.Warn("smtp_disabled", "hint", "codes are written to the log")
	return email.NewLogSender(cfg.OTP.TTL), nil
}

func newCounterStore(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	if cfg.RateLimit.Backend == "redis" {
		store, err := ratelimit.OpenRedisStore(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil
	}
	return ratelimit.NewMemoryStore(), nil
}
