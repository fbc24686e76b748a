// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var configFile = altsrc.StringSourcer("config.toml")

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server       ServerConfig
	Log          LogConfig
	Database     DatabaseConfig
	Session      SessionConfig
	OTP          OTPConfig
	RateLimit    RateLimitConfig
	Registration RegistrationConfig
	SMTP         SMTPConfig
	Audit        AuditConfig
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host        string
	Port        int
	BaseURL     string
	MaxBodySize int    // in MB
	Environment string // development, production
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN          string
	StoreTimeout time.Duration // upper bound for a single store round-trip
}

type SessionConfig struct { //nolint:govet // fieldalignment not critical
	CookieName string
	TTL        time.Duration
	Secret     string // hex encoded, at least 32 bytes
	Issuer     string
}

type OTPConfig struct { //nolint:govet // fieldalignment not critical
	CodeLength    int
	TTL           time.Duration
	MaxAttempts   int
	IssueLimit    int
	IssueWindow   time.Duration
	TempRefTTL    time.Duration
	ResetTokenTTL time.Duration
	Pepper        string
	SweepInterval time.Duration
}

type RateLimitConfig struct { //nolint:govet // fieldalignment not critical
	Backend  string // memory, redis
	RedisURL string
	IPLimit  int
	IPWindow time.Duration
}

type RegistrationConfig struct {
	Roles []string // roles open to self-registration
}

type SMTPConfig struct { //nolint:govet // fieldalignment not critical
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      bool
}

type AuditConfig struct {
	BufferSize int
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:        cmd.String("host"),
			Port:        int(cmd.Int("port")),
			BaseURL:     cmd.String("base-url"),
			MaxBodySize: int(cmd.Int("max-body-size")),
			Environment: cmd.String("environment"),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN:          cmd.String("database-dsn"),
			StoreTimeout: cmd.Duration("store-timeout"),
		},
		Session: SessionConfig{
			CookieName: cmd.String("session-cookie-name"),
			TTL:        cmd.Duration("session-ttl"),
			Secret:     cmd.String("session-secret"),
			Issuer:     cmd.String("session-issuer"),
		},
		OTP: OTPConfig{
			CodeLength:    int(cmd.Int("otp-code-length")),
			TTL:           cmd.Duration("otp-ttl"),
			MaxAttempts:   int(cmd.Int("otp-max-attempts")),
			IssueLimit:    int(cmd.Int("otp-issue-limit")),
			IssueWindow:   cmd.Duration("otp-issue-window"),
			TempRefTTL:    cmd.Duration("otp-temp-ref-ttl"),
			ResetTokenTTL: cmd.Duration("otp-reset-token-ttl"),
			Pepper:        cmd.String("otp-pepper"),
			SweepInterval: cmd.Duration("otp-sweep-interval"),
		},
		RateLimit: RateLimitConfig{
			Backend:  cmd.String("ratelimit-backend"),
			RedisURL: cmd.String("ratelimit-redis-url"),
			IPLimit:  int(cmd.Int("ratelimit-ip-limit")),
			IPWindow: cmd.Duration("ratelimit-ip-window"),
		},
		Registration: RegistrationConfig{
			Roles: cmd.StringSlice("registration-roles"),
		},
		SMTP: SMTPConfig{
			Host:     cmd.String("smtp-host"),
			Port:     int(cmd.Int("smtp-port")),
			Username: cmd.String("smtp-username"),
			Password: cmd.String("smtp-password"),
			From:     cmd.String("smtp-from"),
			FromName: cmd.String("smtp-from-name"),
			TLS:      cmd.Bool("smtp-tls"),
		},
		Audit: AuditConfig{
			BufferSize: int(cmd.Int("audit-buffer-size")),
		},
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}

	return cfg
}

// Validate reports the first setting that cannot work at runtime.
func (c *Config) Validate() error {
	switch {
	case c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10:
		return fmt.Errorf("otp code length must be between 4 and 10, got %d", c.OTP.CodeLength)
	case c.OTP.MaxAttempts < 1:
		return errors.New("otp max attempts must be at least 1")
	case c.OTP.TTL <= 0:
		return errors.New("otp ttl must be positive")
	case c.Session.TTL <= 0:
		return errors.New("session ttl must be positive")
	case c.Database.StoreTimeout <= 0:
		return errors.New("store timeout must be positive")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return errors.New("ratelimit backend redis requires a redis url")
		}
	default:
		return fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend)
	}

	for _, role := range c.Registration.Roles {
		if role != "teacher" && role != "student" {
			return fmt.Errorf("role %q cannot be opened to self-registration", role)
		}
	}

	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Environment, "development")
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	if c.IsDevelopment() || IsLocalhost(c.Server.Host) {
		return false
	}
	return true
}

// SessionSecret decodes the configured signing secret.
func (c *Config) SessionSecret() ([]byte, error) {
	return DecodeHexKey("session secret", c.Session.Secret)
}

// OTPPepper decodes the configured code hashing pepper.
func (c *Config) OTPPepper() ([]byte, error) {
	return DecodeHexKey("otp pepper", c.OTP.Pepper)
}

// DecodeHexKey decodes a hex encoded key of at least 32 bytes. An empty value
// yields a nil key.
func DecodeHexKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port

	scheme := "https"
	if IsLocalhost(host) {
		scheme = "http"
	}

	// Hide default ports in URL
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	// Check for *.localhost subdomains (e.g., app.localhost)
	return strings.HasSuffix(host, ".localhost")
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HOST"), toml.TOML("server.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: cli.NewValueSourceChain(cli.EnvVar("PORT"), toml.TOML("server.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL for the application",
			Sources: cli.NewValueSourceChain(cli.EnvVar("BASE_URL"), toml.TOML("server.base_url", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   1,
			Usage:   "Maximum request body size in MB",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_BODY_SIZE"), toml.TOML("server.max_body_size", configFile)),
		},
		&cli.StringFlag{
			Name:    "environment",
			Value:   "production",
			Usage:   "Runtime environment (development, production)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("ENVIRONMENT"), toml.TOML("server.environment", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_LEVEL"), toml.TOML("log.level", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_FORMAT"), toml.TOML("log.format", configFile)),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/app.db",
			Usage:   "Database DSN",
			Sources: cli.NewValueSourceChain(cli.EnvVar("DATABASE_DSN"), toml.TOML("database.dsn", configFile)),
		},
		&cli.DurationFlag{
			Name:    "store-timeout",
			Value:   3 * time.Second,
			Usage:   "Upper bound for a single store round-trip",
			Sources: cli.NewValueSourceChain(cli.EnvVar("STORE_TIMEOUT"), toml.TOML("database.store_timeout", configFile)),
		},
		// Session flags
		&cli.StringFlag{
			Name:    "session-cookie-name",
			Value:   "jwt",
			Usage:   "Session cookie name",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SESSION_COOKIE_NAME"), toml.TOML("session.cookie_name", configFile)),
		},
		&cli.DurationFlag{
			Name:    "session-ttl",
			Value:   30 * 24 * time.Hour,
			Usage:   "Session token lifetime",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SESSION_TTL"), toml.TOML("session.ttl", configFile)),
		},
		&cli.StringFlag{
			Name:    "session-secret",
			Usage:   "Session signing secret (hex, at least 32 bytes, auto-generated if empty in dev)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SESSION_SECRET"), toml.TOML("session.secret", configFile)),
		},
		&cli.StringFlag{
			Name:    "session-issuer",
			Value:   "schoolportal",
			Usage:   "Issuer claim of session tokens",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SESSION_ISSUER"), toml.TOML("session.issuer", configFile)),
		},
		// OTP flags
		&cli.IntFlag{
			Name:    "otp-code-length",
			Value:   6,
			Usage:   "Number of digits in one-time codes",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_CODE_LENGTH"), toml.TOML("otp.code_length", configFile)),
		},
		&cli.DurationFlag{
			Name:    "otp-ttl",
			Value:   10 * time.Minute,
			Usage:   "Lifetime of a one-time code",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_TTL"), toml.TOML("otp.ttl", configFile)),
		},
		&cli.IntFlag{
			Name:    "otp-max-attempts",
			Value:   3,
			Usage:   "Failed verifications before a code is invalidated",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_MAX_ATTEMPTS"), toml.TOML("otp.max_attempts", configFile)),
		},
		&cli.IntFlag{
			Name:    "otp-issue-limit",
			Value:   5,
			Usage:   "Codes issued per email and purpose within the issue window",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_ISSUE_LIMIT"), toml.TOML("otp.issue_limit", configFile)),
		},
		&cli.DurationFlag{
			Name:    "otp-issue-window",
			Value:   15 * time.Minute,
			Usage:   "Window of the code issue limit",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_ISSUE_WINDOW"), toml.TOML("otp.issue_window", configFile)),
		},
		&cli.DurationFlag{
			Name:    "otp-temp-ref-ttl",
			Value:   10 * time.Minute,
			Usage:   "Lifetime of the reference returned by a 2FA login",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_TEMP_REF_TTL"), toml.TOML("otp.temp_ref_ttl", configFile)),
		},
		&cli.DurationFlag{
			Name:    "otp-reset-token-ttl",
			Value:   10 * time.Minute,
			Usage:   "Lifetime of a verified password reset authorization",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_RESET_TOKEN_TTL"), toml.TOML("otp.reset_token_ttl", configFile)),
		},
		&cli.StringFlag{
			Name:    "otp-pepper",
			Usage:   "Secret mixed into stored code hashes (hex, defaults to the session secret)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_PEPPER"), toml.TOML("otp.pepper", configFile)),
		},
		&cli.DurationFlag{
			Name:    "otp-sweep-interval",
			Value:   time.Minute,
			Usage:   "Interval of the expired challenge sweeper (0 disables)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("OTP_SWEEP_INTERVAL"), toml.TOML("otp.sweep_interval", configFile)),
		},
		// Rate limit flags
		&cli.StringFlag{
			Name:    "ratelimit-backend",
			Value:   "memory",
			Usage:   "Rate limit counter store (memory, redis)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RATELIMIT_BACKEND"), toml.TOML("ratelimit.backend", configFile)),
		},
		&cli.StringFlag{
			Name:    "ratelimit-redis-url",
			Usage:   "Redis URL for the redis rate limit backend",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RATELIMIT_REDIS_URL"), toml.TOML("ratelimit.redis_url", configFile)),
		},
		&cli.IntFlag{
			Name:    "ratelimit-ip-limit",
			Value:   30,
			Usage:   "Auth requests per source address within the window",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RATELIMIT_IP_LIMIT"), toml.TOML("ratelimit.ip_limit", configFile)),
		},
		&cli.DurationFlag{
			Name:    "ratelimit-ip-window",
			Value:   time.Minute,
			Usage:   "Window of the per source address limit",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RATELIMIT_IP_WINDOW"), toml.TOML("ratelimit.ip_window", configFile)),
		},
		// Registration flags
		&cli.StringSliceFlag{
			Name:    "registration-roles",
			Value:   []string{"teacher", "student"},
			Usage:   "Roles open to self-registration",
			Sources: cli.NewValueSourceChain(cli.EnvVar("REGISTRATION_ROLES"), toml.TOML("registration.roles", configFile)),
		},
		// SMTP flags
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP server host (empty logs codes instead of sending)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_HOST"), toml.TOML("smtp.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Usage:   "SMTP server port",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_PORT"), toml.TOML("smtp.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_USERNAME"), toml.TOML("smtp.username", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_PASSWORD"), toml.TOML("smtp.password", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Value:   "no-reply@localhost",
			Usage:   "Sender address of outgoing mail",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_FROM"), toml.TOML("smtp.from", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-from-name",
			Value:   "School Portal",
			Usage:   "Sender display name of outgoing mail",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_FROM_NAME"), toml.TOML("smtp.from_name", configFile)),
		},
		&cli.BoolFlag{
			Name:    "smtp-tls",
			Value:   true,
			Usage:   "Require STARTTLS when talking to the SMTP server",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_TLS"), toml.TOML("smtp.tls", configFile)),
		},
		// Audit flags
		&cli.IntFlag{
			Name:    "audit-buffer-size",
			Value:   1024,
			Usage:   "Pending audit events held before new ones are dropped",
			Sources: cli.NewValueSourceChain(cli.EnvVar("AUDIT_BUFFER_SIZE"), toml.TOML("audit.buffer_size", configFile)),
		},
	}
}
