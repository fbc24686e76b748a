// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package session issues the signed session token carried in the session
// cookie and short lived encrypted references used between flow steps.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// ErrInvalidToken is returned for tokens that fail signature, issuer,
// expiry or claim checks.
var ErrInvalidToken = errors.New("invalid session token")

// Data is the identity carried by a valid session token.
type Data struct {
	UserID    int64
	Role      models.Role
	ExpiresAt time.Time
}

// Claims are the JWT claims of a session token.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Token is a signed session token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Manager signs and verifies session tokens.
type Manager struct {
	cookieName string
	issuer     string
	ttl        time.Duration
	secret     []byte
	secure     bool
	now        func() time.Time
}

// NewManager creates a session manager. An empty secret is replaced by a
// random one so sessions do not survive a restart.
func NewManager(cfg *config.SessionConfig, secure bool) (*Manager, error) {
	secret, err := config.DecodeHexKey("session secret", cfg.Secret)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		slog.Warn("session_secret_generated", "hint", "set session.secret to keep sessions across restarts")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	name := cfg.CookieName
	if name == "" {
		name = "jwt"
	}

	return &Manager{
		cookieName: name,
		issuer:     cfg.Issuer,
		ttl:        ttl,
		secret:     secret,
		secure:     secure,
		now:        time.Now,
	}, nil
}

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// Secret returns the signing secret so derived keys share its lifetime.
func (m *Manager) Secret() []byte {
	return m.secret
}

// Issue signs a token for the user.
func (m *Manager) Issue(userID int64, role models.Role) (*Token, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("issue session: unknown role %q", role)
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}

	metrics.SessionsIssuedTotal.Inc()
	return &Token{Value: value, ExpiresAt: expiresAt}, nil
}

// Cookie wraps a token into the session cookie.
func (m *Manager) Cookie(t *Token) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    t.Value,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		Expires:  t.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// Create issues a token and returns it as a cookie.
func (m *Manager) Create(userID int64, role models.Role) (*http.Cookie, error) {
	t, err := m.Issue(userID, role)
	if err != nil {
		return nil, err
	}
	return m.Cookie(t), nil
}

// ParseToken validates a token and returns the identity it carries.
func (m *Manager) ParseToken(value string) (*Data, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(value, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: bad role", ErrInvalidToken)
	}

	return &Data{
		UserID:    userID,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Parse reads the session cookie from the request. A missing or invalid
// cookie yields nil data and no error.
func (m *Manager) Parse(r *http.Request) (*Data, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, err
	}

	data, err := m.ParseToken(cookie.Value)
	if err != nil {
		slog.Debug("session_rejected", "error", err)
		return nil, nil
	}
	return data, nil
}

// Clear returns a cookie that removes the session cookie.
func (m *Manager) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	}
}
