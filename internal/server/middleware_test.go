// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
)

func TestI18nMiddleware(t *testing.T) {
	require.NoError(t, i18n.Init())

	e := echo.New()
	e.Use(i18nMiddleware())

	var locale string
	e.GET("/", func(c echo.Context) error {
		locale = i18n.GetLocale(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	t.Run("English header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Language", "en-US")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.True(t, strings.HasPrefix(locale, "en"), "expected locale to start with 'en', got %s", locale)
	})

	t.Run("German header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Language", "de-DE")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.True(t, strings.HasPrefix(locale, "de"), "expected locale to start with 'de', got %s", locale)
	})
}

func TestRequestMeta(t *testing.T) {
	e := echo.New()
	e.Use(middleware.RequestID())
	e.Use(requestMeta())

	var meta audit.Meta
	e.GET("/", func(c echo.Context) error {
		meta = audit.MetaFrom(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "portal-test")
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "203.0.113.9", meta.RemoteAddr)
	assert.Equal(t, "portal-test", meta.UserAgent)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), meta.RequestID)
	assert.NotEmpty(t, meta.RequestID)
}

func TestWantsJSON(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    bool
	}{
		{"auth endpoint", "/auth/me", nil, true},
		{"admin endpoint", "/admin/audit", nil, true},
		{"browser page", "/dashboard", map[string]string{"Accept": "text/html"}, false},
		{"api client", "/dashboard", map[string]string{"Accept": "application/json"}, true},
		{"json body", "/grades", map[string]string{"Content-Type": "application/json; charset=utf-8"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, wantsJSON(req))
		})
	}
}

func TestGuard_APIClientGetsJSON(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	rec := a.serve(req, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "unauthenticated", body.Error)
	assert.Equal(t, "/login?next=%2Fdashboard", body.Redirect)
	assert.NotEmpty(t, body.Message)
}

func TestThrottle_OnlyAuthWrites(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.RateLimit.IPLimit = 1
	})

	for range 3 {
		assert.Equal(t, http.StatusOK, a.get("/").Code)
	}
}
