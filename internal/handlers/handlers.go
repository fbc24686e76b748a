// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package handlers implements the HTTP endpoints of the portal.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/schoolportal/internal/appcontext"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Handlers contains all HTTP handlers outside the auth flows.
type Handlers struct {
	repo *repository.Repository
}

// New creates a new Handlers instance.
func New(repo *repository.Repository) *Handlers {
	return &Handlers{repo: repo}
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("health_check_failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Home describes the service.
func (h *Handlers) Home(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name": i18n.T(c.Request().Context(), "app_name"),
	})
}

// Page acknowledges a public page. Its markup is served by the frontend.
func (h *Handlers) Page(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"page": c.Path(),
	})
}

// PortalResponse is returned by the guarded portal resources. The features
// behind them live in other services; reaching the handler means the
// access guard allowed the request.
type PortalResponse struct {
	Resource string `json:"resource"`
	Role     string `json:"role"`
	UserID   int64  `json:"userId"`
}

// Portal acknowledges access to a guarded resource.
func (h *Handlers) Portal(c echo.Context) error {
	id := appcontext.GetIdentity(c.Request().Context())
	if id == nil {
		return echo.ErrUnauthorized
	}
	return c.JSON(http.StatusOK, PortalResponse{
		Resource: c.Request().URL.Path,
		Role:     id.Role.String(),
		UserID:   id.UserID,
	})
}

// AuditLog lists the most recent audit entries.
func (h *Handlers) AuditLog(c echo.Context) error {
	limit := defaultAuditLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive number")
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.repo.ListAuditEntries(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
	})
}
