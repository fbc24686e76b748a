// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/appcontext"
	"codeberg.org/oliverandrich/schoolportal/internal/handlers"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/testutil"
)

func TestHealth(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	h := handlers.New(repo)
	c, rec := testutil.NewEchoContext(echo.New(), http.MethodGet, "/health", nil)

	require.NoError(t, h.Health(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealth_DatabaseDown(t *testing.T) {
	db, repo := testutil.NewTestDB(t)
	require.NoError(t, db.Close())
	h := handlers.New(repo)
	c, rec := testutil.NewEchoContext(echo.New(), http.MethodGet, "/health", nil)

	require.NoError(t, h.Health(c))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHome(t *testing.T) {
	require.NoError(t, i18n.Init())
	_, repo := testutil.NewTestDB(t)
	h := handlers.New(repo)
	c, rec := testutil.NewEchoContext(echo.New(), http.MethodGet, "/", nil)

	require.NoError(t, h.Home(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name"`)
}

func TestPortal(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	h := handlers.New(repo)

	t.Run("without identity", func(t *testing.T) {
		c, _ := testutil.NewEchoContext(echo.New(), http.MethodGet, "/dashboard", nil)
		assert.ErrorIs(t, h.Portal(c), echo.ErrUnauthorized)
	})

	t.Run("with identity", func(t *testing.T) {
		c, rec := testutil.NewEchoContext(echo.New(), http.MethodGet, "/dashboard", nil)
		ctx := appcontext.WithIdentity(c.Request().Context(), &access.Identity{UserID: 7, Role: models.RoleTeacher})
		c.SetRequest(c.Request().WithContext(ctx))

		require.NoError(t, h.Portal(c))

		var body handlers.PortalResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, handlers.PortalResponse{Resource: "/dashboard", Role: "teacher", UserID: 7}, body)
	})
}

func TestAuditLog(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	for i, action := range []string{"login", "logout", "login"} {
		require.NoError(t, repo.InsertAuditEntry(ctx, &models.AuditLogEntry{
			ID:        fmt.Sprintf("entry-%d", i),
			Action:    action,
			Outcome:   models.OutcomeSuccess,
			CreatedAt: time.Now().UTC(),
		}))
	}
	h := handlers.New(repo)

	t.Run("limit", func(t *testing.T) {
		c, rec := testutil.NewEchoContext(echo.New(), http.MethodGet, "/admin/audit?limit=2", nil)
		require.NoError(t, h.AuditLog(c))

		var body struct {
			Entries []models.AuditLogEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Entries, 2)
	})

	t.Run("bad limit", func(t *testing.T) {
		c, _ := testutil.NewEchoContext(echo.New(), http.MethodGet, "/admin/audit?limit=-1", nil)
		err := h.AuditLog(c)

		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusBadRequest, he.Code)
	})
}
