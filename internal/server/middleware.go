// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/appcontext"
	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/handlers"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/services/auth"
)

func setupMiddleware(e *echo.Echo, app *App) {
	e.Pre(middleware.RemoveTrailingSlashWithConfig(middleware.TrailingSlashConfig{
		RedirectCode: http.StatusMovedPermanently,
	}))

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestMetrics())
	e.Use(requestLogger())
	e.Use(middleware.Secure())
	e.Use(middleware.Gzip())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", max(app.Config.Server.MaxBodySize, 1))))
	e.Use(requestMeta())
	e.Use(i18nMiddleware())
	e.Use(throttle(app))
	e.Use(loadIdentity(app))
	e.Use(guard(app))
}

// requestLogger returns middleware that logs requests using slog.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}

			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				slog.LogAttrs(c.Request().Context(), slog.LevelError, "request", attrs...)
			} else {
				slog.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			}

			return nil
		},
	})
}

// requestMetrics counts requests per route template. It sits outside the
// request logger, which has already written error responses when control
// returns here.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			metrics.HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// requestMeta stores the caller details attached to audit entries.
func requestMeta() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := audit.WithMeta(req.Context(), audit.Meta{
				RemoteAddr: c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  c.Response().Header().Get(echo.HeaderXRequestID),
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// i18nMiddleware sets the locale based on Accept-Language header.
func i18nMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			acceptLang := c.Request().Header.Get("Accept-Language")
			lang := i18n.MatchLanguage(acceptLang)
			ctx := i18n.WithLocale(c.Request().Context(), lang)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// throttle limits state changing auth requests per source address. The
// per-email limits of the code issuer apply on top of it. A failing
// counter store lets requests through.
func throttle(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, "/auth/") {
				return next(c)
			}

			d, err := app.IPLimiter.Allow(req.Context(), c.RealIP())
			if err != nil {
				slog.Warn("ip_throttle_unavailable", "error", err)
				return next(c)
			}
			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(app.IPLimiter.Name()).Inc()
				return d.Err(app.IPLimiter.Name())
			}
			return next(c)
		}
	}
}

// loadIdentity resolves the session cookie into the current user. Tokens
// of disabled or deleted accounts are ignored, and the role is taken from
// the account rather than the token.
func loadIdentity(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			data, err := app.Sessions.Parse(req)
			if err != nil || data == nil {
				return next(c)
			}

			ctx := req.Context()
			user, err := app.Auth.Me(ctx, data.UserID)
			if errors.Is(err, auth.ErrUserNotFound) {
				return next(c)
			}
			if err != nil {
				return err
			}

			id := &access.Identity{
				UserID:    user.ID,
				Email:     user.Email,
				Role:      user.Role,
				ProfileID: user.ProfileID,
			}
			if user.Role == models.RoleTeacher {
				tctx, cancel := context.WithTimeout(ctx, app.Config.Database.StoreTimeout)
				id.AssignedStudents, err = app.Repo.AssignedStudents(tctx, user.ID)
				cancel()
				if err != nil {
					return auth.ErrUnavailable
				}
			}

			ctx = appcontext.WithUser(ctx, user)
			ctx = appcontext.WithIdentity(ctx, id)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// guard consults the access engine before any handler runs. Browsers are
// redirected; API callers get a JSON error carrying the redirect target.
func guard(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			id := appcontext.GetIdentity(ctx)

			v := app.Engine.Decide(id, req.URL.Path)
			if v.Allowed {
				metrics.AccessDecisionsTotal.WithLabelValues("allow", string(v.Reason)).Inc()
				return next(c)
			}
			metrics.AccessDecisionsTotal.WithLabelValues("deny", string(v.Reason)).Inc()

			// Signed-in users bounced off the login pages are not denials
			// worth recording.
			if v.Reason != access.ReasonAuthenticated {
				ev := audit.Failure(audit.ActionAccessDenied, 0, "", string(v.Reason))
				if id != nil {
					ev.ActorID = id.UserID
					ev.ActorEmail = id.Email
				}
				ev.ResourceKind = "path"
				ev.ResourceID = req.URL.Path
				app.Audit.Record(ctx, ev)
				slog.Info("access_denied", "path", req.URL.Path, "reason", v.Reason, "authenticated", id != nil)
			}

			target := v.Redirect
			if v.ReturnTo != "" {
				returnTo := v.ReturnTo
				if req.URL.RawQuery != "" {
					returnTo += "?" + req.URL.RawQuery
				}
				target += "?next=" + url.QueryEscape(returnTo)
			}

			if wantsJSON(req) {
				status, kind, msg := http.StatusForbidden, "forbidden", "error_forbidden"
				if id == nil {
					status, kind, msg = http.StatusUnauthorized, "unauthenticated", "error_unauthenticated"
				}
				return c.JSON(status, handlers.ErrorBody{
					Error:    kind,
					Message:  i18n.T(ctx, msg),
					Redirect: target,
				})
			}
			return c.Redirect(http.StatusSeeOther, target)
		}
	}
}

// wantsJSON reports whether the caller is an API client rather than a
// browser navigation.
func wantsJSON(req *http.Request) bool {
	p := req.URL.Path
	if strings.HasPrefix(p, "/auth/") || strings.HasPrefix(p, "/admin/") {
		return true
	}
	if strings.Contains(req.Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON) {
		return true
	}
	return strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
}
