// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/schoolportal/internal/handlers"
	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
)

func setupRoutes(e *echo.Echo, app *App) {
	h := handlers.New(app.Repo)
	a := handlers.NewAuth(app.Auth)

	e.GET("/", h.Home)
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Pages rendered by the frontend.
	e.GET("/login", h.Page)
	e.GET("/register", h.Page)
	e.GET("/forgot-password", h.Page)

	g := e.Group("/auth")
	g.POST("/register/request-otp", a.RegisterRequestOTP)
	g.POST("/register/resend-otp", a.RegisterResendOTP)
	g.POST("/register/verify-otp", a.RegisterVerifyOTP)
	g.POST("/login", a.Login)
	g.POST("/login/verify-otp", a.LoginVerifyOTP)
	g.POST("/password/request-otp", a.PasswordRequestOTP)
	g.POST("/password/resend-otp", a.PasswordResendOTP)
	g.POST("/password/verify-otp", a.PasswordVerifyOTP)
	g.POST("/password/reset", a.PasswordReset)
	g.POST("/logout", a.Logout)
	g.GET("/me", a.Me)
	g.POST("/2fa", a.TwoFactor)

	for _, p := range []string{
		"/dashboard",
		"/profile",
		"/profile/:id",
		"/students",
		"/students/:id",
		"/grades",
		"/grades/:id",
		"/attendance",
		"/attendance/:id",
		"/reports",
		"/reports/*",
	} {
		e.GET(p, h.Portal)
	}

	e.GET("/admin/audit", h.AuditLog)
}
