// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/schoolportal/internal/appcontext"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/services/auth"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// AuthHandlers contains handlers for the authentication flows.
type AuthHandlers struct {
	auth     *auth.Service
	sessions *session.Manager
}

// NewAuth creates a new AuthHandlers instance.
func NewAuth(svc *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		auth:     svc,
		sessions: svc.Sessions(),
	}
}

// MessageResponse is returned by steps that only acknowledge a request.
type MessageResponse struct {
	Message string `json:"message"`
}

// UserResponse carries the signed-in user. The session travels in the cookie.
type UserResponse struct {
	User *models.User `json:"user"`
}

// LoginResponse is either a signed-in user or a pending second factor.
type LoginResponse struct {
	User              *models.User `json:"user,omitempty"`
	RequiresTwoFactor bool         `json:"requiresTwoFactor"`
	TempRef           string       `json:"tempRef,omitempty"`
}

// ResetVerifyResponse carries the authorization for the final reset step.
type ResetVerifyResponse struct {
	ResetAuthorized bool   `json:"resetAuthorized"`
	ResetToken      string `json:"resetToken"`
}

type RegisterRequestOTPRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	Role     string `json:"role" validate:"required"`
}

// RegisterVerifyOTPRequest completes a registration. The account data was
// stored with the code, so only email and code are read.
type RegisterVerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,numeric,max=10"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginVerifyOTPRequest struct {
	TempRef string `json:"tempRef" validate:"required,max=4096"`
	Code    string `json:"code" validate:"required,numeric,max=10"`
}

type PasswordVerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,numeric,max=10"`
}

// PasswordResetRequest accepts either the code itself or the reset token
// returned by the verify step.
type PasswordResetRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Code        string `json:"code" validate:"omitempty,numeric,max=10"`
	ResetToken  string `json:"resetToken" validate:"required_without=Code,max=4096"`
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

type TwoFactorRequest struct {
	Password string `json:"password" validate:"required,max=128"`
	Enabled  *bool  `json:"enabled" validate:"required"`
}

// RegisterRequestOTP starts a registration and mails a code.
func (h *AuthHandlers) RegisterRequestOTP(c echo.Context) error {
	var req RegisterRequestOTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.auth.RequestRegistration(ctx, auth.RegistrationRequest{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	}); err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, MessageResponse{Message: i18n.T(ctx, "message_code_sent")})
}

// RegisterResendOTP mails a new code for a pending registration.
func (h *AuthHandlers) RegisterResendOTP(c echo.Context) error {
	var req EmailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.auth.ResendRegistrationCode(ctx, req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: i18n.T(ctx, "message_code_sent")})
}

// RegisterVerifyOTP creates the account and signs the user in.
func (h *AuthHandlers) RegisterVerifyOTP(c echo.Context) error {
	var req RegisterVerifyOTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	user, token, err := h.auth.CompleteRegistration(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		return err
	}

	c.SetCookie(h.sessions.Cookie(token))
	return c.JSON(http.StatusCreated, UserResponse{User: user})
}

// Login checks credentials and either signs the user in or asks for a code.
func (h *AuthHandlers) Login(c echo.Context) error {
	var req LoginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	res, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}

	if res.RequiresTwoFactor {
		return c.JSON(http.StatusOK, LoginResponse{RequiresTwoFactor: true, TempRef: res.TempRef})
	}

	c.SetCookie(h.sessions.Cookie(res.Token))
	return c.JSON(http.StatusOK, LoginResponse{User: res.User})
}

// LoginVerifyOTP completes a two-factor login.
func (h *AuthHandlers) LoginVerifyOTP(c echo.Context) error {
	var req LoginVerifyOTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	user, token, err := h.auth.CompleteTwoFactor(c.Request().Context(), req.TempRef, req.Code)
	if err != nil {
		return err
	}

	c.SetCookie(h.sessions.Cookie(token))
	return c.JSON(http.StatusOK, UserResponse{User: user})
}

// PasswordRequestOTP mails a reset code. The response is the same whether
// or not the address belongs to an account.
func (h *AuthHandlers) PasswordRequestOTP(c echo.Context) error {
	var req EmailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.auth.RequestPasswordReset(ctx, req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: i18n.T(ctx, "message_reset_requested")})
}

// PasswordResendOTP mails a new reset code for a pending reset.
func (h *AuthHandlers) PasswordResendOTP(c echo.Context) error {
	var req EmailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.auth.ResendPasswordResetCode(ctx, req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: i18n.T(ctx, "message_reset_requested")})
}

// PasswordVerifyOTP exchanges a reset code for a reset token.
func (h *AuthHandlers) PasswordVerifyOTP(c echo.Context) error {
	var req PasswordVerifyOTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	grant, err := h.auth.VerifyResetCode(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ResetVerifyResponse{ResetAuthorized: true, ResetToken: grant})
}

// PasswordReset sets a new password.
func (h *AuthHandlers) PasswordReset(c echo.Context) error {
	var req PasswordResetRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.auth.ResetPassword(ctx, auth.ResetRequest{
		Email:       req.Email,
		Code:        req.Code,
		Grant:       req.ResetToken,
		NewPassword: req.NewPassword,
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: i18n.T(ctx, "message_password_changed")})
}

// Logout clears the session cookie.
func (h *AuthHandlers) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	if id := appcontext.GetIdentity(ctx); id != nil {
		h.auth.Logout(ctx, id.UserID)
	}

	c.SetCookie(h.sessions.Clear())
	return c.JSON(http.StatusOK, MessageResponse{Message: i18n.T(ctx, "message_logged_out")})
}

// Me returns the signed-in user.
func (h *AuthHandlers) Me(c echo.Context) error {
	user := appcontext.GetUser(c.Request().Context())
	if user == nil {
		return auth.ErrUserNotFound
	}
	return c.JSON(http.StatusOK, UserResponse{User: user})
}

// TwoFactor enables or disables the email code step at login.
func (h *AuthHandlers) TwoFactor(c echo.Context) error {
	var req TwoFactorRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := appcontext.GetIdentity(ctx)
	if id == nil {
		return auth.ErrUserNotFound
	}

	if err := h.auth.SetTwoFactor(ctx, id.UserID, req.Password, *req.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: i18n.T(ctx, "message_two_factor_updated")})
}
