// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/ratelimit"
	"codeberg.org/oliverandrich/schoolportal/internal/services/auth"
	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	Issues     []string          `json:"issues,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"` // seconds
	Retryable  bool              `json:"retryable,omitempty"`
	Redirect   string            `json:"redirect,omitempty"`
}

// ErrorHandler is the echo.HTTPErrorHandler of the portal. Domain errors
// keep their kind and get a safe message; everything unknown becomes an
// opaque internal error and is logged with the request id.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := classify(err)
	ctx := c.Request().Context()
	body.Message = i18n.T(ctx, body.Message)

	if status >= http.StatusInternalServerError {
		level := slog.LevelWarn
		if !body.Retryable {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "request_failed",
			"error", err,
			"kind", body.Error,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
	}

	if body.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		slog.Error("error_response_failed", "error", writeErr)
	}
}

func classify(err error) (int, ErrorBody) {
	var (
		verrs    validator.ValidationErrors
		fieldErr *auth.ValidationError
		pwErr    *auth.PasswordValidationError
		httpErr  *echo.HTTPError
	)

	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = describe(fe)
		}
		return http.StatusBadRequest, ErrorBody{Error: "validation", Message: "error_validation", Fields: fields}
	case errors.As(err, &fieldErr):
		return http.StatusBadRequest, ErrorBody{
			Error:   "validation",
			Message: "error_validation",
			Fields:  map[string]string{fieldErr.Field: fieldErr.Message},
		}
	case errors.As(err, &pwErr):
		return http.StatusBadRequest, ErrorBody{Error: "weak_password", Message: "error_weak_password", Issues: pwErr.Messages()}

	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrorBody{Error: "invalid_credentials", Message: "error_invalid_credentials"}
	case errors.Is(err, otp.ErrInvalidCode),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, otp.ErrAlreadyConsumed),
		errors.Is(err, otp.ErrTooManyAttempts),
		errors.Is(err, otp.ErrNotFound),
		errors.Is(err, auth.ErrInvalidTempRef),
		errors.Is(err, auth.ErrInvalidResetGrant):
		return http.StatusUnauthorized, ErrorBody{Error: auth.Reason(err), Message: "error_invalid_code"}
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusUnauthorized, ErrorBody{Error: "unauthenticated", Message: "error_unauthenticated"}

	case errors.Is(err, auth.ErrEmailAlreadyRegistered):
		return http.StatusConflict, ErrorBody{Error: "email_already_registered", Message: "error_email_taken"}

	case errors.Is(err, otp.ErrRateLimited), errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, ErrorBody{
			Error:      "rate_limited",
			Message:    "error_rate_limited",
			RetryAfter: seconds(retryAfter(err)),
		}

	case errors.Is(err, otp.ErrUnavailable),
		errors.Is(err, otp.ErrDeliveryFailed),
		errors.Is(err, ratelimit.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{Error: "unavailable", Message: "error_unavailable", Retryable: true}

	case errors.As(err, &httpErr):
		return fromHTTPError(httpErr)
	}

	return http.StatusInternalServerError, ErrorBody{Error: "internal", Message: "error_internal"}
}

func fromHTTPError(he *echo.HTTPError) (int, ErrorBody) {
	switch he.Code {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return he.Code, ErrorBody{Error: "not_found", Message: "error_not_found"}
	case http.StatusUnauthorized:
		return he.Code, ErrorBody{Error: "unauthenticated", Message: "error_unauthenticated"}
	case http.StatusForbidden:
		return he.Code, ErrorBody{Error: "forbidden", Message: "error_forbidden"}
	case http.StatusTooManyRequests:
		return he.Code, ErrorBody{Error: "rate_limited", Message: "error_rate_limited"}
	}
	if he.Code >= http.StatusBadRequest && he.Code < http.StatusInternalServerError {
		// Bind and body limit errors; their text is generated by echo.
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorBody{Error: "validation", Message: msg}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "internal", Message: "error_internal"}
}

func retryAfter(err error) time.Duration {
	if d, ok := otp.RetryAfter(err); ok {
		return d
	}
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
