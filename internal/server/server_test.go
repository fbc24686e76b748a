// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/handlers"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:        "localhost",
			Port:        8080,
			BaseURL:     "http://localhost:8080",
			MaxBodySize: 1,
			Environment: "development",
		},
		Log:      config.LogConfig{Level: "error", Format: "text"},
		Database: config.DatabaseConfig{DSN: ":memory:", StoreTimeout: 2 * time.Second},
		Session: config.SessionConfig{
			CookieName: "jwt",
			TTL:        time.Hour,
			Secret:     testSecret,
			Issuer:     "schoolportal-test",
		},
		OTP: config.OTPConfig{
			CodeLength:    6,
			TTL:           10 * time.Minute,
			MaxAttempts:   3,
			IssueLimit:    5,
			IssueWindow:   15 * time.Minute,
			TempRefTTL:    10 * time.Minute,
			ResetTokenTTL: 10 * time.Minute,
		},
		RateLimit:    config.RateLimitConfig{Backend: "memory", IPLimit: 100, IPWindow: time.Minute},
		Registration: config.RegistrationConfig{Roles: []string{"teacher", "student"}},
		Audit:        config.AuditConfig{BufferSize: 64},
	}
}

type testApp struct {
	*App
	e      *echo.Echo
	outbox *testutil.Outbox
}

func newTestApp(t *testing.T, mutate ...func(*config.Config)) *testApp {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	outbox := &testutil.Outbox{}
	app, err := NewApp(context.Background(), cfg, WithNotifier(outbox))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.Close()
	})
	return &testApp{App: app, e: NewEcho(app), outbox: outbox}
}

// postJSON sends an API request.
func (a *testApp) postJSON(t *testing.T, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(http.MethodPost, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return a.serve(req, cookies)
}

// get sends a plain browser navigation.
func (a *testApp) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return a.serve(httptest.NewRequest(http.MethodGet, path, nil), cookies)
}

func (a *testApp) serve(req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) login(t *testing.T, user *models.User) *http.Cookie {
	t.Helper()
	cookie, err := a.Sessions.Create(user.ID, user.Role)
	require.NoError(t, err)
	return cookie
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "jwt" {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handlers.ErrorBody {
	t.Helper()
	var body handlers.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRegistrationScenario(t *testing.T) {
	a := newTestApp(t)
	const email = "new@school.edu"

	rec := a.postJSON(t, "/auth/register/request-otp", map[string]string{
		"name":     "New Student",
		"email":    email,
		"password": "Lantern-Orbit-42",
		"role":     "student",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	code := a.outbox.Last(email, models.PurposeRegister)
	require.Len(t, code, 6)

	exists, err := a.Repo.EmailExists(context.Background(), email)
	require.NoError(t, err)
	assert.False(t, exists, "no account before the code is verified")

	verify := map[string]string{"email": email, "code": code}
	rec = a.postJSON(t, "/auth/register/verify-otp", verify)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.False(t, cookie.Secure)
	assert.Equal(t, 3600, cookie.MaxAge)

	var body handlers.UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, email, body.User.Email)
	assert.Equal(t, models.RoleStudent, body.User.Role)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = a.postJSON(t, "/auth/register/verify-otp", verify)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "already_consumed", decodeError(t, rec).Error)

	rec = a.get("/auth/me", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), email)
}

func TestAttemptCeilingScenario(t *testing.T) {
	a := newTestApp(t)
	user := testutil.NewTestUser(t, a.Repo, "known@school.edu", models.RoleStudent)

	rec := a.postJSON(t, "/auth/password/request-otp", map[string]string{"email": user.Email})
	require.Equal(t, http.StatusAccepted, rec.Code)
	a.Auth.Wait()
	code := a.outbox.Last(user.Email, models.PurposePasswordReset)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for range 3 {
		rec = a.postJSON(t, "/auth/password/verify-otp", map[string]string{"email": user.Email, "code": wrong})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_code", decodeError(t, rec).Error)
	}

	rec = a.postJSON(t, "/auth/password/verify-otp", map[string]string{"email": user.Email, "code": code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "too_many_attempts", decodeError(t, rec).Error)
}

func TestPasswordResetScenario(t *testing.T) {
	a := newTestApp(t)
	user := testutil.NewTestUser(t, a.Repo, "known@school.edu", models.RoleTeacher)

	rec := a.postJSON(t, "/auth/password/request-otp", map[string]string{"email": user.Email})
	require.Equal(t, http.StatusAccepted, rec.Code)
	a.Auth.Wait()
	code := a.outbox.Last(user.Email, models.PurposePasswordReset)
	require.NotEmpty(t, code)

	rec = a.postJSON(t, "/auth/password/verify-otp", map[string]string{"email": user.Email, "code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified handlers.ResetVerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	assert.True(t, verified.ResetAuthorized)
	require.NotEmpty(t, verified.ResetToken)

	rec = a.postJSON(t, "/auth/password/reset", map[string]string{
		"email":       user.Email,
		"resetToken":  verified.ResetToken,
		"newPassword": "newpass123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.postJSON(t, "/auth/login", map[string]string{"email": user.Email, "password": testutil.TestPassword})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", decodeError(t, rec).Error)
	assert.Nil(t, sessionCookie(rec))

	rec = a.postJSON(t, "/auth/login", map[string]string{"email": user.Email, "password": "newpass123"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, sessionCookie(rec))

	// The reset token is single use.
	rec = a.postJSON(t, "/auth/password/reset", map[string]string{
		"email":       user.Email,
		"resetToken":  verified.ResetToken,
		"newPassword": "another-pass-77",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordResetRequest_UnknownEmailLooksTheSame(t *testing.T) {
	a := newTestApp(t)
	testutil.NewTestUser(t, a.Repo, "known@school.edu", models.RoleStudent)

	known := a.postJSON(t, "/auth/password/request-otp", map[string]string{"email": "known@school.edu"})
	unknown := a.postJSON(t, "/auth/password/request-otp", map[string]string{"email": "nobody@school.edu"})
	a.Auth.Wait()

	assert.Equal(t, known.Code, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	assert.Equal(t, 1, a.outbox.Count())
}

func TestStudentDeniedStaffResourceScenario(t *testing.T) {
	a := newTestApp(t)
	student := testutil.NewTestUser(t, a.Repo, "pupil@school.edu", models.RoleStudent)

	rec := a.get("/reports", a.login(t, student))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/profile", rec.Header().Get(echo.HeaderLocation))
}

func TestUnauthenticatedRedirectScenario(t *testing.T) {
	a := newTestApp(t)

	rec := a.get("/dashboard")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fdashboard", rec.Header().Get(echo.HeaderLocation))
}

func TestUnauthenticatedRedirect_KeepsQuery(t *testing.T) {
	a := newTestApp(t)

	rec := a.get("/grades?term=2")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fgrades%3Fterm%3D2", rec.Header().Get(echo.HeaderLocation))
}

func TestTwoFactorLoginScenario(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	user := testutil.NewTestUser(t, a.Repo, "careful@school.edu", models.RoleTeacher)
	require.NoError(t, a.Repo.SetTwoFactor(ctx, user.ID, true))

	rec := a.postJSON(t, "/auth/login", map[string]string{"email": user.Email, "password": testutil.TestPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, sessionCookie(rec))

	var pending handlers.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.True(t, pending.RequiresTwoFactor)
	require.NotEmpty(t, pending.TempRef)
	assert.Nil(t, pending.User)

	// The reference is not a session.
	rec = a.get("/auth/me", &http.Cookie{Name: "jwt", Value: pending.TempRef})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	code := a.outbox.Last(user.Email, models.PurposeLogin2FA)
	rec = a.postJSON(t, "/auth/login/verify-otp", map[string]string{"tempRef": pending.TempRef, "code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	rec = a.get("/dashboard", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMe_Unauthenticated(t *testing.T) {
	a := newTestApp(t)

	rec := a.get("/auth/me")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "unauthenticated", body.Error)
	assert.Equal(t, "/login?next=%2Fauth%2Fme", body.Redirect)
}

func TestMe_DisabledAccountSessionIgnored(t *testing.T) {
	a := newTestApp(t)
	user := testutil.NewTestUser(t, a.Repo, "gone@school.edu", models.RoleStudent)
	cookie := a.login(t, user)
	require.NoError(t, a.Repo.SetUserDisabled(context.Background(), user.ID, true))

	rec := a.get("/auth/me", cookie)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	a := newTestApp(t)
	user := testutil.NewTestUser(t, a.Repo, "leaving@school.edu", models.RoleStudent)

	rec := a.postJSON(t, "/auth/logout", nil, a.login(t, user))

	require.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookie(rec)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestLoginPage_RedirectsWhenAuthenticated(t *testing.T) {
	a := newTestApp(t)
	teacher := testutil.NewTestUser(t, a.Repo, "teach@school.edu", models.RoleTeacher)

	rec := a.get("/login", a.login(t, teacher))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get(echo.HeaderLocation))

	rec = a.get("/login")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTeacherAssignedStudent(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	teacher := testutil.NewTestUser(t, a.Repo, "teach@school.edu", models.RoleTeacher)
	mine := testutil.NewTestUser(t, a.Repo, "mine@school.edu", models.RoleStudent)
	other := testutil.NewTestUser(t, a.Repo, "other@school.edu", models.RoleStudent)
	require.NoError(t, a.Repo.AssignStudent(ctx, teacher.ID, mine.ProfileID))
	cookie := a.login(t, teacher)

	rec := a.get("/students/"+mine.ProfileID, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.PortalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "teacher", body.Role)
	assert.Equal(t, teacher.ID, body.UserID)

	rec = a.get("/students/"+other.ProfileID, cookie)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get(echo.HeaderLocation))
}

func TestStudentOwnProfileOnly(t *testing.T) {
	a := newTestApp(t)
	student := testutil.NewTestUser(t, a.Repo, "pupil@school.edu", models.RoleStudent)
	other := testutil.NewTestUser(t, a.Repo, "other@school.edu", models.RoleStudent)
	cookie := a.login(t, student)

	assert.Equal(t, http.StatusOK, a.get("/profile/"+student.ProfileID, cookie).Code)
	assert.Equal(t, http.StatusSeeOther, a.get("/profile/"+other.ProfileID, cookie).Code)
}

func TestAccessDenied_IsAudited(t *testing.T) {
	a := newTestApp(t)
	student := testutil.NewTestUser(t, a.Repo, "pupil@school.edu", models.RoleStudent)

	rec := a.get("/admin/audit", a.login(t, student))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "forbidden", body.Error)
	assert.Equal(t, "/profile", body.Redirect)

	require.Eventually(t, func() bool {
		entries, err := a.Repo.ListAuditEntries(context.Background(), 10)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Action == "access.deny" && e.ResourceID == "/admin/audit" && e.ActorID != nil && *e.ActorID == student.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdminAuditLog(t *testing.T) {
	a := newTestApp(t)
	admin := testutil.NewTestUser(t, a.Repo, "head@school.edu", models.RoleAdmin)

	rec := a.postJSON(t, "/auth/login", map[string]string{"email": admin.Email, "password": testutil.TestPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(rec)

	require.Eventually(t, func() bool {
		rec := a.get("/admin/audit?limit=5", cookie)
		return rec.Code == http.StatusOK && bytes.Contains(rec.Body.Bytes(), []byte(`"action":"login"`))
	}, 2*time.Second, 10*time.Millisecond)

	rec = a.get("/admin/audit?limit=nope", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownPathIsDenied(t *testing.T) {
	a := newTestApp(t)
	student := testutil.NewTestUser(t, a.Repo, "pupil@school.edu", models.RoleStudent)

	rec := a.get("/secret-area", a.login(t, student))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/profile", rec.Header().Get(echo.HeaderLocation))
}

func TestLogin_ValidationError(t *testing.T) {
	a := newTestApp(t)

	rec := a.postJSON(t, "/auth/login", map[string]string{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation", body.Error)
	assert.Contains(t, body.Fields, "email")
	assert.Contains(t, body.Fields, "password")
}

func TestThrottle_PerAddress(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.RateLimit.IPLimit = 2
	})
	creds := map[string]string{"email": "x@school.edu", "password": "whatever-pass"}

	for range 2 {
		rec := a.postJSON(t, "/auth/login", creds)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := a.postJSON(t, "/auth/login", creds)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)

	// Reads are not throttled.
	assert.Equal(t, http.StatusOK, a.get("/health").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	rec := a.get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = a.get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), "access_decisions_total")
}

func TestTrailingSlashRedirect(t *testing.T) {
	a := newTestApp(t)

	rec := a.get("/dashboard/")

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get(echo.HeaderLocation))
}

func TestNewApp_RequiresSecretOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Environment = "production"
	cfg.Session.Secret = ""

	_, err := NewApp(context.Background(), cfg, WithNotifier(&testutil.Outbox{}))

	assert.ErrorContains(t, err, "session secret")
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OTP.CodeLength = 2

	_, err := NewApp(context.Background(), cfg)

	assert.ErrorContains(t, err, "code length")
}

func TestRunSweeper(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		a.runSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
