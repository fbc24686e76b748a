// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

const (
	ownProfile   = "5b0c1f5e-own"
	otherProfile = "9d2e7a11-other"
)

func newEngine(t *testing.T) *access.Engine {
	t.Helper()
	e, err := access.NewEngine(access.DefaultPolicy())
	require.NoError(t, err)
	return e
}

func student() *access.Identity {
	return &access.Identity{UserID: 3, Role: models.RoleStudent, ProfileID: ownProfile}
}

func teacher() *access.Identity {
	return &access.Identity{UserID: 2, Role: models.RoleTeacher, ProfileID: "t-profile", AssignedStudents: []string{ownProfile}}
}

func admin() *access.Identity {
	return &access.Identity{UserID: 1, Role: models.RoleAdmin, ProfileID: "a-profile"}
}

func TestDecide_StudentDeniedTeacherResource(t *testing.T) {
	e := newEngine(t)

	v := e.Decide(student(), "/reports")

	assert.False(t, v.Allowed)
	assert.Equal(t, "/profile", v.Redirect)
	assert.Equal(t, access.ReasonNoRule, v.Reason)
	assert.Empty(t, v.ReturnTo)
}

func TestDecide_UnauthenticatedRemembersPath(t *testing.T) {
	e := newEngine(t)

	v := e.Decide(nil, "/dashboard")

	assert.False(t, v.Allowed)
	assert.Equal(t, "/login", v.Redirect)
	assert.Equal(t, "/dashboard", v.ReturnTo)
	assert.Equal(t, access.ReasonUnauthenticated, v.Reason)
}

func TestDecide_UnauthenticatedStripsQuery(t *testing.T) {
	e := newEngine(t)

	v := e.Decide(nil, "/grades/abc?term=2")

	assert.Equal(t, "/grades/abc", v.ReturnTo)
}

func TestDecide_PublicPaths(t *testing.T) {
	e := newEngine(t)

	for _, path := range []string{"/", "/health", "/login", "/register", "/auth/login", "/auth/login/verify-otp", "/auth/password/reset"} {
		v := e.Decide(nil, path)
		assert.True(t, v.Allowed, path)
		assert.Equal(t, access.ReasonPublic, v.Reason, path)
	}
}

func TestDecide_RedirectWhenAuthenticated(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		id   *access.Identity
		path string
		want string
	}{
		{student(), "/login", "/profile"},
		{teacher(), "/register", "/dashboard"},
		{admin(), "/forgot-password/", "/dashboard"},
	}
	for _, tt := range tests {
		v := e.Decide(tt.id, tt.path)
		assert.False(t, v.Allowed, tt.path)
		assert.Equal(t, tt.want, v.Redirect, tt.path)
		assert.Equal(t, access.ReasonAuthenticated, v.Reason, tt.path)
	}

	// The same pages stay reachable without a session, so neither side can loop.
	assert.True(t, e.Decide(nil, "/login").Allowed)
}

func TestDecide_LandingPagesAreReachable(t *testing.T) {
	e := newEngine(t)

	for _, id := range []*access.Identity{student(), teacher(), admin()} {
		landing := e.Landing(id.Role)
		v := e.Decide(id, landing)
		assert.True(t, v.Allowed, "%s -> %s", id.Role, landing)
	}
}

func TestDecide_OwnershipContainment(t *testing.T) {
	e := newEngine(t)

	assert.True(t, e.Decide(student(), "/profile/"+ownProfile).Allowed)

	v := e.Decide(student(), "/profile/"+otherProfile)
	assert.False(t, v.Allowed)
	assert.Equal(t, "/profile", v.Redirect)
	assert.Equal(t, access.ReasonNotOwner, v.Reason)

	assert.True(t, e.Decide(student(), "/grades/"+ownProfile).Allowed)
	assert.False(t, e.Decide(student(), "/grades/"+otherProfile).Allowed)
}

func TestDecide_TeacherAssignedStudents(t *testing.T) {
	e := newEngine(t)

	v := e.Decide(teacher(), "/students/"+ownProfile)
	assert.True(t, v.Allowed)
	assert.Equal(t, access.ReasonOwner, v.Reason)

	v = e.Decide(teacher(), "/students/"+otherProfile)
	assert.False(t, v.Allowed)
	assert.Equal(t, "/dashboard", v.Redirect)

	assert.True(t, e.Decide(teacher(), "/profile/t-profile").Allowed)
	assert.True(t, e.Decide(teacher(), "/attendance/"+ownProfile).Allowed)
	assert.False(t, e.Decide(teacher(), "/attendance/"+otherProfile).Allowed)
}

func TestDecide_AdminReachesEveryInstance(t *testing.T) {
	e := newEngine(t)

	for _, path := range []string{"/profile/" + otherProfile, "/students/" + otherProfile, "/admin/audit", "/reports/term/2"} {
		assert.True(t, e.Decide(admin(), path).Allowed, path)
	}
}

func TestDecide_UnknownPathsAreDenied(t *testing.T) {
	e := newEngine(t)

	for _, id := range []*access.Identity{student(), teacher(), admin()} {
		v := e.Decide(id, "/secret-backdoor")
		assert.False(t, v.Allowed)
		assert.Equal(t, access.ReasonNoRule, v.Reason)
		assert.Equal(t, e.Landing(id.Role), v.Redirect)
	}
}

func TestDecide_MalformedPaths(t *testing.T) {
	e := newEngine(t)

	for _, path := range []string{"", "profile", "/profile/../admin/audit", "//admin", "/./dashboard"} {
		v := e.Decide(student(), path)
		assert.False(t, v.Allowed, path)
		assert.Equal(t, access.ReasonMalformed, v.Reason, path)
	}
}

func TestDecide_InvalidRoleIsUnauthenticated(t *testing.T) {
	e := newEngine(t)

	v := e.Decide(&access.Identity{UserID: 1, Role: models.Role("root")}, "/dashboard")

	assert.False(t, v.Allowed)
	assert.Equal(t, "/login", v.Redirect)
}

// Every path granted to some roles but not others is denied to the others.
func TestDecide_RoleContainment(t *testing.T) {
	e := newEngine(t)

	concrete := map[string][]models.Role{
		"/dashboard":    {models.RoleAdmin, models.RoleTeacher},
		"/reports":      {models.RoleAdmin, models.RoleTeacher},
		"/reports/2024": {models.RoleAdmin, models.RoleTeacher},
		"/students":     {models.RoleAdmin, models.RoleTeacher},
		"/grades":       {models.RoleAdmin, models.RoleTeacher},
		"/attendance":   {models.RoleAdmin, models.RoleTeacher},
		"/admin/audit":  {models.RoleAdmin},
		"/admin/users":  {models.RoleAdmin},
	}

	for path, granted := range concrete {
		for _, role := range models.Roles() {
			id := &access.Identity{UserID: 1, Role: role}
			v := e.Decide(id, path)
			want := false
			for _, g := range granted {
				if g == role {
					want = true
				}
			}
			assert.Equal(t, want, v.Allowed, "%s %s", role, path)
		}
	}
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*access.Policy)
	}{
		{"no login path", func(p *access.Policy) { p.LoginPath = "" }},
		{"login not public", func(p *access.Policy) { p.LoginPath = "/dashboard" }},
		{"missing landing", func(p *access.Policy) { delete(p.Landing, models.RoleStudent) }},
		{"landing not granted", func(p *access.Policy) { p.Landing[models.RoleStudent] = "/dashboard" }},
		{"landing behind predicate", func(p *access.Policy) { p.Landing[models.RoleStudent] = "/profile/{id}" }},
		{"bad pattern", func(p *access.Policy) { p.Public = append(p.Public, "health") }},
		{"wildcard not last", func(p *access.Policy) { p.Rules = append(p.Rules, access.Rule{Pattern: "/a/*/b", Roles: []models.Role{models.RoleAdmin}}) }},
		{"broken placeholder", func(p *access.Policy) { p.Rules = append(p.Rules, access.Rule{Pattern: "/a/{id", Roles: []models.Role{models.RoleAdmin}}) }},
		{"rule without roles", func(p *access.Policy) { p.Rules = append(p.Rules, access.Rule{Pattern: "/a"}) }},
		{"unknown role", func(p *access.Policy) {
			p.Rules = append(p.Rules, access.Rule{Pattern: "/a", Roles: []models.Role{"root"}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := access.DefaultPolicy()
			tt.mutate(&p)
			_, err := access.NewEngine(p)
			assert.Error(t, err)
		})
	}
}

func TestAnyOf(t *testing.T) {
	never := func(*access.Identity, map[string]string) bool { return false }
	always := func(*access.Identity, map[string]string) bool { return true }

	assert.False(t, access.AnyOf()(student(), nil))
	assert.False(t, access.AnyOf(never)(student(), nil))
	assert.True(t, access.AnyOf(never, always)(student(), nil))
}

func TestOwnProfile_EmptyProfileNeverMatches(t *testing.T) {
	pred := access.OwnProfile("id")

	assert.False(t, pred(&access.Identity{Role: models.RoleStudent}, map[string]string{"id": ""}))
	assert.False(t, pred(&access.Identity{Role: models.RoleStudent}, nil))
}
