// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package access

import (
	"slices"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// OwnProfile holds when the placeholder param is the identity's own profile.
func OwnProfile(param string) Predicate {
	return func(id *Identity, params map[string]string) bool {
		return id.ProfileID != "" && params[param] == id.ProfileID
	}
}

// AssignedStudent holds when the placeholder param is one of the
// identity's assigned students.
func AssignedStudent(param string) Predicate {
	return func(id *Identity, params map[string]string) bool {
		v := params[param]
		return v != "" && slices.Contains(id.AssignedStudents, v)
	}
}

// AnyOf holds when at least one of preds holds.
func AnyOf(preds ...Predicate) Predicate {
	return func(id *Identity, params map[string]string) bool {
		for _, p := range preds {
			if p(id, params) {
				return true
			}
		}
		return false
	}
}

var (
	everyone = []models.Role{models.RoleAdmin, models.RoleTeacher, models.RoleStudent}
	staff    = []models.Role{models.RoleAdmin, models.RoleTeacher}
	admins   = []models.Role{models.RoleAdmin}
	teachers = []models.Role{models.RoleTeacher}
	students = []models.Role{models.RoleStudent}
)

// DefaultPolicy is the access table of the portal.
func DefaultPolicy() Policy {
	return Policy{
		Public: []string{
			"/",
			"/health",
			"/metrics",
			"/login",
			"/register",
			"/forgot-password",
			"/auth/register/*",
			"/auth/login",
			"/auth/login/*",
			"/auth/password/*",
		},
		RedirectWhenAuthenticated: []string{
			"/login",
			"/register",
			"/forgot-password",
		},
		Rules: []Rule{
			{Pattern: "/auth/me", Roles: everyone},
			{Pattern: "/auth/logout", Roles: everyone},
			{Pattern: "/auth/2fa", Roles: everyone},

			{Pattern: "/profile", Roles: everyone},
			{Pattern: "/profile/{id}", Roles: admins},
			{Pattern: "/profile/{id}", Roles: teachers, Predicate: AnyOf(OwnProfile("id"), AssignedStudent("id"))},
			{Pattern: "/profile/{id}", Roles: students, Predicate: OwnProfile("id")},

			{Pattern: "/dashboard", Roles: staff},
			{Pattern: "/reports/*", Roles: staff},
			{Pattern: "/students", Roles: staff},
			{Pattern: "/students/{id}", Roles: admins},
			{Pattern: "/students/{id}", Roles: teachers, Predicate: AssignedStudent("id")},

			{Pattern: "/grades", Roles: staff},
			{Pattern: "/grades/{id}", Roles: admins},
			{Pattern: "/grades/{id}", Roles: teachers, Predicate: AssignedStudent("id")},
			{Pattern: "/grades/{id}", Roles: students, Predicate: OwnProfile("id")},

			{Pattern: "/attendance", Roles: staff},
			{Pattern: "/attendance/{id}", Roles: admins},
			{Pattern: "/attendance/{id}", Roles: teachers, Predicate: AssignedStudent("id")},
			{Pattern: "/attendance/{id}", Roles: students, Predicate: OwnProfile("id")},

			{Pattern: "/admin/*", Roles: admins},
		},
		Landing: map[models.Role]string{
			models.RoleAdmin:   "/dashboard",
			models.RoleTeacher: "/dashboard",
			models.RoleStudent: "/profile",
		},
		LoginPath: "/login",
	}
}
