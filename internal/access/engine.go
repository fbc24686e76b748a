// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package access decides whether an identity may reach a path. Decisions
// are a pure function of the policy, the identity and the path.
package access

import (
	"fmt"
	"slices"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// Identity is the authenticated subject of a request.
type Identity struct {
	UserID    int64
	Email     string
	Role      models.Role
	ProfileID string
	// AssignedStudents holds the profile IDs of a teacher's students.
	AssignedStudents []string
}

// Predicate narrows a grant to specific resource instances. params holds
// the placeholders captured from the path.
type Predicate func(id *Identity, params map[string]string) bool

// Rule grants roles access to paths matching Pattern, optionally only when
// Predicate holds.
type Rule struct {
	Pattern   string
	Roles     []models.Role
	Predicate Predicate
}

// Policy is the static access table.
type Policy struct {
	// Public paths are reachable without a session.
	Public []string
	// RedirectWhenAuthenticated paths send signed-in users to their landing page.
	RedirectWhenAuthenticated []string
	Rules                     []Rule
	// Landing is the default page of each role.
	Landing   map[models.Role]string
	LoginPath string
}

// Reason explains a verdict.
type Reason string

const (
	ReasonPublic          Reason = "public"
	ReasonGranted         Reason = "granted"
	ReasonOwner           Reason = "owner"
	ReasonAuthenticated   Reason = "already_authenticated"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonNotOwner        Reason = "not_owner"
	ReasonNoRule          Reason = "no_rule"
	ReasonMalformed       Reason = "malformed_path"
)

// Verdict is the outcome of a decision. Denials carry the path to
// redirect to; ReturnTo is set when the caller should come back after
// signing in.
type Verdict struct {
	Allowed  bool
	Redirect string
	ReturnTo string
	Reason   Reason
}

type compiledRule struct {
	pattern   pattern
	roles     []models.Role
	predicate Predicate
}

// Engine evaluates a Policy. It is safe for concurrent use.
type Engine struct {
	public        []pattern
	redirectAuthn []pattern
	rules         []compiledRule
	landing       map[models.Role]string
	loginPath     string
}

// NewEngine compiles p. Every role must have a landing page it may reach
// unconditionally, and the login page must be public.
func NewEngine(p Policy) (*Engine, error) {
	e := &Engine{
		landing:   make(map[models.Role]string, len(p.Landing)),
		loginPath: p.LoginPath,
	}

	var err error
	if e.public, err = compileAll(p.Public); err != nil {
		return nil, err
	}
	if e.redirectAuthn, err = compileAll(p.RedirectWhenAuthenticated); err != nil {
		return nil, err
	}
	for _, r := range p.Rules {
		cp, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		if len(r.Roles) == 0 {
			return nil, fmt.Errorf("rule %q grants no role", r.Pattern)
		}
		for _, role := range r.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("rule %q: unknown role %q", r.Pattern, role)
			}
		}
		e.rules = append(e.rules, compiledRule{pattern: cp, roles: slices.Clone(r.Roles), predicate: r.Predicate})
	}
	for role, path := range p.Landing {
		e.landing[role] = path
	}

	if e.loginPath == "" {
		return nil, fmt.Errorf("login path is required")
	}
	if v := e.Decide(nil, e.loginPath); !v.Allowed {
		return nil, fmt.Errorf("login path %q is not public", e.loginPath)
	}
	for _, role := range models.Roles() {
		landing, ok := e.landing[role]
		if !ok {
			return nil, fmt.Errorf("role %q has no landing page", role)
		}
		if v := e.Decide(&Identity{Role: role}, landing); !v.Allowed || v.Reason == ReasonOwner {
			return nil, fmt.Errorf("landing page %q is not granted to role %q unconditionally", landing, role)
		}
	}
	return e, nil
}

func compileAll(raws []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raws))
	for _, raw := range raws {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Landing returns the default page of role.
func (e *Engine) Landing(role models.Role) string {
	if l, ok := e.landing[role]; ok {
		return l
	}
	return e.loginPath
}

// LoginPath returns where unauthenticated requests are sent.
func (e *Engine) LoginPath() string {
	return e.loginPath
}

// Decide returns the verdict for id requesting path. A nil id is an
// unauthenticated request. Anything not granted by the policy is denied.
func (e *Engine) Decide(id *Identity, path string) Verdict {
	if id != nil && !id.Role.Valid() {
		id = nil
	}

	clean, segs, ok := normalize(path)
	if !ok {
		return e.deny(id, ReasonMalformed)
	}

	if id != nil && matchAny(e.redirectAuthn, segs) {
		return Verdict{Redirect: e.Landing(id.Role), Reason: ReasonAuthenticated}
	}

	if matchAny(e.public, segs) {
		return Verdict{Allowed: true, Reason: ReasonPublic}
	}

	if id == nil {
		return Verdict{Redirect: e.loginPath, ReturnTo: clean, Reason: ReasonUnauthenticated}
	}

	denied := ReasonNoRule
	for _, r := range e.rules {
		if !slices.Contains(r.roles, id.Role) {
			continue
		}
		params, ok := r.pattern.match(segs)
		if !ok {
			continue
		}
		if r.predicate == nil {
			return Verdict{Allowed: true, Reason: ReasonGranted}
		}
		if r.predicate(id, params) {
			return Verdict{Allowed: true, Reason: ReasonOwner}
		}
		denied = ReasonNotOwner
	}

	return e.deny(id, denied)
}

func (e *Engine) deny(id *Identity, reason Reason) Verdict {
	if id == nil {
		return Verdict{Redirect: e.loginPath, Reason: reason}
	}
	return Verdict{Redirect: e.Landing(id.Role), Reason: reason}
}

func matchAny(patterns []pattern, segs []string) bool {
	for _, p := range patterns {
		if _, ok := p.match(segs); ok {
			return true
		}
	}
	return false
}
