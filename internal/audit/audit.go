// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package audit records security relevant actions without blocking the
// operation being audited.
package audit

import (
	"context"

	"codeberg.org/oliverandrich/schoolportal/internal/ctxkeys"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// Action names an audited operation.
type Action string

const (
	ActionRegisterRequest    Action = "register.request"
	ActionRegisterResend     Action = "register.resend"
	ActionRegisterComplete   Action = "register.complete"
	ActionLogin              Action = "login"
	ActionLoginTwoFactor     Action = "login.two_factor"
	ActionLogout             Action = "logout"
	ActionPasswordResetReq   Action = "password_reset.request"
	ActionPasswordResetCheck Action = "password_reset.verify"
	ActionPasswordReset      Action = "password_reset.complete"
	ActionTwoFactorToggle    Action = "account.two_factor"
	ActionUserProvisioned    Action = "account.provision"
	ActionAccessDenied       Action = "access.deny"
)

// Event describes one audited action. Zero values are allowed for
// everything except Action and Outcome.
type Event struct {
	ActorID      int64
	ActorEmail   string
	Action       Action
	ResourceKind string
	ResourceID   string
	Outcome      models.Outcome
	Reason       string
}

// Meta is request metadata attached to every entry recorded for a request.
type Meta struct {
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

// WithMeta stores request metadata in ctx.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, ctxkeys.RequestMeta{}, m)
}

// MetaFrom returns the request metadata stored in ctx.
func MetaFrom(ctx context.Context) Meta {
	if m, ok := ctx.Value(ctxkeys.RequestMeta{}).(Meta); ok {
		return m
	}
	return Meta{}
}

// Success builds a successful event.
func Success(action Action, actorID int64, actorEmail string) Event {
	return Event{Action: action, ActorID: actorID, ActorEmail: actorEmail, Outcome: models.OutcomeSuccess}
}

// Failure builds a failed event with a short machine readable reason.
func Failure(action Action, actorID int64, actorEmail, reason string) Event {
	return Event{Action: action, ActorID: actorID, ActorEmail: actorEmail, Outcome: models.OutcomeFailure, Reason: reason}
}

// Recorder is implemented by anything that accepts audit events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) {}
