// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditLogEntry is one append-only record of a security relevant action.
type AuditLogEntry struct { //nolint:govet // fieldalignment: readability over optimization
	ID           string    `db:"id" json:"id"`
	ActorID      *int64    `db:"actor_id" json:"actorId,omitempty"`
	ActorEmail   string    `db:"actor_email" json:"actorEmail,omitempty"`
	Action       string    `db:"action" json:"action"`
	ResourceKind string    `db:"resource_kind" json:"resourceKind,omitempty"`
	ResourceID   string    `db:"resource_id" json:"resourceId,omitempty"`
	Outcome      Outcome   `db:"outcome" json:"outcome"`
	Reason       string    `db:"reason" json:"reason,omitempty"`
	RemoteAddr   string    `db:"remote_addr" json:"remoteAddr,omitempty"`
	UserAgent    string    `db:"user_agent" json:"userAgent,omitempty"`
	RequestID    string    `db:"request_id" json:"requestId,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}
