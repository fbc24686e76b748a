// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// InsertAuditEntry appends one entry to the audit log.
func (r *Repository) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, actor_email, action, resource_kind, resource_id, outcome, reason,
		                        remote_addr, user_agent, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.ActorEmail, e.Action, e.ResourceKind, e.ResourceID, e.Outcome, e.Reason,
		e.RemoteAddr, e.UserAgent, e.RequestID, e.CreatedAt)
	return wrapError(err)
}

// ListAuditEntries returns the newest entries first.
func (r *Repository) ListAuditEntries(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []models.AuditLogEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapError(err)
	}
	return entries, nil
}
