// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/testutil"
)

func TestAuditEntries(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	actor := int64(7)

	require.NoError(t, repo.InsertAuditEntry(ctx, &models.AuditLogEntry{
		ID: "e1", Action: "auth.login", Outcome: models.OutcomeFailure, Reason: "invalid_credentials",
		ActorEmail: "a@school.test", CreatedAt: now.Add(-time.Minute),
	}))
	require.NoError(t, repo.InsertAuditEntry(ctx, &models.AuditLogEntry{
		ID: "e2", Action: "auth.login", Outcome: models.OutcomeSuccess, ActorID: &actor,
		ActorEmail: "a@school.test", RemoteAddr: "10.0.0.1", CreatedAt: now,
	}))

	entries, err := repo.ListAuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[0].ID)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, int64(7), *entries[0].ActorID)
	assert.Equal(t, "10.0.0.1", entries[0].RemoteAddr)
	assert.Nil(t, entries[1].ActorID)
	assert.Equal(t, "invalid_credentials", entries[1].Reason)

	entries, err = repo.ListAuditEntries(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
