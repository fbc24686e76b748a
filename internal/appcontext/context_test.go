// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package appcontext_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/appcontext"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

func TestUser(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, appcontext.GetUser(ctx))

	user := &models.User{ID: 1, Email: "ada@school.test"}
	ctx = appcontext.WithUser(ctx, user)

	assert.Same(t, user, appcontext.GetUser(ctx))
}

func TestIdentity(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, appcontext.GetIdentity(ctx))
	assert.False(t, appcontext.IsAuthenticated(ctx))

	id := &access.Identity{UserID: 1, Role: models.RoleStudent}
	ctx = appcontext.WithIdentity(ctx, id)

	assert.Same(t, id, appcontext.GetIdentity(ctx))
	assert.True(t, appcontext.IsAuthenticated(ctx))
}
