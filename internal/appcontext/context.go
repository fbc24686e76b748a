// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package appcontext stores the request identity in context.Context.
package appcontext

import (
	"context"

	"codeberg.org/oliverandrich/schoolportal/internal/access"
	"codeberg.org/oliverandrich/schoolportal/internal/ctxkeys"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// WithUser stores the authenticated user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, ctxkeys.User{}, user)
}

// GetUser returns the authenticated user, or nil if not authenticated.
func GetUser(ctx context.Context) *models.User {
	if user, ok := ctx.Value(ctxkeys.User{}).(*models.User); ok {
		return user
	}
	return nil
}

// WithIdentity stores the access identity of the request.
func WithIdentity(ctx context.Context, id *access.Identity) context.Context {
	return context.WithValue(ctx, ctxkeys.Identity{}, id)
}

// GetIdentity returns the access identity, or nil if not authenticated.
func GetIdentity(ctx context.Context) *access.Identity {
	if id, ok := ctx.Value(ctxkeys.Identity{}).(*access.Identity); ok {
		return id
	}
	return nil
}

// IsAuthenticated returns true if the context carries an identity.
func IsAuthenticated(ctx context.Context) bool {
	return GetIdentity(ctx) != nil
}
