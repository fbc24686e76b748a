// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package ctxkeys defines typed context keys used across packages.
package ctxkeys

// User is the context key for the authenticated user.
type User struct{}

// Identity is the context key for the access identity of the request.
type Identity struct{}

// RequestMeta is the context key for request metadata recorded in audit entries.
type RequestMeta struct{}
