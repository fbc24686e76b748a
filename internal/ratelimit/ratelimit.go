// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package ratelimit implements fixed window counters over a pluggable store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLimited     = errors.New("rate limited")
	ErrUnavailable = errors.New("rate limit store unavailable")
)

// Store increments the counter of key within a fixed window. The window
// starts with the first hit. It returns the new count and the time left
// until the window resets.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
	Close() error
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter allows at most limit hits per key and window.
type Limiter struct {
	store  Store
	prefix string
	limit  int
	window time.Duration
}

// NewLimiter creates a Limiter. Keys are namespaced with prefix so several
// limiters can share one store.
func NewLimiter(store Store, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Name returns the key prefix of the limiter.
func (l *Limiter) Name() string {
	return l.prefix
}

// Allow counts one hit for key. A zero or negative limit disables the limiter.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil || l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, resetIn, err := l.store.Incr(ctx, l.prefix+":"+key, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d := Decision{
		Allowed: count <= int64(l.limit),
		Count:   count,
		Limit:   l.limit,
	}
	if !d.Allowed {
		d.RetryAfter = resetIn
		if d.RetryAfter <= 0 {
			d.RetryAfter = l.window
		}
	}
	return d, nil
}

// LimitError reports a rejected hit and when the window resets.
type LimitError struct {
	Limiter    string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry in %s", e.Limiter, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Err returns a *LimitError for a rejected decision and nil otherwise.
func (d Decision) Err(limiter string) error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Limiter: limiter, RetryAfter: d.RetryAfter}
}
