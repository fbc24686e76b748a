// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// ReplaceChallenge invalidates any open challenge for the same email and
// purpose and stores c in the same transaction.
func (r *Repository) ReplaceChallenge(ctx context.Context, c *models.OTPChallenge) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE otp_challenges SET invalidated_at = ?
			 WHERE email = ? AND purpose = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
			c.IssuedAt, c.Email, c.Purpose)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO otp_challenges (ref, email, purpose, code_hash, payload, attempts, issued_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			c.Ref, c.Email, c.Purpose, c.CodeHash, c.Payload, c.IssuedAt, c.ExpiresAt)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		return err
	})
}

// OpenChallenge returns the challenge for email and purpose that is neither
// consumed nor invalidated. Expiry is left to the caller.
func (r *Repository) OpenChallenge(ctx context.Context, email string, purpose models.Purpose) (*models.OTPChallenge, error) {
	var c models.OTPChallenge
	err := r.db.GetContext(ctx, &c,
		`SELECT * FROM otp_challenges
		 WHERE email = ? AND purpose = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
		email, purpose)
	if err != nil {
		return nil, wrapError(err)
	}
	return &c, nil
}

// LatestChallenge returns the most recently issued challenge for email and
// purpose regardless of its state.
func (r *Repository) LatestChallenge(ctx context.Context, email string, purpose models.Purpose) (*models.OTPChallenge, error) {
	var c models.OTPChallenge
	err := r.db.GetContext(ctx, &c,
		`SELECT * FROM otp_challenges WHERE email = ? AND purpose = ? ORDER BY id DESC LIMIT 1`,
		email, purpose)
	if err != nil {
		return nil, wrapError(err)
	}
	return &c, nil
}

// ConsumeChallenge marks an open challenge consumed. It reports false when
// another caller consumed or invalidated it first.
func (r *Repository) ConsumeChallenge(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE otp_challenges SET consumed_at = ?
		 WHERE id = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
		at, id)
	if err != nil {
		return false, wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordFailedAttempt counts a wrong code against an open challenge and
// invalidates it once maxAttempts is reached. ErrStale means the challenge
// was closed concurrently.
func (r *Repository) RecordFailedAttempt(ctx context.Context, id int64, maxAttempts int, at time.Time) (attempts int, invalidated bool, err error) {
	var row struct {
		Attempts    int  `db:"attempts"`
		Invalidated bool `db:"invalidated"`
	}
	err = r.db.GetContext(ctx, &row,
		`UPDATE otp_challenges
		 SET attempts = attempts + 1,
		     invalidated_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE invalidated_at END
		 WHERE id = ? AND consumed_at IS NULL AND invalidated_at IS NULL
		 RETURNING attempts, invalidated_at IS NOT NULL AS invalidated`,
		maxAttempts, at, id)
	if err != nil {
		err = wrapError(err)
		if errors.Is(err, ErrNotFound) {
			return 0, false, ErrStale
		}
		return 0, false, err
	}
	return row.Attempts, row.Invalidated, nil
}

// InvalidateChallenge closes an open challenge without consuming it.
func (r *Repository) InvalidateChallenge(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_challenges SET invalidated_at = ?
		 WHERE id = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
		at, id)
	return wrapError(err)
}

// DeleteChallengesBefore removes challenges that expired before the cutoff.
func (r *Repository) DeleteChallengesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM otp_challenges WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, wrapError(err)
	}
	return res.RowsAffected()
}
