// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// Purpose binds a one-time code to the flow that requested it.
type Purpose string

const (
	PurposeRegister      Purpose = "register"
	PurposePasswordReset Purpose = "password-reset"
	PurposeLogin2FA      Purpose = "login-2fa"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegister, PurposePasswordReset, PurposeLogin2FA:
		return true
	}
	return false
}

// ChallengeState is the lifecycle position of an OTPChallenge.
type ChallengeState string

const (
	ChallengeCreated     ChallengeState = "created"
	ChallengeConsumed    ChallengeState = "consumed"
	ChallengeExpired     ChallengeState = "expired"
	ChallengeInvalidated ChallengeState = "invalidated"
)

// OTPChallenge stores the hash of a code issued for an email and purpose.
type OTPChallenge struct { //nolint:govet // fieldalignment: readability over optimization
	ID            int64      `db:"id" json:"id"`
	Ref           string     `db:"ref" json:"ref"`
	Email         string     `db:"email" json:"email"`
	Purpose       Purpose    `db:"purpose" json:"purpose"`
	CodeHash      string     `db:"code_hash" json:"-"` // HMAC-SHA256, hex
	Payload       string     `db:"payload" json:"-"`
	Attempts      int        `db:"attempts" json:"attempts"`
	IssuedAt      time.Time  `db:"issued_at" json:"issuedAt"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expiresAt"`
	ConsumedAt    *time.Time `db:"consumed_at" json:"consumedAt,omitempty"`
	InvalidatedAt *time.Time `db:"invalidated_at" json:"invalidatedAt,omitempty"`
}

// State derives the lifecycle state at the given instant. Consumed and
// invalidated are terminal; expiry only applies to open challenges.
func (c *OTPChallenge) State(now time.Time) ChallengeState {
	switch {
	case c.ConsumedAt != nil:
		return ChallengeConsumed
	case c.InvalidatedAt != nil:
		return ChallengeInvalidated
	case !now.Before(c.ExpiresAt):
		return ChallengeExpired
	default:
		return ChallengeCreated
	}
}
