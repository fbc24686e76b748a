// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models_test

import (
	"testing"
	"time"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    models.Role
		wantErr bool
	}{
		{"admin", models.RoleAdmin, false},
		{"Teacher", models.RoleTeacher, false},
		{" student ", models.RoleStudent, false},
		{"janitor", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := models.ParseRole(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUser_IsActive(t *testing.T) {
	user := &models.User{}
	assert.True(t, user.IsActive())

	now := time.Now()
	user.DisabledAt = &now
	assert.False(t, user.IsActive())
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ada@school.test", models.NormalizeEmail("  Ada@School.TEST "))
}

func TestPurpose_Valid(t *testing.T) {
	assert.True(t, models.PurposeRegister.Valid())
	assert.True(t, models.PurposePasswordReset.Valid())
	assert.True(t, models.PurposeLogin2FA.Valid())
	assert.False(t, models.Purpose("invite").Valid())
}

func TestOTPChallenge_State(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name      string
		challenge models.OTPChallenge
		want      models.ChallengeState
	}{
		{"open", models.OTPChallenge{ExpiresAt: now.Add(time.Minute)}, models.ChallengeCreated},
		{"expired", models.OTPChallenge{ExpiresAt: earlier}, models.ChallengeExpired},
		{"expires exactly now", models.OTPChallenge{ExpiresAt: now}, models.ChallengeExpired},
		{"consumed beats expiry", models.OTPChallenge{ExpiresAt: earlier, ConsumedAt: &earlier}, models.ChallengeConsumed},
		{"invalidated", models.OTPChallenge{ExpiresAt: now.Add(time.Minute), InvalidatedAt: &earlier}, models.ChallengeInvalidated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.challenge.State(now))
		})
	}
}
