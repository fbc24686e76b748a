// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// CreateUser inserts a user and fills in its ID and timestamps.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, name, role, password_hash, two_factor_enabled, profile_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Email, user.Name, user.Role, user.PasswordHash, user.TwoFactorEnabled, user.ProfileID, now, now)
	if err != nil {
		return wrapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUserByID retrieves a user by ID.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by normalized email address.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = ?`, email); err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// EmailExists reports whether an account uses the given email.
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM users WHERE email = ?`, email); err != nil {
		return false, wrapError(err)
	}
	return count > 0, nil
}

// ListUsers returns all users ordered by creation date (newest first).
func (r *Repository) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, wrapError(err)
	}
	return users, nil
}

// UpdateUserPassword swaps the password hash only if it still equals
// oldHash, so a credential can be replaced at most once per observed value.
func (r *Repository) UpdateUserPassword(ctx context.Context, id int64, oldHash, newHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ? AND password_hash = ?`,
		newHash, time.Now().UTC(), id, oldHash)
	if err != nil {
		return wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// SetTwoFactor enables or disables email based second factor for a user.
func (r *Repository) SetTwoFactor(ctx context.Context, id int64, enabled bool) error {
	return r.updateOne(ctx,
		`UPDATE users SET two_factor_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
}

// SetUserDisabled disables or re-enables an account.
func (r *Repository) SetUserDisabled(ctx context.Context, id int64, disabled bool) error {
	var disabledAt *time.Time
	if disabled {
		now := time.Now().UTC()
		disabledAt = &now
	}
	return r.updateOne(ctx,
		`UPDATE users SET disabled_at = ?, updated_at = ? WHERE id = ?`,
		disabledAt, time.Now().UTC(), id)
}

// AssignStudent links a student profile to a teacher.
func (r *Repository) AssignStudent(ctx context.Context, teacherID int64, studentProfileID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO teacher_students (teacher_id, student_profile_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (teacher_id, student_profile_id) DO NOTHING`,
		teacherID, studentProfileID, time.Now().UTC())
	return wrapError(err)
}

// AssignedStudents returns the profile IDs of the students assigned to a teacher.
func (r *Repository) AssignedStudents(ctx context.Context, teacherID int64) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids,
		`SELECT student_profile_id FROM teacher_students WHERE teacher_id = ? ORDER BY student_profile_id`,
		teacherID)
	if err != nil {
		return nil, wrapError(err)
	}
	return ids, nil
}

func (r *Repository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
