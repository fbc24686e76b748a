// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"codeberg.org/oliverandrich/schoolportal/internal/audit"
	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/database"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
	"codeberg.org/oliverandrich/schoolportal/internal/repository"
	"codeberg.org/oliverandrich/schoolportal/internal/services/auth"
	"codeberg.org/oliverandrich/schoolportal/internal/services/otp"
	"codeberg.org/oliverandrich/schoolportal/internal/services/session"
)

// Commands returns the operator subcommands of the portal binary.
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Start the web application",
			Action: Run,
		},
		{
			Name:  "migrate",
			Usage: "Manage the database schema",
			Commands: []*cli.Command{
				{Name: "up", Usage: "Apply all pending migrations", Action: migrateAction(database.RunMigrations)},
				{Name: "down", Usage: "Roll back the last migration", Action: migrateAction(database.MigrateDown)},
				{Name: "status", Usage: "Show the applied state of every migration", Action: migrateAction(database.MigrateStatus)},
			},
		},
		{
			Name:  "sweep",
			Usage: "Delete expired one-time codes",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "grace", Value: sweepGrace, Usage: "Keep challenges that expired less than this long ago"},
			},
			Action: sweepAction,
		},
		{
			Name:  "adduser",
			Usage: "Create an account without email verification",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Required: true, Usage: "Display name"},
				&cli.StringFlag{Name: "email", Required: true, Usage: "Login email"},
				&cli.StringFlag{Name: "password", Required: true, Usage: "Initial password", Sources: cli.EnvVars("ADDUSER_PASSWORD")},
				&cli.StringFlag{Name: "role", Value: "student", Usage: "Role (admin, teacher, student)"},
				&cli.BoolFlag{Name: "two-factor", Usage: "Require an email code at login"},
			},
			Action: addUserAction,
		},
		{
			Name:  "assign",
			Usage: "Assign a student to a teacher",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "teacher", Required: true, Usage: "Teacher email"},
				&cli.StringFlag{Name: "student", Required: true, Usage: "Student email"},
			},
			Action: assignAction,
		},
		{
			Name:  "disable",
			Usage: "Disable or re-enable an account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "email", Required: true, Usage: "Account email"},
				&cli.BoolFlag{Name: "enable", Usage: "Re-enable instead of disabling"},
			},
			Action: disableAction,
		},
	}
}

// withRepo opens the database for a one-shot command.
func withRepo(cmd *cli.Command, fn func(cfg *config.Config, repo *repository.Repository) error) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg)

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()
	return fn(cfg, repository.New(db))
}

func migrateAction(step func(db *sql.DB) error) cli.ActionFunc {
	return func(_ context.Context, cmd *cli.Command) error {
		cfg := config.NewFromCLI(cmd)
		setupLogger(cfg)

		db, err := database.Connect(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer func() {
			_ = db.Close()
		}()
		return step(db.DB)
	}
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	return withRepo(cmd, func(cfg *config.Config, repo *repository.Repository) error {
		codes := otp.NewManager(repo, nil, nil, otp.Config{StoreTimeout: cfg.Database.StoreTimeout})
		n, err := codes.Sweep(ctx, cmd.Duration("grace"))
		if err != nil {
			return err
		}
		slog.Info("otp_swept", "count", n)
		return nil
	})
}

func addUserAction(ctx context.Context, cmd *cli.Command) error {
	role, err := models.ParseRole(cmd.String("role"))
	if err != nil {
		return err
	}

	return withRepo(cmd, func(cfg *config.Config, repo *repository.Repository) error {
		sessions, err := session.NewManager(&cfg.Session, cfg.SecureCookies())
		if err != nil {
			return err
		}
		dispatcher := audit.NewDispatcher(repo, 8)
		defer dispatcher.Close()

		svc := auth.NewService(repo, nil, sessions, dispatcher, auth.Config{StoreTimeout: cfg.Database.StoreTimeout})
		user, err := svc.ProvisionUser(ctx, auth.ProvisionParams{
			Name:      cmd.String("name"),
			Email:     cmd.String("email"),
			Password:  cmd.String("password"),
			Role:      role,
			TwoFactor: cmd.Bool("two-factor"),
		})
		var pwErr *auth.PasswordValidationError
		if errors.As(err, &pwErr) {
			return fmt.Errorf("password rejected: %v", pwErr.Messages())
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.Root().Writer, "created %s %s (profile %s)\n", user.Role, user.Email, user.ProfileID)
		return nil
	})
}

func assignAction(ctx context.Context, cmd *cli.Command) error {
	return withRepo(cmd, func(_ *config.Config, repo *repository.Repository) error {
		teacher, err := repo.GetUserByEmail(ctx, models.NormalizeEmail(cmd.String("teacher")))
		if err != nil {
			return fmt.Errorf("teacher: %w", err)
		}
		student, err := repo.GetUserByEmail(ctx, models.NormalizeEmail(cmd.String("student")))
		if err != nil {
			return fmt.Errorf("student: %w", err)
		}
		if teacher.Role != models.RoleTeacher {
			return fmt.Errorf("%s is a %s, not a teacher", teacher.Email, teacher.Role)
		}
		if student.Role != models.RoleStudent {
			return fmt.Errorf("%s is a %s, not a student", student.Email, student.Role)
		}

		if err := repo.AssignStudent(ctx, teacher.ID, student.ProfileID); err != nil {
			return err
		}
		slog.Info("student_assigned", "teacher_id", teacher.ID, "student_profile", student.ProfileID)
		return nil
	})
}

func disableAction(ctx context.Context, cmd *cli.Command) error {
	return withRepo(cmd, func(_ *config.Config, repo *repository.Repository) error {
		user, err := repo.GetUserByEmail(ctx, models.NormalizeEmail(cmd.String("email")))
		if err != nil {
			return err
		}

		disabled := !cmd.Bool("enable")
		if err := repo.SetUserDisabled(ctx, user.ID, disabled); err != nil {
			return err
		}
		slog.Info("user_state_changed", "user_id", user.ID, "disabled", disabled)
		return nil
	})
}
