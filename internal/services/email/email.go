// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package email delivers one-time codes.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"

	"codeberg.org/oliverandrich/schoolportal/internal/config"
	"codeberg.org/oliverandrich/schoolportal/internal/i18n"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// SendTimeout bounds a single SMTP delivery.
const SendTimeout = 15 * time.Second

// Message is a rendered plain text email.
type Message struct {
	Subject string
	Body    string
}

// RenderCode renders the localized email for a one-time code.
func RenderCode(ctx context.Context, purpose models.Purpose, code string, ttl time.Duration) Message {
	key := messageKey(purpose)
	return Message{
		Subject: i18n.T(ctx, "otp_subject_"+key),
		Body: i18n.TData(ctx, "otp_body_"+key, map[string]any{
			"Code":    code,
			"Minutes": int(ttl.Minutes()),
		}),
	}
}

func messageKey(purpose models.Purpose) string {
	switch purpose {
	case models.PurposePasswordReset:
		return "password_reset"
	case models.PurposeLogin2FA:
		return "login_2fa"
	default:
		return "register"
	}
}

// Service sends codes via SMTP.
type Service struct {
	cfg *config.SMTPConfig
	ttl time.Duration
}

// NewService creates a new email service. ttl is the code lifetime shown
// to the recipient.
func NewService(cfg *config.SMTPConfig, ttl time.Duration) (*Service, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("SMTP from address is required")
	}

	return &Service{cfg: cfg, ttl: ttl}, nil
}

// SendCode mails a one-time code to the recipient.
func (s *Service) SendCode(ctx context.Context, to string, purpose models.Purpose, code string) error {
	msg, err := s.buildMessage(to, RenderCode(ctx, purpose, code, s.ttl))
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}

	slog.Info("otp_mail_sent", "purpose", purpose)
	return nil
}

func (s *Service) buildMessage(to string, m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()

	if s.cfg.FromName != "" {
		if err := msg.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	} else {
		if err := msg.From(s.cfg.From); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	}

	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("setting to address: %w", err)
	}

	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	return msg, nil
}

func (s *Service) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(SendTimeout),
	}

	// Use implicit TLS (SSL) for port 465, STARTTLS for others
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		if s.cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

// LogSender writes codes to the log instead of mailing them. It is used
// when no SMTP host is configured.
type LogSender struct {
	ttl time.Duration
}

// NewLogSender creates a LogSender.
func NewLogSender(ttl time.Duration) *LogSender {
	return &LogSender{ttl: ttl}
}

// SendCode logs the rendered message.
func (l *LogSender) SendCode(ctx context.Context, to string, purpose models.Purpose, code string) error {
	m := RenderCode(ctx, purpose, code, l.ttl)
	slog.Warn("otp_mail_logged", "to", to, "purpose", purpose, "subject", m.Subject, "code", code)
	return nil
}
