package service

import (
	"context"

	"github.com/lcx/nexus/log"
)

// Mailer sends transactional mail (password resets, account confirmation).
type Mailer interface {
	Service
	SendMail(ctx context.Context, to, subject, body string) error
}

// LogMailer writes outgoing mail to the log instead of delivering it. It is
// the default wiring for development and test servers.
type LogMailer struct{}

// ServiceName implements Service.
func (LogMailer) ServiceName() string { return "log-mailer" }

// SendMail implements Mailer.
func (LogMailer) SendMail(_ context.Context, to, subject, body string) error {
	log.Info().Str("to", to).Str("subject", subject).
		Int("bodyLen", len(body)).Msg("mail delivered to log")
	return nil
}
