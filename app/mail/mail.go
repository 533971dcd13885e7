package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/harborauth/harbor/config"
)

// Message is the only shape the core constructs; delivery mechanics belong to
// the transport.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Mailer delivers verification-code links. The core only builds the message
// text and the callback link.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers through a plain SMTP relay.
type SMTPMailer struct {
	cfg    config.MailConfig
	logger *slog.Logger
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg config.MailConfig, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if m.cfg.DryRun {
		m.logger.InfoContext(ctx, "Mail dry-run, not delivering",
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject),
			slog.String("text", msg.Text))
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	sb.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(msg.Text)

	addr := m.cfg.Host + ":" + m.cfg.Port
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{msg.To}, []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", msg.To, err)
	}
	m.logger.InfoContext(ctx, "Mail delivered", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}
