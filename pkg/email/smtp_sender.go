// pkg/email/smtp_sender.go
//
// SMTP delivery for vulnerability notifications.
//
// Three connection modes are supported:
//   use_ssl: implicit TLS from the first byte (usually port 465)
//   use_tls: plain connection upgraded with STARTTLS (usually port 587)
//   neither: plain SMTP, only for local relays and tests
//
// CONFIGURATION:
//   smtp:
//     host: "smtp.sendgrid.net"
//     port: 587
//     username: "apikey"
//     password: "..."          # prefer SCOUT_SMTP_PASSWORD
//     from_email: "scout@example.com"
//     from_name: "Scout"
//     use_tls: true
//     timeout: 30s
//
// An empty host disables SMTP; the notifier then falls back to logging.

package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
)

// Message is one plain-text email.
type Message struct {
	To      []string
	Subject string
	Body    string
	Headers map[string]string
}

// SMTPSender delivers messages through one SMTP relay.
type SMTPSender struct {
	config config.SMTPConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewSMTPSender validates cfg and fills the port and timeout defaults.
func NewSMTPSender(cfg config.SMTPConfig, log *logger.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("sender email address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	log = log.WithComponent("smtp")
	log.Infow("SMTP sender initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"from_email", cfg.FromEmail,
		"use_tls", cfg.UseTLS,
		"use_ssl", cfg.UseSSL,
	)

	return &SMTPSender{config: cfg, logger: log, now: time.Now}, nil
}

// Send delivers msg. The whole SMTP conversation is bounded by the
// configured timeout and by ctx.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if msg.Subject == "" {
		return fmt.Errorf("email subject is required")
	}
	if msg.Body == "" {
		return fmt.Errorf("email body is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.deliver(ctx, msg.To, s.buildMessage(msg)); err != nil {
		s.logger.Errorw("Failed to send email", "error", err, "to", msg.To, "subject", msg.Subject)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infow("Email sent successfully", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (s *SMTPSender) buildMessage(msg Message) []byte {
	var b strings.Builder

	if s.config.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", s.config.FromName, s.config.FromEmail)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", s.config.FromEmail)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	for key, value := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", key, sanitizeHeader(value))
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func (s *SMTPSender) deliver(ctx context.Context, recipients []string, message []byte) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.SkipTLSVerify,
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.config.UseSSL {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if s.config.UseTLS && !s.config.UseSSL {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.FromEmail); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initialize data transfer: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}
