package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/email"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// Composer renders the notification for a newly created issue.
type Composer struct {
	BaseURL   string
	Signature string
}

func NewComposer(cfg config.NotifyConfig) Composer {
	return Composer{BaseURL: cfg.BaseURL, Signature: cfg.Signature}
}

func (c Composer) Compose(app *types.Application, issue *types.Issue, to *types.Recipient) *types.Notification {
	return &types.Notification{
		IssueID: issue.ID,
		To:      to.Email,
		ToName:  to.FullName(),
		Subject: fmt.Sprintf("%s Vulnerability Detected in %s API", issue.Severity, app.Name),
		Body: fmt.Sprintf(
			"Hello %s,\n\nA %s vulnerability has been detected in the %s API. Please check the issue at %s/issues/%s.\n\nRegards,\n%s",
			to.FullName(), issue.Severity, app.Name, strings.TrimRight(c.BaseURL, "/"), issue.ID, c.Signature,
		),
	}
}

// QueueNotifier implements core.Notifier by pushing onto the outbox. It never
// waits for delivery.
type QueueNotifier struct {
	queue core.NotificationQueue
}

func NewQueueNotifier(queue core.NotificationQueue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

func (n *QueueNotifier) Notify(ctx context.Context, notification *types.Notification) error {
	if err := n.queue.Push(ctx, notification); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n *types.Notification) error
}

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	smtp *email.SMTPSender
}

func NewEmailSender(smtp *email.SMTPSender) *EmailSender {
	return &EmailSender{smtp: smtp}
}

func (s *EmailSender) Send(ctx context.Context, n *types.Notification) error {
	return s.smtp.Send(ctx, email.Message{
		To:      []string{n.To},
		Subject: n.Subject,
		Body:    n.Body,
		Headers: map[string]string{"X-Scout-Issue": n.IssueID},
	})
}

// LogSender only logs notifications. It is used when SMTP is not configured.
type LogSender struct {
	logger *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{logger: log.WithComponent("notify")}
}

func (s *LogSender) Send(ctx context.Context, n *types.Notification) error {
	s.logger.WithContext(ctx).Infow("Notification (SMTP not configured)",
		"to", n.To,
		"subject", n.Subject,
		"issue_id", n.IssueID,
	)
	return nil
}

// NewSender picks SMTP when a host is configured, otherwise logging.
func NewSender(cfg config.SMTPConfig, log *logger.Logger) (Sender, error) {
	if cfg.Host == "" {
		return NewLogSender(log), nil
	}
	smtp, err := email.NewSMTPSender(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewEmailSender(smtp), nil
}
