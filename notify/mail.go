package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// MailConfig configures the SMTP relay used for user notifications.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender address on every notification.
	From string
}

// Mailer sends notifications through an SMTP relay.
type Mailer struct {
	client *mail.Client
	from   string
}

var _ Notifier = (*Mailer)(nil)

// NewMailer creates a Mailer from the given config.
func NewMailer(cfg MailConfig) (*Mailer, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Mailer{client: client, from: cfg.From}, nil
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("notification sender %q: %w", m.from, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("notification recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send notification to %q: %w", to, err)
	}
	return nil
}

// ReauthRequired implements Notifier.
func (m *Mailer) ReauthRequired(ctx context.Context, email, app string) error {
	subject := fmt.Sprintf("Action required: reconnect your %s account", app)
	body := fmt.Sprintf(
		"We could no longer refresh your %s connection, so workflows that use it are paused.\n\n"+
			"Please reconnect %s from your integrations page to resume them.\n", app, app)
	return m.send(ctx, email, subject, body)
}

// NotConnected implements Notifier.
func (m *Mailer) NotConnected(ctx context.Context, email, app, workflowName string) error {
	subject := fmt.Sprintf("Workflow %q needs a %s connection", workflowName, app)
	body := fmt.Sprintf(
		"Your workflow %q tried to use %s, but no %s account is connected.\n\n"+
			"Connect %s from your integrations page to let the workflow run.\n",
		workflowName, app, app, app)
	return m.send(ctx, email, subject, body)
}
