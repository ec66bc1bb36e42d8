package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
)

// SubjectPrefix starts every summary e-mail subject.
const SubjectPrefix = "Résumé de votre appel avec Ava"

// DefaultSMTPPort is the submission port used when none is configured.
const DefaultSMTPPort = 587

// ErrNoRecipient is returned by [BuildMessage] when no recipient is set.
var ErrNoRecipient = errors.New("notify: no summary recipient configured")

// EmailConfig holds the SMTP settings for [Email].
type EmailConfig struct {
	// Recipient receives every summary. Empty disables delivery.
	Recipient string

	// Server is the SMTP host. Empty means summaries are only logged.
	Server string

	// Port defaults to [DefaultSMTPPort].
	Port int

	// StartTLS selects STARTTLS on a plain connection. When false the
	// connection uses implicit TLS.
	StartTLS bool

	Username string
	Password string

	// Sender is the From address. Defaults to Username.
	Sender string

	// Timeout bounds the SMTP dial and exchange. Default: 15s.
	Timeout time.Duration
}

// sender abstracts *mail.Client for tests.
type sender interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

// Email sends the summary as a plain-text message with an HTML alternative.
type Email struct {
	cfg    EmailConfig
	logger *slog.Logger

	// newSender builds the SMTP client; swapped in tests.
	newSender func(EmailConfig) (sender, error)
}

var _ Notifier = (*Email)(nil)

// EmailOption configures an [Email] notifier.
type EmailOption func(*Email)

// WithEmailLogger sets the logger. Default: slog.Default().
func WithEmailLogger(l *slog.Logger) EmailOption {
	return func(e *Email) { e.logger = l }
}

// NewEmail creates an [Email] notifier.
func NewEmail(cfg EmailConfig, opts ...EmailOption) *Email {
	if cfg.Port <= 0 {
		cfg.Port = DefaultSMTPPort
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	e := &Email{cfg: cfg, logger: slog.Default(), newSender: newSMTPClient}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Notify sends the summary. A missing recipient or SMTP server is not an
// error: the summary is logged instead.
func (e *Email) Notify(ctx context.Context, d Delivery) error {
	if e.cfg.Recipient == "" {
		e.logger.Info("no summary recipient configured, skipping e-mail",
			"call_id", d.CallID, "summary", d.Summary)
		return nil
	}
	if e.cfg.Server == "" {
		e.logger.Warn("summary recipient set but no SMTP server, logging summary instead",
			"call_id", d.CallID, "summary", d.Summary)
		return nil
	}

	msg, err := BuildMessage(e.cfg, d)
	if err != nil {
		return err
	}
	client, err := e.newSender(e.cfg)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("notify: send summary to %s: %w", e.cfg.Recipient, err)
	}
	e.logger.Info("summary e-mailed", "call_id", d.CallID, "recipient", e.cfg.Recipient)
	return nil
}

// BuildMessage renders the summary e-mail for d.
func BuildMessage(cfg EmailConfig, d Delivery) (*mail.Msg, error) {
	if cfg.Recipient == "" {
		return nil, ErrNoRecipient
	}
	from := cfg.Sender
	if from == "" {
		from = cfg.Username
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("notify: from %q: %w", from, err)
	}
	if err := m.To(cfg.Recipient); err != nil {
		return nil, fmt.Errorf("notify: to %q: %w", cfg.Recipient, err)
	}
	m.Subject(Subject(d.CallID))
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, d.Summary)
	m.AddAlternativeString(mail.TypeTextHTML, htmlBody(d.Summary))
	return m, nil
}

// Subject returns the e-mail subject for a call.
func Subject(callID string) string {
	if callID == "" {
		return SubjectPrefix
	}
	return SubjectPrefix + " – " + callID
}

func htmlBody(summary string) string {
	body := strings.ReplaceAll(html.EscapeString(summary), "\n", "<br />")
	return "<html><body><h2>" + SubjectPrefix + "</h2><p>" + body + "</p></body></html>"
}

func newSMTPClient(cfg EmailConfig) (sender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSL())
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Server, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
