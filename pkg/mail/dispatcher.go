// Package mail renders templated notifications and delivers them over SMTP.
// Delivery is best effort: failures are logged and reported as a nil result,
// never as an error.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"bibliotec/internal/util"
)

// TemplateConfirmation is the account confirmation email.
const TemplateConfirmation = "confirmation"

const defaultTimeout = 10 * time.Second

//go:embed templates/*.html
var templateFS embed.FS

var defaultTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Config holds SMTP transport settings.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// TemplateData is the data every notification template receives.
type TemplateData struct {
	RecipientName     string
	RecipientLastName string
	RecipientEmail    string
	Token             string
	HostURL           string
}

// ConfirmURL is the link that confirms Token.
func (d TemplateData) ConfirmURL() string {
	return strings.TrimRight(d.HostURL, "/") + "/user/confirm/" + d.Token
}

// Message is one outbound notification.
type Message struct {
	To           string
	Subject      string
	TemplateID   string
	Data         TemplateData
	FallbackText string
}

// DeliveryInfo describes an accepted message.
type DeliveryInfo struct {
	MessageID string
	Recipient string
	SentAt    time.Time
}

// Transport hands a composed message to a mail server.
type Transport interface {
	Send(ctx context.Context, msg *gomail.Msg) error
}

// Dispatcher renders and sends notifications.
type Dispatcher struct {
	from      string
	timeout   time.Duration
	transport Transport
	templates *template.Template
	now       func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTransport replaces the SMTP transport.
func WithTransport(t Transport) Option {
	return func(d *Dispatcher) { d.transport = t }
}

// WithTemplates replaces the embedded templates.
func WithTemplates(t *template.Template) Option {
	return func(d *Dispatcher) { d.templates = t }
}

// NewDispatcher builds a dispatcher for cfg.
func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: from address required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	d := &Dispatcher{
		from:      cfg.From,
		timeout:   cfg.Timeout,
		templates: defaultTemplates,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.transport == nil {
		transport, err := NewSMTPTransport(cfg)
		if err != nil {
			return nil, err
		}
		d.transport = transport
	}
	return d, nil
}

// Send renders msg and delivers it. It returns nil when the message could not
// be built or delivered; the cause is logged.
func (d *Dispatcher) Send(ctx context.Context, msg Message) *DeliveryInfo {
	logger := util.LoggerFromContext(ctx).With(
		"template", msg.TemplateID,
		"to", util.MaskEmail(msg.To),
	)

	out := gomail.NewMsg()
	if err := out.From(d.from); err != nil {
		logger.Error("mail_compose_failed", "err", err)
		return nil
	}
	if err := out.To(msg.To); err != nil {
		logger.Error("mail_compose_failed", "err", err)
		return nil
	}
	out.Subject(msg.Subject)
	out.SetDate()
	out.SetMessageID()

	html, err := d.render(msg.TemplateID, msg.Data)
	switch {
	case err != nil && msg.FallbackText == "":
		logger.Error("mail_render_failed", "err", err)
		return nil
	case err != nil:
		logger.Warn("mail_render_fallback", "err", err)
		out.SetBodyString(gomail.TypeTextPlain, msg.FallbackText)
	case msg.FallbackText != "":
		out.SetBodyString(gomail.TypeTextPlain, msg.FallbackText)
		out.AddAlternativeString(gomail.TypeTextHTML, html)
	default:
		out.SetBodyString(gomail.TypeTextHTML, html)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.transport.Send(sendCtx, out); err != nil {
		logger.Error("mail_send_failed", "err", err)
		return nil
	}
	info := &DeliveryInfo{
		MessageID: out.GetMessageID(),
		Recipient: msg.To,
		SentAt:    d.now().UTC(),
	}
	logger.Info("mail_sent", "message_id", info.MessageID)
	return info
}

func (d *Dispatcher) render(templateID string, data TemplateData) (string, error) {
	if d.templates == nil {
		return "", errors.New("no templates loaded")
	}
	tpl := d.templates.Lookup(templateID + ".html")
	if tpl == nil {
		return "", fmt.Errorf("unknown template %q", templateID)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %q: %w", templateID, err)
	}
	return buf.String(), nil
}

// SMTPTransport delivers through an SMTP server.
type SMTPTransport struct {
	client *gomail.Client
}

// NewSMTPTransport configures an SMTP client. Secure selects implicit TLS;
// otherwise STARTTLS is used when the server offers it.
func NewSMTPTransport(cfg Config) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: smtp host required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []gomail.Option{
		gomail.WithTimeout(timeout),
	}
	if cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	if cfg.Secure {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: new smtp client: %w", err)
	}
	return &SMTPTransport{client: client}, nil
}

// Send dials, delivers msg and closes the connection.
func (t *SMTPTransport) Send(ctx context.Context, msg *gomail.Msg) error {
	return t.client.DialAndSendWithContext(ctx, msg)
}

// LogTransport logs messages instead of sending them. It is used when no SMTP
// host is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Send(ctx context.Context, msg *gomail.Msg) error {
	logger := t.Logger
	if logger == nil {
		logger = util.LoggerFromContext(ctx)
	}
	to := msg.GetToString()
	masked := make([]string, 0, len(to))
	for _, addr := range to {
		masked = append(masked, util.MaskEmail(addr))
	}
	logger.Info("mail_logged", "to", masked, "message_id", msg.GetMessageID())
	return nil
}
