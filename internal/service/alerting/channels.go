package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mealforge/sentinel/internal/config"
	"github.com/mealforge/sentinel/internal/model"
)

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert model.Alert) error
}

// ConsoleChannel writes alerts to the structured log.
type ConsoleChannel struct {
	logger *slog.Logger
}

func NewConsoleChannel(logger *slog.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, a model.Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case model.SeverityWarning:
		level = slog.LevelWarn
	case model.SeverityError, model.SeverityCritical:
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "ALERT: "+a.Title,
		"alert_id", a.ID,
		"severity", a.Severity,
		"source", a.Source,
		"message", a.Message,
	)
	return nil
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends plain-text alerts over SMTP.
type EmailChannel struct {
	host     string
	port     int
	user     string
	pass     string
	from     string
	to       []string
	sendMail SendMailFunc
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		pass:     cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		sendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send ignores ctx; net/smtp has no context support, so the dispatcher
// bounds the call with its channel timeout instead.
func (c *EmailChannel) Send(_ context.Context, a model.Alert) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	body := fmt.Sprintf("%s\r\n\r\nSource: %s\r\nTime: %s\r\nAlert ID: %s",
		a.Message, a.Source, a.Timestamp.Format(time.RFC3339), a.ID)

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		c.from, strings.Join(c.to, ", "), subject, body,
	)

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	var auth smtp.Auth
	if c.user != "" {
		auth = smtp.PlainAuth("", c.user, c.pass, c.host)
	}
	if err := c.sendMail(addr, auth, c.from, c.to, []byte(msg)); err != nil {
		return fmt.Errorf("alerting: email: %w", err)
	}
	return nil
}

// WebhookChannel posts a chat-style JSON message to a webhook URL.
type WebhookChannel struct {
	URL  string
	HTTP *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{URL: url, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Text  string      `json:"text"`
	Alert model.Alert `json:"alert"`
}

func (c *WebhookChannel) Send(ctx context.Context, a model.Alert) error {
	b, err := json.Marshal(webhookPayload{
		Text:  fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Title, a.Message),
		Alert: a,
	})
	if err != nil {
		return fmt.Errorf("alerting: webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("alerting: webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: webhook: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}

// ChannelsFromConfig builds the channels named in cfg.AlertChannels.
func ChannelsFromConfig(cfg config.Config, logger *slog.Logger) ([]Channel, error) {
	var out []Channel
	for _, name := range cfg.AlertChannels {
		switch name {
		case "console":
			out = append(out, NewConsoleChannel(logger))
		case "email":
			out = append(out, NewEmailChannel(EmailConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				User:     cfg.SMTPUser,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
				To:       cfg.AlertEmailTo,
			}))
		case "webhook":
			out = append(out, NewWebhookChannel(cfg.AlertWebhookURL))
		default:
			return nil, fmt.Errorf("alerting: unknown channel %q", name)
		}
	}
	return out, nil
}
