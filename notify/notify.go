// Package notify provides health.AlertSink implementations.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/resendlabs/resend-go"
	"github.com/rs/zerolog"
)

// EmailSender is the subset of the Resend emails service used here.
type EmailSender interface {
	Send(params *resend.SendEmailRequest) (resend.SendEmailResponse, error)
}

// ResendConfig configures the email sink.
type ResendConfig struct {
	APIKey   string   `koanf:"api_key" json:"-"`
	From     string   `koanf:"from" json:"from"`
	FromName string   `koanf:"from_name" json:"from_name"`
	To       []string `koanf:"to" json:"to"`
	Subject  string   `koanf:"subject" json:"subject"`
}

// Validate checks that an alert can be addressed.
func (c ResendConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.From, validation.Required, is.EmailFormat),
		validation.Field(&c.To, validation.Required, validation.Each(is.EmailFormat)),
	)
}

// ResendSink emails alerts through Resend.
type ResendSink struct {
	emails  EmailSender
	from    string
	to      []string
	subject string
}

// NewResendSink builds a sink from cfg using the Resend API client.
func NewResendSink(cfg ResendConfig) (*ResendSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("notify: invalid resend config: %w", err)
	}
	return NewResendSinkWithSender(resend.NewClient(cfg.APIKey).Emails, cfg), nil
}

// NewResendSinkWithSender builds a sink over an explicit sender.
func NewResendSinkWithSender(sender EmailSender, cfg ResendConfig) *ResendSink {
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "Cache health alert"
	}
	return &ResendSink{
		emails:  sender,
		from:    from,
		to:      append([]string(nil), cfg.To...),
		subject: subject,
	}
}

// SendAlert implements health.AlertSink.
func (s *ResendSink) SendAlert(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.emails.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      s.to,
		Subject: s.subject,
		Html:    "<p>" + strings.ReplaceAll(html.EscapeString(message), "\n", "<br>") + "</p>",
		Text:    message,
	})
	if err != nil {
		return fmt.Errorf("notify: send alert via resend: %w", err)
	}
	return nil
}

// LogSink writes alerts to the log. It is the fallback when email is not configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink that logs at warn level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

// SendAlert implements health.AlertSink.
func (s *LogSink) SendAlert(ctx context.Context, message string) error {
	s.logger.Warn().Str("alert", message).Msg("cache health alert")
	return nil
}
