package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"
)

// Provider names accepted by New
const (
	ProviderSMTP    = "smtp"
	ProviderMailgun = "mailgun"
	ProviderSES     = "ses"
	ProviderLog     = "log"
)

// Message is a single plain-text email
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
}

// Transport delivers one message. Implementations must honour ctx cancellation.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects and configures a provider
type Config struct {
	Provider    string
	FromName    string
	FromAddress string
	SMTP        SMTPConfig
	Mailgun     MailgunConfig
	SES         SESConfig
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	Timeout  time.Duration
}

// MailgunConfig holds Mailgun API settings
type MailgunConfig struct {
	Domain   string
	APIKey   string
	APIBase  string
	RetryMax int
	Timeout  time.Duration
}

// SESConfig holds Amazon SES settings. Empty keys fall back to the default AWS credential chain.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// FromHeader renders the From header value from a display name and mailbox
func FromHeader(name, address string) string {
	addr := mail.Address{Name: name, Address: address}
	return addr.String()
}

// New builds the transport named by cfg.Provider
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("mailer from address is required")
	}

	var (
		transport Transport
		err       error
	)

	switch cfg.Provider {
	case ProviderSMTP:
		transport, err = NewSMTPTransport(cfg.SMTP)
	case ProviderMailgun:
		transport, err = NewMailgunTransport(cfg.Mailgun, logger)
	case ProviderSES:
		transport, err = NewSESTransport(cfg.SES)
	case ProviderLog:
		transport = NewLogTransport(logger)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Provider, err)
	}

	logger.Info("Mail transport initialized",
		slog.String("provider", cfg.Provider),
		slog.String("from", cfg.FromAddress),
	)

	return transport, nil
}
