package mailer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mailgun/mailgun-go/v3"
	"github.com/pkg/errors"
)

type mailgunTransport struct {
	mg mailgun.Mailgun
}

// NewMailgunTransport sends through the Mailgun HTTP API with a retrying client
func NewMailgunTransport(cfg MailgunConfig, logger *slog.Logger) (Transport, error) {
	if cfg.Domain == "" || cfg.APIKey == "" {
		return nil, errors.New("mailgun domain and api key are required")
	}

	client := retryablehttp.NewClient()
	client.Logger = logger
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}

	httpClient := client.StandardClient()
	httpClient.Timeout = cfg.Timeout
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = 30 * time.Second
	}

	mg := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	mg.SetClient(httpClient)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}

	return newMailgunTransport(mg), nil
}

func newMailgunTransport(mg mailgun.Mailgun) *mailgunTransport {
	return &mailgunTransport{mg: mg}
}

func (t *mailgunTransport) Send(ctx context.Context, msg Message) error {
	m := t.mg.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)

	_, _, err := t.mg.Send(ctx, m)
	return errors.Wrapf(err, "Failed to send message to %s", msg.To)
}
