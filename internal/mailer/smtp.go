package mailer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	gomail "github.com/wneessen/go-mail"
)

type smtpTransport struct {
	host string
	opts []gomail.Option
}

// NewSMTPTransport relays through an SMTP server. With StartTLS set the upgrade
// is mandatory, otherwise it is used when the server offers it.
func NewSMTPTransport(cfg SMTPConfig) (Transport, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	policy := gomail.TLSOpportunistic
	if cfg.StartTLS {
		policy = gomail.TLSMandatory
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(cfg.Timeout),
		gomail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	// options are checked here so a bad config fails at startup
	if _, err := gomail.NewClient(cfg.Host, opts...); err != nil {
		return nil, errors.Wrap(err, "Invalid smtp settings")
	}

	return &smtpTransport{host: cfg.Host, opts: opts}, nil
}

func (t *smtpTransport) Send(ctx context.Context, msg Message) error {
	m, err := newSMTPMessage(msg)
	if err != nil {
		return err
	}

	// one client per send; sends run in parallel across worker goroutines
	client, err := gomail.NewClient(t.host, t.opts...)
	if err != nil {
		return errors.Wrap(err, "Failed to create smtp client")
	}

	return errors.Wrapf(client.DialAndSendWithContext(ctx, m), "Failed to send email to %s", msg.To)
}

// newSMTPMessage renders a plain-text UTF-8 message
func newSMTPMessage(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, errors.Wrap(err, "Invalid from address")
	}
	if err := m.To(msg.To); err != nil {
		return nil, errors.Wrap(err, "Invalid recipient address")
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)

	return m, nil
}
