package mailer

import (
	"context"
	"log/slog"
)

type logTransport struct {
	logger *slog.Logger
}

// NewLogTransport returns a transport that only logs messages. Useful for local runs.
func NewLogTransport(logger *slog.Logger) Transport {
	return &logTransport{logger: logger}
}

func (t *logTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.logger.Info("Email delivered to log transport",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_size", len(msg.Text)),
	)
	return nil
}
