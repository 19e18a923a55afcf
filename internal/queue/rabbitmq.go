package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxRabbitDelay is the largest x-delay the delayed-message exchange accepts.
// Longer deadlines are capped; the worker re-defers items that arrive early.
const MaxRabbitDelay = time.Duration(1<<32-1) * time.Millisecond

// RabbitQueue is a DelayQueue on a RabbitMQ delayed-message exchange
type RabbitQueue struct {
	client        *rabbitmq.Client
	logger        *slog.Logger
	prefetchCount int
}

// NewRabbitQueue wraps a connected client. prefetchCount bounds unacknowledged deliveries per consumer.
func NewRabbitQueue(client *rabbitmq.Client, prefetchCount int, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		client:        client,
		logger:        logger,
		prefetchCount: prefetchCount,
	}
}

// Enqueue publishes item with an x-delay header
func (q *RabbitQueue) Enqueue(ctx context.Context, item domain.QueueItem, delay time.Duration) (string, error) {
	body, err := EncodeItem(item)
	if err != nil {
		return "", err
	}

	delay = clampDelay(delay, MaxRabbitDelay)
	ref := uuid.NewString()

	err = q.client.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   ref,
		Headers:     amqp.Table{rabbitmq.DelayHeader: delay.Milliseconds()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", item.JobID, err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", item.JobID),
		slog.String("queue_ref", ref),
		slog.Duration("delay", delay),
	)

	return ref, nil
}

// Consume sets QoS and streams deliveries until ctx is done
func (q *RabbitQueue) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	if q.prefetchCount > 0 {
		if err := q.client.Qos(q.prefetchCount); err != nil {
			return nil, err
		}

		q.logger.Info("RabbitMQ QoS configured",
			slog.Int("prefetch_count", q.prefetchCount),
		)
	}

	deliveries, err := q.client.Consume(consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}

				delivery := NewDelivery(d.MessageId, d.Body,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)

				select {
				case out <- delivery:
				case <-ctx.Done():
					// hand it back so another consumer can take it
					if err := d.Nack(false, true); err != nil {
						q.logger.Error("Failed to NACK message on shutdown",
							slog.String("error", err.Error()),
						)
					}
					return
				}
			}
		}
	}()

	return out, nil
}
