package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/campaign-mailer/internal/queue"
	"github.com/google/uuid"
)

// setupConsumer subscribes to the delay queue under this worker's tag
func (w *Worker) setupConsumer(ctx context.Context) (<-chan queue.Delivery, error) {
	deliveries, err := w.queue.Consume(ctx, w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Queue consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Queue delivery channel closed")
				return
			}

			item, err := queue.DecodeItem(delivery.Body)
			if err != nil {
				w.logger.Error("Failed to parse queue item",
					slog.String("queue_ref", delivery.Ref),
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed items will never parse, drop them
				if nackErr := delivery.Nack(false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(item.JobID); err != nil {
				w.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", item.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false); nackErr != nil {
					w.logger.Error("Failed to NACK message with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			jobMsg := &JobMessage{
				JobID:    item.JobID,
				Sender:   item.Sender,
				delivery: delivery,
			}

			select {
			case w.jobsChan <- jobMsg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", item.JobID),
					slog.String("queue_ref", delivery.Ref),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
