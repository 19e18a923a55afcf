package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.handle(ctx, workerName, msg)
		}
	}
}

// handle processes one message and settles its delivery
func (w *Worker) handle(ctx context.Context, workerName string, msg *JobMessage) {
	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.String("queue_ref", msg.delivery.Ref),
	)

	err := w.processJob(ctx, msg)
	if err == nil {
		if ackErr := msg.delivery.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)

	if nackErr := msg.delivery.Nack(requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	// store or queue outages are transient
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
