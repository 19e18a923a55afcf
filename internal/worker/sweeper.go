package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/robfig/cron/v3"
)

// startSweeper schedules the reconciliation sweep. Jobs whose queue item was
// never published or got lost are found by the store and enqueued again.
func (w *Worker) startSweeper(ctx context.Context) error {
	if w.sweepSchedule == "" {
		w.logger.Info("Reconciliation sweep disabled")
		return nil
	}

	log := cronLogger{logger: w.logger}
	w.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	_, err := w.cron.AddFunc(w.sweepSchedule, func() {
		if _, err := w.sweep(ctx); err != nil {
			w.logger.Error("Reconciliation sweep failed",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.sweepSchedule, err)
	}

	w.cron.Start()
	w.logger.Info("Reconciliation sweep scheduled",
		slog.String("schedule", w.sweepSchedule),
		slog.Duration("grace", w.sweepGrace),
	)

	return nil
}

// sweep re-enqueues overdue scheduled jobs with no live claim and returns how many.
// A job requeued within the grace window is skipped until that window passes.
func (w *Worker) sweep(ctx context.Context) (int, error) {
	jobs, err := w.storage.ListStaleJobs(ctx, w.now().Add(-w.sweepGrace), w.claimTTL, w.sweepBatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if _, err := w.queue.Enqueue(ctx, domain.QueueItem{JobID: job.ID, Sender: job.Sender}, 0); err != nil {
			return requeued, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		requeued++

		if err := w.storage.MarkJobRequeued(ctx, job.ID); err != nil {
			w.logger.Warn("Failed to stamp requeued job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if requeued > 0 {
		w.logger.Warn("Requeued stale jobs",
			slog.Int("count", requeued),
		)
	}

	return requeued, nil
}

// cronLogger adapts slog to the cron logging interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}
