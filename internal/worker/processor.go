package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/mailer"
)

// processJob delivers one job. A nil return acknowledges the queue item;
// only transient store or queue failures ask for a redelivery.
func (w *Worker) processJob(ctx context.Context, msg *JobMessage) error {
	// a job that has started runs to completion even during shutdown
	ctx = context.WithoutCancel(ctx)

	// Step 1: Load the job
	job, err := w.storage.GetJobByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job not found, skipping",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if msg.Sender != "" && msg.Sender != job.Sender {
		return fmt.Errorf("%w: sender %q does not own job %s", domain.ErrInvalidPayload, msg.Sender, job.ID)
	}

	if domain.IsTerminalStatus(job.Status) {
		w.logger.Info("Job already finished, skipping",
			slog.String("job_id", job.ID),
			slog.String("status", job.Status),
		)
		return nil
	}

	// Step 2: Items capped by the broker's maximum delay arrive early, send them back
	if remaining := job.SendAt.Sub(w.now()); remaining > w.earlyTolerance {
		if _, err := w.queue.Enqueue(ctx, domain.QueueItem{JobID: job.ID, Sender: job.Sender}, remaining); err != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to defer job: %w", err))
		}
		w.logger.Info("Job arrived early, deferred",
			slog.String("job_id", job.ID),
			slog.Duration("remaining", remaining),
		)
		return nil
	}

	// Step 3: Claim the job (the lease keeps redeliveries off it)
	job, err = w.storage.ClaimJob(ctx, job.ID, w.workerID, w.claimTTL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed),
			errors.Is(err, domain.ErrJobAlreadyTerminal),
			errors.Is(err, domain.ErrJobNotFound):
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 4: Send within the job timeout
	sendErr := w.send(ctx, job)

	// Step 5: Record the single terminal transition
	if sendErr != nil {
		w.logger.Warn("Email delivery failed",
			slog.String("job_id", job.ID),
			slog.String("error", sendErr.Error()),
		)

		if err := w.storage.MarkJobFailed(ctx, job.ID, w.workerID, sendErr.Error()); err != nil {
			w.logger.Error("Failed to update job status to failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	sentAt, err := w.markSent(ctx, job.ID)
	if err != nil {
		// the mail is out; a redelivery would send it twice
		w.logger.Error("Failed to update job status to sent",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	w.logger.Info("Email sent",
		slog.String("job_id", job.ID),
		slog.String("campaign_id", job.CampaignID),
		slog.Int("sequence", job.Sequence),
		slog.Time("sent_at", sentAt),
	)

	return nil
}

// markSent records the sent transition, retrying transient store errors while
// the claim is still ours. A job left scheduled past its lease is swept and sent again.
func (w *Worker) markSent(ctx context.Context, jobID string) (time.Time, error) {
	backoff := w.markBackoff
	var err error
	for attempt := 1; attempt <= w.markAttempts; attempt++ {
		var sentAt time.Time
		sentAt, err = w.storage.MarkJobSent(ctx, jobID, w.workerID)
		if err == nil {
			return sentAt, nil
		}
		if errors.Is(err, domain.ErrJobAlreadyTerminal) ||
			errors.Is(err, domain.ErrJobAlreadyClaimed) ||
			errors.Is(err, domain.ErrJobNotFound) {
			return time.Time{}, err
		}
		if attempt == w.markAttempts {
			break
		}

		w.logger.Warn("Retrying sent status update",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
		backoff *= 2
	}
	return time.Time{}, err
}

// send hands the job to the mail transport, bounded by the job timeout
func (w *Worker) send(ctx context.Context, job *domain.Job) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	text := job.Body
	if text == "" {
		text = w.fallbackBody
	}

	err := w.transport.Send(sendCtx, mailer.Message{
		From:    w.from,
		To:      job.Email,
		Subject: job.Subject,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return nil
}
