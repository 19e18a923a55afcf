package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/mailer"
	"github.com/cuongbtq/campaign-mailer/internal/queue"
	"github.com/robfig/cron/v3"
)

// JobStore is the part of the job store the worker needs
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (*domain.Job, error)
	MarkJobSent(ctx context.Context, jobID, workerID string) (time.Time, error)
	MarkJobFailed(ctx context.Context, jobID, workerID, reason string) error
	ListStaleJobs(ctx context.Context, cutoff time.Time, leaseTTL time.Duration, limit int) ([]domain.Job, error)
	MarkJobRequeued(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger         *slog.Logger
	Store          JobStore
	Queue          queue.DelayQueue
	Transport      mailer.Transport
	WorkerID       string
	Concurrency    int
	JobTimeout     time.Duration
	ClaimTTL       time.Duration
	EarlyTolerance time.Duration
	From           string // rendered From header
	FallbackBody   string
	SweepSchedule  string // cron spec; empty disables the sweep
	SweepGrace     time.Duration
	SweepBatchSize int
}

// JobMessage is a decoded queue item waiting for a worker goroutine
type JobMessage struct {
	JobID    string
	Sender   string
	delivery queue.Delivery
}

// Worker consumes due jobs from the delay queue and delivers them
type Worker struct {
	logger         *slog.Logger
	storage        JobStore
	queue          queue.DelayQueue
	transport      mailer.Transport
	workerID       string
	concurrency    int
	jobTimeout     time.Duration
	claimTTL       time.Duration
	earlyTolerance time.Duration
	from           string
	fallbackBody   string
	sweepSchedule  string
	sweepGrace     time.Duration
	sweepBatchSize int

	// writes of the sent status are retried under the same claim
	markAttempts int
	markBackoff  time.Duration

	jobsChan chan *JobMessage
	cron     *cron.Cron
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:         cfg.Logger,
		storage:        cfg.Store,
		queue:          cfg.Queue,
		transport:      cfg.Transport,
		workerID:       cfg.WorkerID,
		concurrency:    cfg.Concurrency,
		jobTimeout:     cfg.JobTimeout,
		claimTTL:       cfg.ClaimTTL,
		earlyTolerance: cfg.EarlyTolerance,
		from:           cfg.From,
		fallbackBody:   cfg.FallbackBody,
		sweepSchedule:  cfg.SweepSchedule,
		sweepGrace:     cfg.SweepGrace,
		sweepBatchSize: cfg.SweepBatchSize,
		markAttempts:   5,
		markBackoff:    200 * time.Millisecond,
		jobsChan:       make(chan *JobMessage),
		stopChan:       make(chan struct{}),
		now:            time.Now,
	}

	if w.concurrency <= 0 {
		w.concurrency = 5
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.claimTTL <= w.jobTimeout {
		// a lease must outlive the send it protects
		w.claimTTL = 2 * w.jobTimeout
	}
	if w.sweepBatchSize <= 0 {
		w.sweepBatchSize = 100
	}

	return w
}

// Start consumes the queue until ctx is canceled. It returns an error if the
// consumer cannot be set up or the delivery stream ends while still running.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("claim_ttl", w.claimTTL),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if err := w.startSweeper(ctx); err != nil {
		return err
	}

	w.startMessageDispatcher(ctx, deliveries)

	if ctx.Err() == nil {
		return errors.New("delivery stream closed unexpectedly")
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight jobs to finish. Call it after canceling the Start context.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")

		if w.cron != nil {
			<-w.cron.Stop().Done()
		}

		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
