package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/google/uuid"
)

// JobStore persists new jobs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
}

// Enqueuer hands work items to the delay queue
type Enqueuer interface {
	Enqueue(ctx context.Context, item domain.QueueItem, delay time.Duration) (string, error)
}

// Config holds scheduler dependencies and limits
type Config struct {
	Logger             *slog.Logger
	Store              JobStore
	Queue              Enqueuer
	Location           *time.Location // zone for start times without an offset; UTC when nil
	MaxRecipients      int            // 0 means no limit
	DefaultHourlyLimit int            // applied when a request carries none; 0 means unlimited
}

// Request is one campaign submission
type Request struct {
	Sender       string
	Subject      string
	Body         string
	StartTime    string
	DelaySeconds int
	HourlyLimit  int
	Recipients   []string
}

// Result reports how many jobs were persisted and enqueued
type Result struct {
	Scheduled  int
	CampaignID string
}

// Scheduler turns a campaign submission into time-staggered jobs
type Scheduler struct {
	logger             *slog.Logger
	store              JobStore
	queue              Enqueuer
	location           *time.Location
	maxRecipients      int
	defaultHourlyLimit int
	now                func() time.Time
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Scheduler{
		logger:             cfg.Logger,
		store:              cfg.Store,
		queue:              cfg.Queue,
		location:           loc,
		maxRecipients:      cfg.MaxRecipients,
		defaultHourlyLimit: cfg.DefaultHourlyLimit,
		now:                time.Now,
	}
}

// Schedule persists one job per recipient and enqueues it with a delay that
// makes it fire at its send time. Recipients are processed in order and each
// persist+enqueue is its own unit of work: on failure the jobs already handled
// stay scheduled and Result.Scheduled reports how many there were.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Result, error) {
	start, err := s.validate(&req)
	if err != nil {
		return Result{}, err
	}

	hourlyLimit := req.HourlyLimit
	if hourlyLimit == 0 {
		hourlyLimit = s.defaultHourlyLimit
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	spacing := newSpacer(hourlyLimit)
	campaignID := uuid.NewString()

	s.logger.Info("Scheduling campaign",
		slog.String("campaign_id", campaignID),
		slog.String("sender", req.Sender),
		slog.Int("recipients", len(req.Recipients)),
		slog.Time("start_time", start),
		slog.Duration("delay", delay),
		slog.Int("hourly_limit", hourlyLimit),
	)

	result := Result{CampaignID: campaignID}
	currentTime := start

	for i, recipient := range req.Recipients {
		sendAt := spacing.next(currentTime)

		job := &domain.Job{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			Email:      recipient,
			Subject:    req.Subject,
			Body:       req.Body,
			Sender:     req.Sender,
			SendAt:     sendAt,
			Sequence:   i,
		}

		if err := s.store.CreateJob(ctx, job); err != nil {
			s.logger.Error("Failed to persist job, stopping campaign",
				slog.String("campaign_id", campaignID),
				slog.Int("sequence", i),
				slog.String("error", err.Error()),
			)
			return result, fmt.Errorf("%w: recipient %d: %w", domain.ErrPersistence, i, err)
		}

		// measured after the write so store latency never pulls a send earlier
		wait := sendAt.Sub(s.now())
		if wait < 0 {
			wait = 0
		}

		ref, err := s.queue.Enqueue(ctx, domain.QueueItem{JobID: job.ID, Sender: req.Sender}, wait)
		if err != nil {
			s.logger.Error("Failed to enqueue job, stopping campaign",
				slog.String("campaign_id", campaignID),
				slog.String("job_id", job.ID),
				slog.Int("sequence", i),
				slog.String("error", err.Error()),
			)
			return result, fmt.Errorf("%w: job %s: %w", domain.ErrQueue, job.ID, err)
		}

		s.logger.Debug("Job scheduled",
			slog.String("job_id", job.ID),
			slog.String("queue_ref", ref),
			slog.Int("sequence", i),
			slog.Time("send_at", sendAt),
			slog.Duration("delay", wait),
		)

		result.Scheduled++
		currentTime = sendAt.Add(delay)
	}

	s.logger.Info("Campaign scheduled",
		slog.String("campaign_id", campaignID),
		slog.Int("scheduled", result.Scheduled),
	)

	return result, nil
}

// validate checks every precondition before any side effect and returns the parsed start time
func (s *Scheduler) validate(req *Request) (time.Time, error) {
	req.Sender = strings.TrimSpace(req.Sender)
	if req.Sender == "" {
		return time.Time{}, fmt.Errorf("%w: sender is required", domain.ErrInvalidRequest)
	}

	if strings.TrimSpace(req.Subject) == "" {
		return time.Time{}, fmt.Errorf("%w: subject is required", domain.ErrInvalidRequest)
	}

	if req.DelaySeconds <= 0 {
		return time.Time{}, fmt.Errorf("%w: delaySeconds must be greater than 0", domain.ErrInvalidRequest)
	}

	if req.HourlyLimit < 0 {
		return time.Time{}, fmt.Errorf("%w: hourlyLimit must not be negative", domain.ErrInvalidRequest)
	}

	if len(req.Recipients) == 0 {
		return time.Time{}, fmt.Errorf("%w: at least one recipient is required", domain.ErrInvalidRequest)
	}

	if s.maxRecipients > 0 && len(req.Recipients) > s.maxRecipients {
		return time.Time{}, fmt.Errorf("%w: %d recipients exceeds the limit of %d",
			domain.ErrInvalidRequest, len(req.Recipients), s.maxRecipients)
	}

	recipients := make([]string, len(req.Recipients))
	for i, r := range req.Recipients {
		recipients[i] = strings.TrimSpace(r)
		if recipients[i] == "" {
			return time.Time{}, fmt.Errorf("%w: recipient %d is empty", domain.ErrInvalidRequest, i)
		}
	}
	req.Recipients = recipients

	start, err := ParseStartTime(req.StartTime, s.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}

	return start, nil
}
