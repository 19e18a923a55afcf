package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, campaign_id, email, subject, body, sender, send_at, sequence, status,
	claimed_by, claimed_at, requeued_at, last_error, created_at, updated_at, sent_at
`

// Storage handles all email_jobs operations for the scheduler, the worker and the read API
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// JobFilter selects a sender's jobs in one status
type JobFilter struct {
	Sender   string
	Status   string
	PageSize int // 0 means unbounded
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of a page
type JobCursor struct {
	SortKey time.Time
	JobID   string
}

// CreateJob persists a new job in scheduled status
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.SendAt = job.SendAt.UTC()
	job.Status = domain.JobStatusScheduled

	query := `
		INSERT INTO email_jobs (
			id, campaign_id, email, subject, body, sender,
			send_at, sequence, status, created_at, updated_at
		) VALUES (
			:id, :campaign_id, :email, :subject, :body, :sender,
			:send_at, :sequence, :status, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job created",
		slog.String("job_id", job.ID),
		slog.String("campaign_id", job.CampaignID),
		slog.Int("sequence", job.Sequence),
		slog.Time("send_at", job.SendAt),
	)

	return nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM email_jobs WHERE id = ?`)

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts to claim a scheduled job using optimistic locking.
// A claim older than leaseTTL is considered abandoned and can be taken over.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (*domain.Job, error) {
	now := s.now().UTC()

	query := s.db.Rebind(`
		UPDATE email_jobs
		SET claimed_by = ?,
		    claimed_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
	`)

	result, err := s.db.ExecContext(ctx, query,
		workerID, now, now, jobID, domain.JobStatusScheduled, now.Add(-leaseTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return nil, s.classifyConflict(ctx, jobID)
	}

	// the row is ours until the lease expires, so a plain read is consistent
	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return job, nil
}

// MarkJobSent performs the scheduled -> sent transition and stamps sent_at
func (s *Storage) MarkJobSent(ctx context.Context, jobID, workerID string) (time.Time, error) {
	sentAt := s.now().UTC()

	query := s.db.Rebind(`
		UPDATE email_jobs
		SET status = ?,
		    sent_at = ?,
		    last_error = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`)

	if err := s.transition(ctx, jobID, query,
		domain.JobStatusSent, sentAt, sentAt, jobID, domain.JobStatusScheduled, workerID); err != nil {
		return time.Time{}, err
	}

	return sentAt, nil
}

// MarkJobFailed performs the scheduled -> failed transition and records the reason
func (s *Storage) MarkJobFailed(ctx context.Context, jobID, workerID, reason string) error {
	now := s.now().UTC()

	query := s.db.Rebind(`
		UPDATE email_jobs
		SET status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`)

	return s.transition(ctx, jobID, query,
		domain.JobStatusFailed, reason, now, jobID, domain.JobStatusScheduled, workerID)
}

func (s *Storage) transition(ctx context.Context, jobID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return s.classifyConflict(ctx, jobID)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.Any("status", args[0]),
	)

	return nil
}

// classifyConflict explains why a conditional update matched no row
func (s *Storage) classifyConflict(ctx context.Context, jobID string) error {
	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	if domain.IsTerminalStatus(job.Status) {
		return domain.ErrJobAlreadyTerminal
	}

	s.logger.Warn("Job is held by another worker",
		slog.String("job_id", jobID),
		slog.String("claimed_by", job.ClaimedBy.String),
	)
	return domain.ErrJobAlreadyClaimed
}

// ListJobs lists a sender's jobs in one status, ordered for display.
// Scheduled jobs come by send_at ascending, sent jobs by sent_at descending and
// failed jobs by updated_at descending. When PageSize is set one extra row is
// fetched so the caller can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	sortColumn, ascending, err := sortFor(filter.Status)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE sender = ? AND status = ?`
	args := []any{filter.Sender, filter.Status}

	if filter.Cursor != nil {
		op := "<"
		if ascending {
			op = ">"
		}
		query += fmt.Sprintf(" AND (%s, id) %s (?, ?)", sortColumn, op)
		args = append(args, filter.Cursor.SortKey.UTC(), filter.Cursor.JobID)
	}

	if ascending {
		query += fmt.Sprintf(" ORDER BY %s ASC, id ASC", sortColumn)
	} else {
		query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", sortColumn)
	}

	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// SortKey returns the value ListJobs orders rows of the given status by
func SortKey(job *domain.Job) time.Time {
	switch job.Status {
	case domain.JobStatusSent:
		return job.SentAt.Time
	case domain.JobStatusFailed:
		return job.UpdatedAt
	default:
		return job.SendAt
	}
}

func sortFor(status string) (column string, ascending bool, err error) {
	switch status {
	case domain.JobStatusScheduled:
		return "send_at", true, nil
	case domain.JobStatusSent:
		return "sent_at", false, nil
	case domain.JobStatusFailed:
		return "updated_at", false, nil
	default:
		return "", false, fmt.Errorf("unknown job status: %q", status)
	}
}

// ListStaleJobs returns scheduled jobs that are overdue and not held by a live claim.
// These are jobs whose queue item was lost or never published. A job requeued after
// cutoff is left alone so a slow broker backlog does not collect duplicates.
func (s *Storage) ListStaleJobs(ctx context.Context, cutoff time.Time, leaseTTL time.Duration, limit int) ([]domain.Job, error) {
	query := s.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM email_jobs
		WHERE status = ?
		  AND send_at < ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
		  AND (requeued_at IS NULL OR requeued_at < ?)
		ORDER BY send_at ASC, id ASC
		LIMIT ?
	`)

	leaseCutoff := s.now().UTC().Add(-leaseTTL)
	cutoff = cutoff.UTC()

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusScheduled, cutoff, leaseCutoff, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return jobs, nil
}

// MarkJobRequeued stamps requeued_at on a scheduled job after the sweeper re-enqueues it
func (s *Storage) MarkJobRequeued(ctx context.Context, jobID string) error {
	now := s.now().UTC()

	query := s.db.Rebind(`
		UPDATE email_jobs
		SET requeued_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, now, now, jobID, domain.JobStatusScheduled); err != nil {
		return fmt.Errorf("failed to mark job requeued: %w", err)
	}

	return nil
}
