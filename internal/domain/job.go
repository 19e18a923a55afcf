package domain

import (
	"database/sql"
	"time"
)

// Job is the persisted delivery unit for one (campaign, recipient) pair
type Job struct {
	ID         string         `db:"id"`
	CampaignID string         `db:"campaign_id"`
	Email      string         `db:"email"`
	Subject    string         `db:"subject"`
	Body       string         `db:"body"`
	Sender     string         `db:"sender"`
	SendAt     time.Time      `db:"send_at"`
	Sequence   int            `db:"sequence"`
	Status     string         `db:"status"`
	ClaimedBy  sql.NullString `db:"claimed_by"`
	ClaimedAt  sql.NullTime   `db:"claimed_at"`
	RequeuedAt sql.NullTime   `db:"requeued_at"`
	LastError  sql.NullString `db:"last_error"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	SentAt     sql.NullTime   `db:"sent_at"`
}

// QueueItem is the work item carried by the delay queue
type QueueItem struct {
	JobID  string `json:"job_id"`
	Sender string `json:"sender"`
}

