package dto

import (
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
)

// TimeLayout is RFC 3339 with millisecond precision, readable by JavaScript Date
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ScheduleCampaignRequest is the JSON form of a campaign submission
type ScheduleCampaignRequest struct {
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	StartTime    string   `json:"startTime"`
	DelaySeconds int      `json:"delaySeconds"`
	HourlyLimit  int      `json:"hourlyLimit"`
	Recipients   []string `json:"recipients"`
}

// ScheduleCampaignResponse reports the outcome of a submission
type ScheduleCampaignResponse struct {
	Scheduled  int    `json:"scheduled"`
	CampaignID string `json:"campaignId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ListJobsRequest holds the optional paging parameters of the list endpoints
type ListJobsRequest struct {
	Limit  int    `form:"limit"`
	Cursor string `form:"cursor"`
}

// JobDTO is the public projection of a job
type JobDTO struct {
	ID         string  `json:"id"`
	CampaignID string  `json:"campaignId"`
	Email      string  `json:"email"`
	Subject    string  `json:"subject"`
	Body       string  `json:"body"`
	Status     string  `json:"status"`
	Sequence   int     `json:"sequence"`
	SendAt     string  `json:"sendAt"`
	SentAt     *string `json:"sentAt,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// FromJob projects a stored job
func FromJob(job *domain.Job) JobDTO {
	out := JobDTO{
		ID:         job.ID,
		CampaignID: job.CampaignID,
		Email:      job.Email,
		Subject:    job.Subject,
		Body:       job.Body,
		Status:     job.Status,
		Sequence:   job.Sequence,
		SendAt:     formatTime(job.SendAt),
		CreatedAt:  formatTime(job.CreatedAt),
	}

	if job.SentAt.Valid {
		sentAt := formatTime(job.SentAt.Time)
		out.SentAt = &sentAt
	}
	if job.Status == domain.JobStatusFailed && job.LastError.Valid {
		reason := job.LastError.String
		out.Error = &reason
	}

	return out
}

// FromJobs projects a page of jobs, never returning nil
func FromJobs(jobs []domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i := range jobs {
		out[i] = FromJob(&jobs[i])
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
