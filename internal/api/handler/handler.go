package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/scheduler"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/gin-gonic/gin"
)

// SenderKey is the gin context key holding the authenticated sender
const SenderKey = "sender"

// CampaignScheduler turns submissions into scheduled jobs
type CampaignScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// JobReader is the read side of the job store
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	ServiceName    string
	Scheduler      CampaignScheduler
	Storage        JobReader
	HealthChecks   map[string]HealthChecker
	SenderHeader   string
	MaxUploadBytes int64
	MaxPageSize    int
}

// senderFrom returns the sender set by the auth middleware
func senderFrom(c *gin.Context) string {
	return c.GetString(SenderKey)
}
