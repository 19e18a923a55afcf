package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/campaign-mailer/internal/api/dto"
	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// NextCursorHeader carries the cursor of the following page
const NextCursorHeader = "X-Next-Cursor"

// JobHandler serves the read side of the job store
type JobHandler struct {
	logger      *slog.Logger
	storage     JobReader
	maxPageSize int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxPage := deps.MaxPageSize
	if maxPage <= 0 {
		maxPage = 500
	}

	return &JobHandler{
		logger:      deps.Logger,
		storage:     deps.Storage,
		maxPageSize: maxPage,
	}
}

// ListScheduled handles GET /api/scheduled
// Jobs still waiting to be sent, earliest send time first
func (h *JobHandler) ListScheduled(c *gin.Context) {
	h.list(c, domain.JobStatusScheduled)
}

// ListSent handles GET /api/sent
// Delivered jobs, most recent first
func (h *JobHandler) ListSent(c *gin.Context) {
	h.list(c, domain.JobStatusSent)
}

// ListFailed handles GET /api/failed
func (h *JobHandler) ListFailed(c *gin.Context) {
	h.list(c, domain.JobStatusFailed)
}

func (h *JobHandler) list(c *gin.Context, status string) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit < 0 || req.Limit > h.maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "limit is out of range",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		Sender:   senderFrom(c),
		Status:   status,
		PageSize: req.Limit,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs",
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// one extra row signals another page
	if req.Limit > 0 && len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
		last := jobs[len(jobs)-1]
		c.Header(NextCursorHeader, EncodeJobCursor(&storage.JobCursor{
			SortKey: storage.SortKey(&last),
			JobID:   last.ID,
		}))
	}

	c.JSON(http.StatusOK, dto.FromJobs(jobs))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Only the sender that owns the job can see it
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if job.Sender != senderFrom(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}
