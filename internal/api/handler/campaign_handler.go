package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuongbtq/campaign-mailer/internal/api/dto"
	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/scheduler"
	"github.com/gin-gonic/gin"
)

// CampaignHandler handles campaign submissions
type CampaignHandler struct {
	logger         *slog.Logger
	scheduler      CampaignScheduler
	maxUploadBytes int64
}

// NewCampaignHandler creates a new CampaignHandler instance
func NewCampaignHandler(deps *Dependencies) *CampaignHandler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 5 << 20
	}

	return &CampaignHandler{
		logger:         deps.Logger,
		scheduler:      deps.Scheduler,
		maxUploadBytes: maxUpload,
	}
}

// ScheduleCSV handles POST /api/schedule/csv
// Multipart form: file (first column = recipient), subject, body, startTime, delaySeconds, hourlyLimit
func (h *CampaignHandler) ScheduleCSV(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ScheduleCampaignResponse{
				Error: "upload exceeds the maximum size",
			})
			return
		}
		h.logger.Warn("Recipient file missing", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{
			Error: "file is required",
		})
		return
	}

	delaySeconds, err := parseIntField(c.PostForm("delaySeconds"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: "delaySeconds must be an integer"})
		return
	}
	hourlyLimit, err := parseIntField(c.PostForm("hourlyLimit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: "hourlyLimit must be an integer"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: "could not read uploaded file"})
		return
	}
	defer file.Close()

	recipients, err := ParseRecipientsCSV(file)
	if err != nil {
		h.logger.Warn("Invalid recipient file",
			slog.String("filename", fileHeader.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: err.Error()})
		return
	}

	h.schedule(c, scheduler.Request{
		Sender:       senderFrom(c),
		Subject:      c.PostForm("subject"),
		Body:         c.PostForm("body"),
		StartTime:    c.PostForm("startTime"),
		DelaySeconds: delaySeconds,
		HourlyLimit:  hourlyLimit,
		Recipients:   recipients,
	})
}

// ScheduleJSON handles POST /api/v1/campaigns
func (h *CampaignHandler) ScheduleJSON(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	var req dto.ScheduleCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: "Invalid request body"})
		return
	}

	recipients, err := NormalizeRecipients(req.Recipients)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ScheduleCampaignResponse{Error: err.Error()})
		return
	}

	h.schedule(c, scheduler.Request{
		Sender:       senderFrom(c),
		Subject:      req.Subject,
		Body:         req.Body,
		StartTime:    req.StartTime,
		DelaySeconds: req.DelaySeconds,
		HourlyLimit:  req.HourlyLimit,
		Recipients:   recipients,
	})
}

func (h *CampaignHandler) schedule(c *gin.Context, req scheduler.Request) {
	result, err := h.scheduler.Schedule(c.Request.Context(), req)
	if err != nil {
		resp := dto.ScheduleCampaignResponse{
			Scheduled:  result.Scheduled,
			CampaignID: result.CampaignID,
			Error:      err.Error(),
		}

		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, resp)
		default:
			h.logger.Error("Campaign scheduling failed",
				slog.String("sender", req.Sender),
				slog.Int("scheduled", result.Scheduled),
				slog.String("error", err.Error()),
			)
			resp.Error = "Failed to schedule campaign"
			c.JSON(http.StatusInternalServerError, resp)
		}
		return
	}

	c.JSON(http.StatusOK, dto.ScheduleCampaignResponse{
		Scheduled:  result.Scheduled,
		CampaignID: result.CampaignID,
	})
}

// parseIntField reads an optional integer form field; empty means 0
func parseIntField(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
