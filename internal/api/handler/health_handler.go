package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness of the service and its backing stores
type HealthHandler struct {
	logger  *slog.Logger
	service string
	checks  map[string]HealthChecker
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		service: deps.ServiceName,
		checks:  deps.HealthChecks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	components := gin.H{}
	for _, name := range names {
		if err := h.checks[name].HealthCheck(ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			components[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":     status,
		"service":    h.service,
		"components": components,
	})
}
