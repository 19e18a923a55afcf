package router

import (
	"github.com/cuongbtq/campaign-mailer/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.SenderHeader))

	// Health check endpoint
	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	campaignHandler := handler.NewCampaignHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	api := r.Group("/api")
	api.Use(SenderMiddleware(deps.SenderHeader))
	{
		// POST /api/schedule/csv - Schedule a campaign from an uploaded recipient list
		api.POST("/schedule/csv", campaignHandler.ScheduleCSV)

		// GET /api/scheduled - Jobs waiting to be sent
		api.GET("/scheduled", jobHandler.ListScheduled)

		// GET /api/sent - Delivered jobs
		api.GET("/sent", jobHandler.ListSent)

		// GET /api/failed - Jobs the transport rejected
		api.GET("/failed", jobHandler.ListFailed)

		v1 := api.Group("/v1")
		{
			// POST /api/v1/campaigns - Schedule a campaign from a JSON recipient list
			v1.POST("/campaigns", campaignHandler.ScheduleJSON)

			// GET /api/v1/jobs/:job_id - Get job details
			v1.GET("/jobs/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
