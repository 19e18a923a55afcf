package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// DefaultSenderHeader is set by the authenticating proxy in front of the API
const DefaultSenderHeader = "X-Authenticated-Email"

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)

		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("sender", c.GetString(handler.SenderKey)),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Log errors if any
		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// SenderMiddleware reads the authenticated sender from a trusted header.
// Requests without one are rejected.
func SenderMiddleware(header string) gin.HandlerFunc {
	if header == "" {
		header = DefaultSenderHeader
	}

	return func(c *gin.Context) {
		sender := strings.TrimSpace(c.GetHeader(header))
		if sender == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		c.Set(handler.SenderKey, sender)
		c.Next()
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware(senderHeader string) gin.HandlerFunc {
	if senderHeader == "" {
		senderHeader = DefaultSenderHeader
	}
	allowHeaders := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, " + senderHeader

	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", handler.NextCursorHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
