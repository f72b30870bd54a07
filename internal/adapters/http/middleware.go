package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per handled request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := logger.Info()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.
			Str("remote_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("uri", c.Request.RequestURI).
			Str("user_agent", c.Request.UserAgent()).
			Int("status", status).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("Handled request")
	}
}

// NewRouter builds the API engine with logging, recovery and the health
// probe installed.
func NewRouter(h *DeploymentHandler, service string, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(logger), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	})

	h.RegisterRoutes(router.Group("/api/v1"))
	return router
}
