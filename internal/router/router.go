package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwalitptl/broadcast-api/internal/handler/status"
)

// New builds the operational HTTP surface: health probes, metrics and the
// read-only delivery status endpoint.
func New(statusHandler *status.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health/live", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/notifications/:id/status", statusHandler.GetStatus)
	}

	return r
}
