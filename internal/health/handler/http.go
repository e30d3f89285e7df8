package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Healthz serves GET /healthz from the same checks as the gRPC service.
func (s *Server) Healthz(c *gin.Context) {
	if !s.Ready(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_serving"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "serving"})
}
