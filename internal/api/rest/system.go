package rest

import (
	"context"
	"net/http"

	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	s.logger.Warn("Shutdown requested", zap.String("operator", auth.Username(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// the request context ends with this handler
	go func() {
		if err := s.lm.Shutdown(context.Background()); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}
