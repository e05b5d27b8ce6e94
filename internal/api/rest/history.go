package rest

import (
	"net/http"
	"strconv"

	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GET /api/v1/ports
func (s *Server) listPorts(c *gin.Context) {
	ports, err := s.listSerialPorts()
	if err != nil {
		s.respondError(c, "PORTS", "Failed to enumerate serial ports", err)
		return
	}

	cfg := s.lm.Config()
	c.JSON(http.StatusOK, gin.H{
		"ports":         ports,
		"control_board": cfg.ControlBoard.Port,
		"test_board":    cfg.TestBoard.Port,
	})
}

// GET /api/v1/runs?limit=N
func (s *Server) listRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid limit", raw))
			return
		}
		limit = n
	}

	runs, err := s.lm.Runs().ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, "RUNS", "Failed to list runs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid run id", err.Error()))
		return
	}

	run, err := s.lm.Runs().GetRun(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, "RUNS", "Failed to get run", err)
		return
	}

	c.JSON(http.StatusOK, run)
}
