package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/suite"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type LoadSuiteRequest struct {
	Name     string          `json:"name"`
	Suite    json.RawMessage `json:"suite" binding:"required"`
	Override bool            `json:"override"`
}

type LoadSuiteFileRequest struct {
	Path     string `json:"path" binding:"required"`
	Override bool   `json:"override"`
}

// GET /api/v1/suites
func (s *Server) listSuites(c *gin.Context) {
	entries, err := s.lm.Suites().List()
	if err != nil {
		s.respondError(c, "SUITE", "Failed to list test suites", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"directory": s.lm.Suites().Dir(),
		"suites":    entries,
	})
}

// POST /api/v1/suite
func (s *Server) loadSuite(c *gin.Context) {
	var req LoadSuiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SUITE_400", "Invalid request body", err.Error()))
		return
	}

	name := req.Name
	if name == "" {
		name = "uploaded"
	}

	loader := s.lm.Suites()
	parsed, err := loader.Parse(name, req.Suite, suite.FormatJSON, loader.Dir())
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SUITE_400", "Invalid test suite", err.Error()))
		return
	}

	s.queueSuite(c, parsed, req.Override)
}

// POST /api/v1/suite/file
func (s *Server) loadSuiteFile(c *gin.Context) {
	var req LoadSuiteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SUITE_400", "Invalid request body", err.Error()))
		return
	}

	parsed, err := s.lm.Suites().LoadFile(req.Path)
	if err != nil {
		if isLookupError(err) {
			s.respondError(c, "SUITE", "Failed to load test suite", err)
			return
		}
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SUITE_400", "Invalid test suite", err.Error()))
		return
	}

	s.queueSuite(c, parsed, req.Override)
}

func (s *Server) queueSuite(c *gin.Context, parsed *types.TestSuite, override bool) {
	if err := s.lm.Orchestrator().LoadSuite(parsed, override); err != nil {
		s.respondError(c, "SUITE", "Failed to queue test suite", err)
		return
	}

	s.logger.Info("Test suite queued",
		zap.String("suite", parsed.Name),
		zap.Int("tests", parsed.Len()),
		zap.Bool("override", override),
		zap.String("operator", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{
		"message":  "Test suite queued",
		"suite":    parsed.Name,
		"tests":    parsed.Names,
		"override": override,
	})
}

// isLookupError reports errors about finding the file rather than its
// content.
func isLookupError(err error) bool {
	return errors.Is(err, suite.ErrOutsideDirectory) || errors.Is(err, os.ErrNotExist)
}

// POST /api/v1/run/start
func (s *Server) startRun(c *gin.Context) {
	if err := s.lm.Orchestrator().StartRun(); err != nil {
		s.respondError(c, "RUN", "Failed to start run", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"status":  s.lm.Orchestrator().Status(),
	})
}

// POST /api/v1/run/interrupt
func (s *Server) interruptRun(c *gin.Context) {
	if err := s.lm.Orchestrator().Interrupt(); err != nil {
		s.respondError(c, "RUN", "Failed to interrupt run", err)
		return
	}

	s.logger.Info("Run interrupted by operator", zap.String("operator", auth.Username(c)))
	c.JSON(http.StatusOK, gin.H{"message": "Run interrupted"})
}

// POST /api/v1/queue/clear
func (s *Server) clearQueue(c *gin.Context) {
	if err := s.lm.Orchestrator().Clear(); err != nil {
		s.respondError(c, "QUEUE", "Failed to clear queue", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Queue cleared"})
}

// POST /api/v1/reset
func (s *Server) resetStation(c *gin.Context) {
	if err := s.lm.Orchestrator().Reset(); err != nil {
		s.respondError(c, "RESET", "Failed to reset control board", err)
		return
	}

	s.logger.Info("Emergency stop acknowledged", zap.String("operator", auth.Username(c)))
	c.JSON(http.StatusOK, gin.H{"message": "Control board reset"})
}
