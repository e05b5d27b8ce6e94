package rest

import (
	"errors"
	"net/http"
	"os"

	"github.com/defliez/temperature-chamber/internal/chamber"
	"github.com/defliez/temperature-chamber/internal/interfaces"
	"github.com/defliez/temperature-chamber/internal/orchestrator"
	"github.com/defliez/temperature-chamber/internal/storage"
	"github.com/defliez/temperature-chamber/internal/suite"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/defliez/temperature-chamber/internal/upload"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps station errors to HTTP responses. prefix names the
// resource in the error code, e.g. RUN_409.
func (s *Server) respondError(c *gin.Context, prefix, message string, err error) {
	var ceiling *suite.CeilingError

	switch {
	case errors.As(err, &ceiling):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(prefix+"_422", message, gin.H{
			"max_temp":   ceiling.Max,
			"violations": ceiling.Violations,
		}))

	case errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrNoSuite),
		errors.Is(err, orchestrator.ErrEmergency),
		errors.Is(err, upload.ErrBusy):
		c.JSON(http.StatusConflict, types.NewErrorResponse(prefix+"_409", message, err.Error()))

	case errors.Is(err, orchestrator.ErrStopped),
		errors.Is(err, orchestrator.ErrNotConnected),
		errors.Is(err, chamber.ErrNotRunning),
		errors.Is(err, chamber.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(prefix+"_503", message, err.Error()))

	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, interfaces.ErrUnknownBoard):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(prefix+"_404", message, err.Error()))

	case errors.Is(err, suite.ErrOutsideDirectory):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(prefix+"_400", message, err.Error()))

	default:
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(prefix+"_500", message, err.Error()))
	}
}
