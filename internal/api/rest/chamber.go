package rest

import (
	"fmt"
	"net/http"

	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/chamber"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChamberCommandRequest struct {
	Command string   `json:"command" binding:"required,oneof=set_temp emergency_stop show_data"`
	Value   *float64 `json:"value"`
}

// POST /api/v1/chamber/command
func (s *Server) chamberCommand(c *gin.Context) {
	var req ChamberCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHAMBER_400", "Invalid request body", err.Error()))
		return
	}

	ctrl := s.lm.Chamber()
	var (
		sent string
		err  error
	)

	switch req.Command {
	case "set_temp":
		if req.Value == nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHAMBER_400", "set_temp requires a value", nil))
			return
		}
		if ceiling := s.lm.Config().Chamber.MaxTemp; ceiling > 0 && *req.Value > ceiling {
			c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("CHAMBER_422",
				"Target above the temperature ceiling", fmt.Sprintf("%.1f C > %.1f C", *req.Value, ceiling)))
			return
		}
		sent = chamber.SetTempCommand(*req.Value)
		err = ctrl.SetTemperature(*req.Value)
	case "emergency_stop":
		sent = chamber.CommandEmergencyStop
		err = ctrl.EmergencyStop()
	case "show_data":
		sent = chamber.CommandShowData
		err = ctrl.ShowData()
	}

	if err != nil {
		s.respondError(c, "CHAMBER", "Chamber command failed", err)
		return
	}

	s.logger.Info("Manual chamber command",
		zap.String("command", sent),
		zap.String("operator", auth.Username(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": sent,
	})
}

// POST /api/v1/chamber/connect
func (s *Server) chamberConnect(c *gin.Context) {
	if err := s.lm.RestartChamber(c.Request.Context()); err != nil {
		s.respondError(c, "CHAMBER", "Failed to connect to control board", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Control board connected",
		"state":   s.lm.Chamber().State().String(),
	})
}

// POST /api/v1/testboard/connect
func (s *Server) testBoardConnect(c *gin.Context) {
	board := c.Query("board")
	if err := s.lm.RestartTestBoard(c.Request.Context(), board); err != nil {
		s.respondError(c, "TESTBOARD", "Failed to connect to test board", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test board reader restarted", "board": board})
}
