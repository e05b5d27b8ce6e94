package chamber

import (
	"errors"
	"fmt"

	"github.com/defliez/temperature-chamber/internal/types"
)

// Commands understood by the control board firmware.
const (
	CommandShowData      = "SHOW DATA"
	CommandEmergencyStop = "EMERGENCY STOP"
	CommandReset         = "RESET"
)

var (
	ErrNotRunning = errors.New("control board worker not running")
	ErrQueueFull  = errors.New("control board command queue full")
)

// SetTempCommand formats a target temperature command.
func SetTempCommand(temp float64) string {
	return fmt.Sprintf("SET TEMP %.2f", temp)
}

// SetTemperature asks the chamber to move to temp.
func (w *Worker) SetTemperature(temp float64) error {
	return w.enqueue(SetTempCommand(temp))
}

// EmergencyStop asks the chamber firmware to latch its emergency stop.
func (w *Worker) EmergencyStop() error {
	return w.enqueue(CommandEmergencyStop)
}

// ShowData requests an immediate heartbeat.
func (w *Worker) ShowData() error {
	return w.enqueue(CommandShowData)
}

// Reset asks the control board to clear its queue and emergency latch.
func (w *Worker) Reset() error {
	return w.enqueue(CommandReset)
}

func (w *Worker) enqueue(cmd string) error {
	if w.State() != types.WorkerRunning {
		return fmt.Errorf("%s: %w", cmd, ErrNotRunning)
	}

	select {
	case w.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%s: %w", cmd, ErrQueueFull)
	}
}
