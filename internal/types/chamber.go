package types

import (
	"encoding/json"
	"strings"
	"time"
)

// MachineState is the chamber controller's safety state as reported in
// its heartbeat.
type MachineState int

const (
	MachineStateUnknown MachineState = iota
	MachineStateNormal
	MachineStateEmergencyStop
	MachineStateDisconnected
)

func (s MachineState) String() string {
	switch s {
	case MachineStateNormal:
		return "NORMAL"
	case MachineStateEmergencyStop:
		return "EMERGENCY_STOP"
	case MachineStateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

func (s MachineState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseMachineState accepts the firmware spellings seen in the field
// ("EMERGENCY_STOP", "emergency stop", "Normal").
func ParseMachineState(raw string) MachineState {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)

	switch normalized {
	case "NORMAL", "OK", "RUNNING", "IDLE":
		return MachineStateNormal
	case "EMERGENCY_STOP", "EMERGENCY", "ESTOP", "E_STOP":
		return MachineStateEmergencyStop
	case "DISCONNECTED":
		return MachineStateDisconnected
	default:
		return MachineStateUnknown
	}
}

// ChamberStatus is one parsed heartbeat.
type ChamberStatus struct {
	Timestamp    time.Time    `json:"timestamp"`
	CurrentTemp  float64      `json:"current_temp"`
	HasCurrent   bool         `json:"has_current"`
	DesiredTemp  float64      `json:"desired_temp"`
	HasDesired   bool         `json:"has_desired"`
	Heater       bool         `json:"heater"`
	Cooler       bool         `json:"cooler"`
	MachineState MachineState `json:"machine_state"`
	Raw          string       `json:"raw,omitempty"`
}
