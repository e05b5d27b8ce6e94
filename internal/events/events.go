// Package events carries typed notifications from the station workers to
// the orchestrator and the presentation layer.
package events

import "time"

type Type string

const (
	// chamber control board
	TypeChamberStatus       Type = "chamber_status"
	TypeChamberRaw          Type = "chamber_raw"
	TypeChamberDisconnected Type = "chamber_disconnected"
	TypeEmergencyStop       Type = "emergency_stop"
	TypeEmergencyCleared    Type = "emergency_cleared"

	// test board
	TypeBoardLine      Type = "board_line"
	TypeBoardHeartbeat Type = "board_heartbeat"

	// firmware upload
	TypeUploadStarted  Type = "upload_started"
	TypeUploadOutput   Type = "upload_output"
	TypeUploadFinished Type = "upload_finished"

	// run
	TypeQueue           Type = "queue"
	TypeRunStarted      Type = "run_started"
	TypeSequenceAdvance Type = "sequence_advance"
	TypeTestResult      Type = "test_result"
	TypeRunComplete     Type = "run_complete"
	TypeRunInterrupted  Type = "run_interrupted"
	TypeProgress        Type = "progress"

	// shared
	TypeAlert       Type = "alert"
	TypeWorkerState Type = "worker_state"
)

// Event is one notification. Data holds the payload struct for Type.
type Event struct {
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func New(t Type, source string, data any) Event {
	return Event{
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Publisher accepts events. Publish never blocks.
type Publisher interface {
	Publish(ev Event)
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert codes the presentation layer may key dialogs on.
const (
	AlertCheckCable          = "check_cable"
	AlertChamberSilent       = "chamber_silent"
	AlertChamberConnection   = "chamber_connection"
	AlertEmergencyStop       = "emergency_stop"
	AlertBoardDisconnected   = "board_disconnected"
	AlertBoardConnection     = "board_connection"
	AlertUploadFailed        = "upload_failed"
	AlertTemperatureGap      = "temperature_gap"
	AlertPatternInvalid      = "pattern_invalid"
	AlertChamberCommand      = "chamber_command"
	AlertTemperatureOverride = "temperature_override"
)

type Alert struct {
	Level   AlertLevel `json:"level"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

type WorkerState struct {
	Worker   string `json:"worker"`
	State    string `json:"state"`
	Previous string `json:"previous"`
}

// LineClassification is one test board line checked against the expected
// output of the test that was current when it arrived. Board is empty for
// the main test board.
type LineClassification struct {
	Board         string `json:"board,omitempty"`
	TestIndex     int    `json:"test_index"`
	TestName      string `json:"test_name,omitempty"`
	Line          string `json:"line"`
	Kind          string `json:"kind"`
	Matched       bool   `json:"matched"`
	Deterministic string `json:"deterministic"`
	Captured      string `json:"captured,omitempty"`
	Expected      string `json:"expected"`
	Stamp         string `json:"stamp"`
}

type BoardHeartbeat struct {
	Port string `json:"port"`
}

type UploadStarted struct {
	Board     string `json:"board,omitempty"`
	UploadID  string `json:"upload_id"`
	TestIndex int    `json:"test_index"`
	Sketch    string `json:"sketch"`
	Port      string `json:"port"`
}

type UploadOutput struct {
	UploadID string `json:"upload_id"`
	Line     string `json:"line"`
}

type UploadFinished struct {
	Board       string        `json:"board,omitempty"`
	UploadID    string        `json:"upload_id"`
	TestIndex   int           `json:"test_index"`
	Sketch      string        `json:"sketch"`
	Success     bool          `json:"success"`
	ExitCode    int           `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

type Queue struct {
	Suite      string   `json:"suite"`
	Names      []string `json:"names"`
	TestNumber int      `json:"test_number"`
	Label      string   `json:"label"`
}

type RunStarted struct {
	RunID       string `json:"run_id"`
	Suite       string `json:"suite"`
	Tests       int    `json:"tests"`
	EstimatedMS int64  `json:"estimated_ms"`
	Override    bool   `json:"override"`
}

type SequenceAdvance struct {
	TestIndex     int     `json:"test_index"`
	StepIndex     int     `json:"step_index"`
	SequenceIndex int     `json:"sequence_index"`
	Target        float64 `json:"target"`
}

type RunSummary struct {
	RunID       string `json:"run_id"`
	Suite       string `json:"suite"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ActualMS    int64  `json:"actual_ms"`
	EstimatedMS int64  `json:"estimated_ms"`
	Runtime     string `json:"runtime"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Message     string `json:"message"`
}
