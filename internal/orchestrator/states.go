package orchestrator

import (
	"github.com/defliez/temperature-chamber/internal/progress"
	"github.com/defliez/temperature-chamber/internal/types"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseUploading Phase = "uploading"
	PhaseHeating   Phase = "heating"
	PhaseHolding   Phase = "holding"
	PhaseEmergency Phase = "emergency"
)

// Status is a read-only snapshot of the orchestrator.
type Status struct {
	Phase      Phase              `json:"phase"`
	RunID      string             `json:"run_id,omitempty"`
	Suite      string             `json:"suite,omitempty"`
	Names      []string           `json:"names"`
	TestNumber int                `json:"test_number"`
	StepIndex  int                `json:"step_index"`
	Target     float64            `json:"target"`
	Emergency  bool               `json:"emergency"`
	Override   bool               `json:"override"`
	Results    []types.TestResult `json:"results"`
	Progress   progress.State     `json:"progress"`
}
