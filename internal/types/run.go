package types

import (
	"time"

	"github.com/google/uuid"
)

type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictAborted Verdict = "aborted"
)

type RunStatus string

const (
	RunComplete    RunStatus = "complete"
	RunInterrupted RunStatus = "interrupted"
	RunEmergency   RunStatus = "emergency"
)

// TestResult is the outcome of one queued test.
type TestResult struct {
	Index         int      `json:"index"`
	Name          string   `json:"name"`
	Verdict       Verdict  `json:"verdict"`
	Reason        string   `json:"reason,omitempty"`
	Matches       int      `json:"matches"`
	Mismatches    int      `json:"mismatches"`
	UploadFailed  bool     `json:"upload_failed,omitempty"`
	MismatchLines []string `json:"mismatch_lines,omitempty"`
}

// RunRecord is the persisted summary of one queue execution.
type RunRecord struct {
	ID          uuid.UUID    `json:"id"`
	Suite       string       `json:"suite"`
	Status      RunStatus    `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	Override    bool         `json:"override"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	EstimatedMS int64        `json:"estimated_ms"`
	ActualMS    int64        `json:"actual_ms"`
	Results     []TestResult `json:"results"`
}
