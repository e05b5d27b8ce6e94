package types

import "fmt"

// WorkerState is the lifecycle of a serial worker. Only the owning worker
// mutates it.
type WorkerState int

const (
	WorkerStopped WorkerState = iota
	WorkerConnecting
	WorkerRunning
	WorkerStopping
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "STOPPED"
	case WorkerConnecting:
		return "CONNECTING"
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

var workerTransitions = map[WorkerState][]WorkerState{
	WorkerStopped:    {WorkerConnecting},
	WorkerConnecting: {WorkerRunning, WorkerStopped},
	WorkerRunning:    {WorkerStopping},
	WorkerStopping:   {WorkerStopped},
}

// CanTransitionTo reports whether the lifecycle permits from -> to.
func (s WorkerState) CanTransitionTo(to WorkerState) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func ValidateWorkerTransition(from, to WorkerState) error {
	if _, exists := workerTransitions[from]; !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}
