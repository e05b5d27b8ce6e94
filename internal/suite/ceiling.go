package suite

import (
	"fmt"
	"strings"

	"github.com/defliez/temperature-chamber/internal/types"
)

// Violation is a step whose target exceeds the ceiling.
type Violation struct {
	Test string  `json:"test"`
	Step int     `json:"step"`
	Temp float64 `json:"temp"`
}

// CeilingError lists every offending step. It unwraps to
// ErrTemperatureCeiling.
type CeilingError struct {
	Max        float64
	Violations []Violation
}

func (e *CeilingError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s step %d (%.1f C)", v.Test, v.Step+1, v.Temp)
	}
	return fmt.Sprintf("%v: max %.1f C: %s", ErrTemperatureCeiling, e.Max, strings.Join(parts, ", "))
}

func (e *CeilingError) Unwrap() error {
	return ErrTemperatureCeiling
}

// CheckCeiling returns a *CeilingError if any step targets more than limit.
// A non-positive limit disables the check.
func CheckCeiling(suite *types.TestSuite, limit float64) error {
	if limit <= 0 || suite == nil {
		return nil
	}

	var violations []Violation
	for _, name := range suite.Names {
		for i, step := range suite.Tests[name].ChamberSequences {
			if step.Temp > limit {
				violations = append(violations, Violation{Test: name, Step: i, Temp: step.Temp})
			}
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &CeilingError{Max: limit, Violations: violations}
}
