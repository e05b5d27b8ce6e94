package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to WorkerState
		want     bool
	}{
		{WorkerStopped, WorkerConnecting, true},
		{WorkerConnecting, WorkerRunning, true},
		{WorkerConnecting, WorkerStopped, true},
		{WorkerRunning, WorkerStopping, true},
		{WorkerStopping, WorkerStopped, true},
		{WorkerStopped, WorkerRunning, false},
		{WorkerRunning, WorkerStopped, false},
		{WorkerStopping, WorkerRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
			err := ValidateWorkerTransition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseMachineState(t *testing.T) {
	tests := map[string]MachineState{
		"NORMAL":         MachineStateNormal,
		"normal":         MachineStateNormal,
		"EMERGENCY_STOP": MachineStateEmergencyStop,
		"Emergency Stop": MachineStateEmergencyStop,
		"DISCONNECTED":   MachineStateDisconnected,
		"gibberish":      MachineStateUnknown,
		"":               MachineStateUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseMachineState(raw), raw)
	}
}

func TestMachineState_MarshalJSON(t *testing.T) {
	data, err := MachineStateEmergencyStop.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"EMERGENCY_STOP"`, string(data))
}

func TestTestSuite_KeepsInsertionOrder(t *testing.T) {
	s := NewTestSuite("demo")
	s.Add("zeta", TestDefinition{ChamberSequences: []ChamberStep{{Temp: 30, Duration: 1}}})
	s.Add("alpha", TestDefinition{ChamberSequences: []ChamberStep{{Temp: 40, Duration: 2}, {Temp: 50, Duration: 3}}})
	s.Add("zeta", TestDefinition{ExpectedOutput: "replaced"})

	require.Equal(t, 2, s.Len())
	name, def, ok := s.At(0)
	require.True(t, ok)
	assert.Equal(t, "zeta", name)
	assert.Equal(t, "replaced", def.ExpectedOutput)

	_, _, ok = s.At(2)
	assert.False(t, ok)

	assert.Equal(t, []ChamberStep{{Temp: 40, Duration: 2}, {Temp: 50, Duration: 3}}, s.Steps())
}

func TestTestSuite_NilIsEmpty(t *testing.T) {
	var s *TestSuite
	assert.Equal(t, 0, s.Len())
	_, _, ok := s.At(0)
	assert.False(t, ok)
	assert.Nil(t, s.Steps())
}
