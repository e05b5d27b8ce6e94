package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEstimate_TwoStepHeating(t *testing.T) {
	steps := []types.ChamberStep{{Temp: 50, Duration: 10}, {Temp: 80, Duration: 5}}

	got := Estimate(steps, 20)
	assert.Equal(t, int64(2_700_000), got.Milliseconds())
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []types.ChamberStep
		current float64
		want    time.Duration
	}{
		{"empty", nil, 20, 0},
		{"hold only", []types.ChamberStep{{Temp: 20, Duration: 3}}, 20, 3 * time.Minute},
		{"cooling prep", []types.ChamberStep{{Temp: 10, Duration: 0}}, 20, 10 * 120 * time.Second},
		{"heat then cool", []types.ChamberStep{{Temp: 30, Duration: 1}, {Temp: 25, Duration: 1}}, 20,
			10*30*time.Second + 2*time.Minute + 5*120*time.Second},
		{"fractional degrees", []types.ChamberStep{{Temp: 20.5, Duration: 0}}, 20, 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.steps, tt.current))
		})
	}
}

func TestEstimate_Monotonic(t *testing.T) {
	base := []types.ChamberStep{{Temp: 40, Duration: 5}, {Temp: 60, Duration: 5}}
	baseline := Estimate(base, 25)

	longer := []types.ChamberStep{{Temp: 40, Duration: 6}, {Temp: 60, Duration: 5}}
	assert.Greater(t, Estimate(longer, 25), baseline)

	appended := append(append([]types.ChamberStep{}, base...), types.ChamberStep{Temp: 60, Duration: 0})
	assert.GreaterOrEqual(t, Estimate(appended, 25), baseline)

	hotter := []types.ChamberStep{{Temp: 40, Duration: 5}, {Temp: 61, Duration: 5}}
	assert.Equal(t, baseline+HeatingCostPerDegree, Estimate(hotter, 25))

	colder := []types.ChamberStep{{Temp: 39, Duration: 5}, {Temp: 60, Duration: 5}}
	// one degree less heating to reach the first step, one more between steps
	assert.Equal(t, baseline, Estimate(colder, 25))

	cooler := Estimate([]types.ChamberStep{{Temp: 10, Duration: 0}}, 25)
	coolerStill := Estimate([]types.ChamberStep{{Temp: 9, Duration: 0}}, 25)
	assert.Equal(t, CoolingCostPerDegree, coolerStill-cooler)
}

func TestFormatRuntime(t *testing.T) {
	assert.Equal(t, "0m", FormatRuntime(0))
	assert.Equal(t, "45m", FormatRuntime(45*time.Minute+30*time.Second))
	assert.Equal(t, "1h 0m", FormatRuntime(time.Hour))
	assert.Equal(t, "2h 15m", FormatRuntime(2*time.Hour+15*time.Minute))
	assert.Equal(t, "3 tests | est. runtime: 45m", QueueLabel(3, 45*time.Minute))
}

func TestEstimator_TickStopsAtTotal(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))
	// 0.01 degree of heating = 300 ms = three ticks
	snap := e.Prime([]types.ChamberStep{{Temp: 20.01, Duration: 0}}, 20, 1)
	require.True(t, snap.Ticking)
	require.Equal(t, int64(300), snap.TotalEstimatedMS)

	for i := 0; i < 3; i++ {
		snap, _ = e.Tick()
	}
	assert.False(t, snap.Ticking)
	assert.Equal(t, int64(300), snap.ElapsedMS)
	assert.InDelta(t, 100.0, snap.Percent, 0.001)

	snap, changed := e.Tick()
	assert.False(t, changed)
	assert.Equal(t, int64(300), snap.ElapsedMS)
}

func TestEstimator_TickReportsPercentChanges(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))
	e.Prime([]types.ChamberStep{{Temp: 20, Duration: 1}}, 20, 1)

	_, changed := e.Tick()
	assert.True(t, changed, "first tick publishes")

	_, changed = e.Tick()
	assert.False(t, changed, "second tick stays within the same integer percent")
}

func TestEstimator_AdvanceSequenceAndStopwatch(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))
	e.Prime([]types.ChamberStep{{Temp: 20, Duration: 1}, {Temp: 20, Duration: 1}}, 20, 2)

	snap := e.AdvanceSequence()
	assert.Equal(t, 1, snap.CurrentSequenceIndex)
	e.AdvanceSequence()
	snap = e.AdvanceSequence()
	assert.Equal(t, 2, snap.CurrentSequenceIndex, "index never passes the step count")

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	e.startClock()

	clock = clock.Add(1500 * time.Millisecond)
	e.StopwatchTick()
	clock = clock.Add(500 * time.Millisecond)
	snap = e.StopwatchTick()
	assert.Equal(t, int64(2000), snap.ActualRuntimeMS)
	assert.Equal(t, int64(0), snap.ElapsedMS, "stopwatch is independent of the estimate")
	assert.Equal(t, "2 tests | est. runtime: 2m", snap.Label)
}

func TestEstimator_RuntimeIsWallClock(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))
	e.Prime([]types.ChamberStep{{Temp: 20, Duration: 60}}, 20, 1)

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	e.Start(context.Background(), nil)

	// no stopwatch tick fires in this window; the runtime still follows the clock
	mu.Lock()
	clock = clock.Add(42 * time.Minute)
	mu.Unlock()

	final := e.Stop()
	assert.Equal(t, (42 * time.Minute).Milliseconds(), final.ActualRuntimeMS)

	mu.Lock()
	clock = clock.Add(time.Hour)
	mu.Unlock()
	assert.Equal(t, final.ActualRuntimeMS, e.StopwatchTick().ActualRuntimeMS, "runtime is frozen after Stop")
}

func TestEstimator_StartStop(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))
	e.Prime([]types.ChamberStep{{Temp: 20, Duration: 1}}, 20, 1)

	published := make(chan State, 64)
	e.Start(context.Background(), func(s State) {
		select {
		case published <- s:
		default:
		}
	})
	e.Start(context.Background(), nil)

	select {
	case snap := <-published:
		assert.Greater(t, snap.ElapsedMS, int64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no progress published")
	}

	final := e.Stop()
	assert.False(t, final.Ticking)

	again := e.Stop()
	assert.Equal(t, final.ElapsedMS, again.ElapsedMS)
}
