package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/types"
	"go.uber.org/zap"
)

const (
	// Per-degree cost of moving the chamber. Cooling is slower than heating
	// on this hardware.
	HeatingCostPerDegree = 30 * time.Second
	CoolingCostPerDegree = 120 * time.Second

	TickInterval      = 100 * time.Millisecond
	StopwatchInterval = time.Second
)

// State is a read-only snapshot of run progress.
type State struct {
	ElapsedMS            int64   `json:"elapsed_ms"`
	TotalEstimatedMS     int64   `json:"total_estimated_ms"`
	CurrentSequenceIndex int     `json:"current_sequence_index"`
	SequenceCount        int     `json:"sequence_count"`
	ActualRuntimeMS      int64   `json:"actual_runtime_ms"`
	Percent              float64 `json:"percent"`
	Ticking              bool    `json:"ticking"`
	Label                string  `json:"label"`
}

// TransitionCost is the estimated time to move the chamber between two
// temperatures.
func TransitionCost(from, to float64) time.Duration {
	delta := to - from
	if delta >= 0 {
		return time.Duration(delta * float64(HeatingCostPerDegree))
	}
	return time.Duration(-delta * float64(CoolingCostPerDegree))
}

// Estimate returns the expected runtime of steps starting from currentTemp:
// all hold durations, the preparation move to the first target and every
// move between adjacent targets.
func Estimate(steps []types.ChamberStep, currentTemp float64) time.Duration {
	if len(steps) == 0 {
		return 0
	}

	total := TransitionCost(currentTemp, steps[0].Temp)
	for i, step := range steps {
		total += time.Duration(step.Duration) * time.Minute
		if i > 0 {
			total += TransitionCost(steps[i-1].Temp, step.Temp)
		}
	}
	return total
}

// FormatRuntime renders a duration as "Xh Ym", or "Ym" below one hour.
func FormatRuntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// QueueLabel is the one-line queue summary shown next to the progress bar.
func QueueLabel(testCount int, estimate time.Duration) string {
	return fmt.Sprintf("%d tests | est. runtime: %s", testCount, FormatRuntime(estimate))
}

// Estimator owns ProgressState. Only its own methods and tick goroutines
// mutate it; everyone else reads snapshots.
type Estimator struct {
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	total      time.Duration
	elapsed    time.Duration
	actual     time.Duration
	started    time.Time
	seqIndex   int
	seqCount   int
	testCount  int
	ticking    bool
	lastPublic int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewEstimator(logger *zap.Logger) *Estimator {
	return &Estimator{logger: logger, now: time.Now}
}

// Prime resets progress for a new queue.
func (e *Estimator) Prime(steps []types.ChamberStep, currentTemp float64, testCount int) State {
	total := Estimate(steps, currentTemp)

	e.mu.Lock()
	e.total = total
	e.elapsed = 0
	e.actual = 0
	e.started = time.Time{}
	e.seqIndex = 0
	e.seqCount = len(steps)
	e.testCount = testCount
	e.ticking = total > 0
	e.lastPublic = -1
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("Progress estimator primed",
		zap.Int("steps", len(steps)),
		zap.Float64("current_temp", currentTemp),
		zap.Duration("estimate", total))

	return snap
}

// Tick advances elapsed time by one tick interval. It reports whether the
// integer percentage changed. Ticking stops once elapsed reaches total.
func (e *Estimator) Tick() (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ticking {
		return e.snapshotLocked(), false
	}

	e.elapsed += TickInterval
	if e.elapsed >= e.total {
		e.elapsed = e.total
		e.ticking = false
	}

	snap := e.snapshotLocked()
	changed := int(snap.Percent) != e.lastPublic
	e.lastPublic = int(snap.Percent)
	return snap, changed
}

// StopwatchTick refreshes the wall-clock runtime measured since Start.
func (e *Estimator) StopwatchTick() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.measureLocked()
	return e.snapshotLocked()
}

func (e *Estimator) startClock() {
	e.mu.Lock()
	e.started = e.now()
	e.actual = 0
	e.mu.Unlock()
}

func (e *Estimator) measureLocked() {
	if !e.started.IsZero() {
		e.actual = e.now().Sub(e.started)
	}
}

// AdvanceSequence moves to the next step's progress bar.
func (e *Estimator) AdvanceSequence() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seqIndex < e.seqCount {
		e.seqIndex++
	}
	return e.snapshotLocked()
}

func (e *Estimator) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Estimator) snapshotLocked() State {
	percent := 100.0
	if e.total > 0 {
		percent = float64(e.elapsed) / float64(e.total) * 100
	}
	return State{
		ElapsedMS:            e.elapsed.Milliseconds(),
		TotalEstimatedMS:     e.total.Milliseconds(),
		CurrentSequenceIndex: e.seqIndex,
		SequenceCount:        e.seqCount,
		ActualRuntimeMS:      e.actual.Milliseconds(),
		Percent:              percent,
		Ticking:              e.ticking,
		Label:                QueueLabel(e.testCount, e.total),
	}
}

// Start runs the 100 ms progress ticker and the 1 Hz stopwatch until Stop.
// publish receives a snapshot whenever the percentage moves and once per
// stopwatch second.
func (e *Estimator) Start(ctx context.Context, publish func(State)) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.startClock()

	e.wg.Add(2)
	go e.tickLoop(runCtx, publish)
	go e.stopwatchLoop(runCtx, publish)
}

// Stop halts both timers and returns the final snapshot. Calling Stop on a
// stopped estimator is a no-op.
func (e *Estimator) Stop() State {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return e.Snapshot()
	}
	e.running = false
	cancel := e.cancel
	e.runMu.Unlock()

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.ticking = false
	e.measureLocked()
	e.started = time.Time{}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("Stopwatch stopped",
		zap.Int64("actual_runtime_ms", snap.ActualRuntimeMS),
		zap.Int64("estimated_ms", snap.TotalEstimatedMS))

	return snap
}

func (e *Estimator) tickLoop(ctx context.Context, publish func(State)) {
	defer e.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, changed := e.Tick()
			if changed && publish != nil {
				publish(snap)
			}
			if !snap.Ticking {
				return
			}
		}
	}
}

func (e *Estimator) stopwatchLoop(ctx context.Context, publish func(State)) {
	defer e.wg.Done()

	ticker := time.NewTicker(StopwatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.StopwatchTick()
			if publish != nil {
				publish(snap)
			}
		}
	}
}
