// Package orchestrator sequences a queue of tests across the chamber,
// upload and test board workers. A single loop goroutine owns all run
// state; commands and worker events are serialized through it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/progress"
	"github.com/defliez/temperature-chamber/internal/suite"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/defliez/temperature-chamber/internal/upload"
	"go.uber.org/zap"
)

const source = "orchestrator"

var (
	ErrRunActive = errors.New("a test run is already active")
	ErrNoSuite   = errors.New("no test suite loaded")
	ErrEmergency = errors.New("chamber is in emergency stop")
	ErrStopped   = errors.New("orchestrator is not running")
	// ErrNotConnected means the control board worker is not running.
	ErrNotConnected = errors.New("control board not connected")
)

// Chamber is the control board worker as seen by the orchestrator.
type Chamber interface {
	SetTemperature(temp float64) error
	Reset() error
	Status() types.ChamberStatus
	State() types.WorkerState
	EmergencyActive() bool
}

type Uploader interface {
	Upload(req upload.Request) (string, error)
	Interrupt()
	Busy() bool
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *types.RunRecord) error
}

type Bus interface {
	events.Publisher
	Subscribe(buffer int, types ...events.Type) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

type Config struct {
	// TargetTolerance is how close the chamber must get to a step target
	// before the hold timer starts.
	TargetTolerance float64
	TempGapWarning  float64
	MaxTemp         float64
	// Minute is the length of one step duration unit.
	Minute      time.Duration
	SaveTimeout time.Duration
}

type holdElapsed struct {
	gen int
}

type Orchestrator struct {
	cfg       Config
	chamber   Chamber
	uploader  Uploader
	recorder  RunRecorder
	estimator *progress.Estimator
	bus       Bus
	logger    *zap.Logger

	// read by the test board reader
	testNumber atomic.Int64
	suite      atomic.Pointer[types.TestSuite]

	cmds    chan func()
	holds   chan holdElapsed
	stopped chan struct{}
	saves   sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	active bool

	statusMu sync.RWMutex
	status   Status

	// owned by the loop goroutine
	ctx       context.Context
	run       *run
	override  bool
	emergency bool
	gen       int
	holdTimer *time.Timer
}

func New(
	cfg Config,
	chamber Chamber,
	uploader Uploader,
	recorder RunRecorder,
	estimator *progress.Estimator,
	bus Bus,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Minute <= 0 {
		cfg.Minute = time.Minute
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}

	o := &Orchestrator{
		cfg:       cfg,
		chamber:   chamber,
		uploader:  uploader,
		recorder:  recorder,
		estimator: estimator,
		bus:       bus,
		logger:    logger,
		cmds:      make(chan func()),
		holds:     make(chan holdElapsed, 1),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
	}
	o.status = Status{Phase: PhaseIdle, Names: []string{}}
	return o
}

// Suite is the loaded queue, or nil.
func (o *Orchestrator) Suite() *types.TestSuite {
	return o.suite.Load()
}

// CurrentTest is the queue index of the running test.
func (o *Orchestrator) CurrentTest() int {
	return int(o.testNumber.Load())
}

func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	s := o.status
	o.statusMu.RUnlock()

	s.Names = append([]string(nil), s.Names...)
	s.Results = append([]types.TestResult(nil), s.Results...)
	s.Progress = o.estimator.Snapshot()
	return s
}

// Start subscribes to the workers and runs the loop until Stop or ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.active {
		return nil
	}

	// emergency events get their own subscription so they are never queued
	// behind board output
	priority := o.bus.Subscribe(16, events.TypeEmergencyStop, events.TypeEmergencyCleared)
	sub := o.bus.Subscribe(1024,
		events.TypeChamberStatus,
		events.TypeChamberDisconnected,
		events.TypeBoardLine,
		events.TypeUploadFinished,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.active = true
	o.ctx = loopCtx

	go o.loop(loopCtx, priority, sub)

	o.logger.Info("Orchestrator started")
	return nil
}

// Stop aborts any active run and ends the loop.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.active {
		o.runMu.Unlock()
		return
	}
	o.active = false
	cancel := o.cancel
	o.runMu.Unlock()

	cancel()
	<-o.stopped
	o.saves.Wait()

	o.logger.Info("Orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context, priority, sub *events.Subscription) {
	defer func() {
		o.bus.Unsubscribe(priority)
		o.bus.Unsubscribe(sub)
		close(o.stopped)
	}()

	prioC, subC := priority.C, sub.C

	for {
		select {
		case ev, ok := <-prioC:
			if !ok {
				prioC = nil
				break
			}
			o.handleEmergency(ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			if o.run != nil {
				o.abort(types.RunInterrupted, "shutdown")
			}
			return
		case ev, ok := <-prioC:
			if !ok {
				prioC = nil
				continue
			}
			o.handleEmergency(ev)
		case ev, ok := <-subC:
			if !ok {
				subC = nil
				continue
			}
			o.handleEvent(ev)
		case h := <-o.holds:
			o.handleHoldElapsed(h)
		case cmd := <-o.cmds:
			cmd()
		}
		o.refreshStatus()
	}
}

// exec runs fn on the loop goroutine and returns its error.
func (o *Orchestrator) exec(fn func() error) error {
	reply := make(chan error, 1)

	select {
	case o.cmds <- func() {
		err := fn()
		o.refreshStatus()
		reply <- err
	}:
	case <-o.stopped:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-o.stopped:
		return ErrStopped
	}
}

// LoadSuite replaces the queue. Suites with steps above the temperature
// ceiling are rejected unless override is set.
func (o *Orchestrator) LoadSuite(s *types.TestSuite, override bool) error {
	return o.exec(func() error {
		if o.run != nil {
			return ErrRunActive
		}
		if s.Len() == 0 {
			return ErrNoSuite
		}

		if err := suite.CheckCeiling(s, o.cfg.MaxTemp); err != nil {
			if !override {
				return err
			}
			o.logger.Warn("Temperature ceiling overridden by operator",
				zap.String("suite", s.Name),
				zap.Error(err))
			o.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
				Level:   events.AlertWarning,
				Code:    events.AlertTemperatureOverride,
				Message: err.Error(),
			}))
		}

		o.suite.Store(s)
		o.override = override
		o.testNumber.Store(0)

		o.logger.Info("Test queue loaded",
			zap.String("suite", s.Name),
			zap.Int("tests", s.Len()),
			zap.Bool("override", override))
		o.publishQueue()
		return nil
	})
}

// StartRun begins executing the loaded queue from the first test.
func (o *Orchestrator) StartRun() error {
	return o.exec(o.startRun)
}

// Interrupt aborts the run, interrupts any upload, resets the test number
// and clears the queue. Workers stay connected.
func (o *Orchestrator) Interrupt() error {
	return o.exec(func() error {
		o.clearQueue("interrupted by operator")
		return nil
	})
}

// Clear empties the queue regardless of run state.
func (o *Orchestrator) Clear() error {
	return o.exec(func() error {
		o.clearQueue("queue cleared")
		return nil
	})
}

// Reset acknowledges an emergency stop. It is rejected while the chamber
// still reports EMERGENCY_STOP.
func (o *Orchestrator) Reset() error {
	return o.exec(func() error {
		if o.chamber.EmergencyActive() {
			return ErrEmergency
		}
		if err := o.chamber.Reset(); err != nil {
			return fmt.Errorf("reset control board: %w", err)
		}

		o.emergency = false
		o.logger.Info("Emergency latch cleared by operator")
		return nil
	})
}

func (o *Orchestrator) clearQueue(reason string) {
	if o.run != nil {
		o.abort(types.RunInterrupted, reason)
	}
	o.uploader.Interrupt()

	o.testNumber.Store(0)
	o.suite.Store(nil)
	o.override = false

	o.logger.Info("Test queue cleared", zap.String("reason", reason))
	o.publishQueue()
}

func (o *Orchestrator) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeChamberStatus:
		if status, ok := ev.Data.(types.ChamberStatus); ok {
			o.handleChamberStatus(status)
		}
	case events.TypeBoardLine:
		if line, ok := ev.Data.(events.LineClassification); ok {
			o.handleBoardLine(line)
		}
	case events.TypeUploadFinished:
		if res, ok := ev.Data.(events.UploadFinished); ok {
			o.handleUploadFinished(res)
		}
	case events.TypeChamberDisconnected:
		if o.run != nil {
			o.logger.Error("Control board disconnected during run")
			o.abort(types.RunInterrupted, "control board disconnected")
			o.testNumber.Store(0)
			o.publishQueue()
		}
	}
}

func (o *Orchestrator) handleEmergency(ev events.Event) {
	switch ev.Type {
	case events.TypeEmergencyStop:
		o.emergency = true
		o.logger.Error("Emergency stop, halting run")

		if o.run != nil {
			o.abort(types.RunEmergency, "emergency stop")
		}
		o.uploader.Interrupt()
		o.testNumber.Store(0)
		o.publishQueue()

	case events.TypeEmergencyCleared:
		o.logger.Info("Control board left emergency stop, waiting for operator reset")
	}
	o.refreshStatus()
}

func (o *Orchestrator) refreshStatus() {
	s := Status{
		Phase:      PhaseIdle,
		Names:      []string{},
		TestNumber: o.CurrentTest(),
		Emergency:  o.emergency,
		Override:   o.override,
	}
	if q := o.Suite(); q != nil {
		s.Suite = q.Name
		s.Names = q.Names
	}
	if o.run != nil {
		s.Phase = o.run.phase
		s.RunID = o.run.id.String()
		s.StepIndex = o.run.step
		s.Target = o.run.target
		s.Results = o.run.results
	}
	if o.emergency {
		s.Phase = PhaseEmergency
	}

	o.statusMu.Lock()
	o.status = s
	o.statusMu.Unlock()
}

func (o *Orchestrator) publishQueue() {
	q := events.Queue{Names: []string{}, TestNumber: o.CurrentTest()}

	if s := o.Suite(); s != nil {
		q.Suite = s.Name
		q.Names = s.Names
		current := o.chamber.Status()
		temp := current.CurrentTemp
		if !current.HasCurrent && len(s.Steps()) > 0 {
			temp = s.Steps()[0].Temp
		}
		q.Label = progress.QueueLabel(s.Len(), progress.Estimate(s.Steps(), temp))
	}

	o.bus.Publish(events.New(events.TypeQueue, source, q))
}
