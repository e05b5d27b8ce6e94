// Package testboard reads the device-under-test's serial output and
// classifies every line against the expected output of the current test.
package testboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/pattern"
	"github.com/defliez/temperature-chamber/internal/serialport"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/defliez/temperature-chamber/internal/watchdog"
	"go.uber.org/zap"
)

const (
	source = "testboard"
	holder = "reader"
)

type Config struct {
	// Board names a secondary board. It tags classified lines and names the
	// worker; empty means the main test board.
	Board            string
	Port             string
	BaudRate         int
	ReadTimeout      time.Duration
	SilenceTimeout   time.Duration
	WatchdogInterval time.Duration
	// OpenDelay lets the board reboot after the port opens (opening resets
	// most Arduino-style boards).
	OpenDelay time.Duration
}

// Expectations resolves what the board should print. The orchestrator owns
// both values; the reader only reads them.
type Expectations interface {
	Suite() *types.TestSuite
	CurrentTest() int
}

// Reader owns the test board port while running. It holds the port guard
// from Start until the port is closed.
type Reader struct {
	cfg     Config
	opener  serialport.Opener
	guard   *serialport.Guard
	expect  Expectations
	matcher *pattern.Matcher
	bus     events.Publisher
	logger  *zap.Logger
	now     func() time.Time

	silence   *watchdog.Watchdog
	suspended atomic.Bool

	mu     sync.Mutex
	state  types.WorkerState
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewReader(
	cfg Config,
	opener serialport.Opener,
	guard *serialport.Guard,
	expect Expectations,
	matcher *pattern.Matcher,
	bus events.Publisher,
	logger *zap.Logger,
) *Reader {
	return &Reader{
		cfg:     cfg,
		opener:  opener,
		guard:   guard,
		expect:  expect,
		matcher: matcher,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		silence: watchdog.New("testboard_silence", cfg.SilenceTimeout),
		state:   types.WorkerStopped,
	}
}

// name is the worker name in state events.
func (r *Reader) name() string {
	if r.cfg.Board == "" {
		return source
	}
	return r.cfg.Board
}

func (r *Reader) State() types.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start takes the port guard, opens the port and begins reading. It fails
// immediately if someone else holds the port.
func (r *Reader) Start(ctx context.Context) error {
	if !r.transition(types.WorkerStopped, types.WorkerConnecting) {
		return nil
	}

	if err := r.guard.TryAcquire(holder); err != nil {
		r.transition(types.WorkerConnecting, types.WorkerStopped)
		return fmt.Errorf("start test board reader: %w", err)
	}

	handle := serialport.NewHandle(r.cfg.Port, r.cfg.BaudRate, r.cfg.ReadTimeout, r.opener)
	if err := handle.Open(); err != nil {
		r.releaseGuard()
		r.transition(types.WorkerConnecting, types.WorkerStopped)
		r.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level:   events.AlertCritical,
			Code:    events.AlertBoardConnection,
			Message: fmt.Sprintf("test board connection failed on %s: %v", r.cfg.Port, err),
		}))
		return fmt.Errorf("start test board reader: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.suspended.Store(false)
	r.silence.Arm(r.now())

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.transition(types.WorkerConnecting, types.WorkerRunning)

	r.wg.Add(2)
	go r.readLoop(runCtx, handle)
	go r.watchLoop(runCtx)

	go func() {
		r.wg.Wait()
		if err := handle.Close(); err != nil {
			r.logger.Warn("Closing test board port failed", zap.Error(err))
		}
		r.releaseGuard()
		r.silence.Disarm()

		r.mu.Lock()
		if r.state == types.WorkerRunning {
			r.setStateLocked(types.WorkerStopping)
		}
		r.setStateLocked(types.WorkerStopped)
		r.mu.Unlock()
		close(done)
	}()

	r.logger.Info("Test board reader started",
		zap.String("board", r.name()),
		zap.String("port", r.cfg.Port),
		zap.Int("test", r.expect.CurrentTest()))

	return nil
}

// Stop ends reading, closes the port and releases the guard. It returns
// once the port is closed. Stopping a stopped reader is a no-op.
func (r *Reader) Stop() {
	r.mu.Lock()
	switch r.state {
	case types.WorkerRunning:
		r.setStateLocked(types.WorkerStopping)
	case types.WorkerStopping:
	default:
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.logger.Info("Test board reader stopped", zap.String("port", r.cfg.Port))
}

// Suspend pauses reading but keeps the port open until Stop. A reader is
// not resumed; the next Start begins unsuspended.
func (r *Reader) Suspend() {
	if !r.suspended.Swap(true) {
		r.logger.Debug("Test board reader suspended", zap.String("port", r.cfg.Port))
	}
}

func (r *Reader) readLoop(ctx context.Context, handle *serialport.Handle) {
	defer r.wg.Done()

	if r.cfg.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.OpenDelay):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.suspended.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ReadTimeout):
			}
			continue
		}

		line, ok, err := handle.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("Test board read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ReadTimeout):
			}
			continue
		}
		if !ok || line == "" {
			continue
		}

		r.silence.Feed(r.now())
		r.classify(line)
		r.bus.Publish(events.New(events.TypeBoardHeartbeat, source, events.BoardHeartbeat{Port: r.cfg.Port}))
	}
}

func (r *Reader) classify(line string) {
	index := r.expect.CurrentTest()
	name, def, found := r.expect.Suite().At(index)

	c := events.LineClassification{
		Board:         r.cfg.Board,
		TestIndex:     index,
		TestName:      name,
		Line:          line,
		Kind:          pattern.NoMatch.String(),
		Deterministic: line,
		Expected:      def.ExpectedOutput,
		Stamp:         r.now().Format("15:04:05"),
	}

	if found {
		res, err := r.matcher.Classify(def.ExpectedOutput, line)
		if err != nil {
			r.logger.Error("Expected output cannot be compiled",
				zap.String("test", name),
				zap.Error(err))
			r.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
				Level:   events.AlertWarning,
				Code:    events.AlertPatternInvalid,
				Message: fmt.Sprintf("expected output of %s is invalid: %v", name, err),
			}))
		}
		c.Kind = res.Kind.String()
		c.Matched = res.Matched()
		c.Deterministic = res.Text
		c.Captured = res.Captured
	}

	if !c.Matched {
		r.logger.Info("Unexpected test board output",
			zap.String("board", r.name()),
			zap.Int("test", index),
			zap.String("line", line),
			zap.String("expected", c.Expected))
	}

	r.bus.Publish(events.New(events.TypeBoardLine, source, c))
}

func (r *Reader) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.now()
			if r.silence.Check(now) {
				r.logger.Warn("Test board silent",
					zap.String("port", r.cfg.Port),
					zap.Duration("silence", r.silence.Silence(now)))
				r.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
					Level:   events.AlertWarning,
					Code:    events.AlertBoardDisconnected,
					Message: fmt.Sprintf("test board disconnected: no output for %s", r.cfg.SilenceTimeout),
				}))
			}
		}
	}
}

func (r *Reader) releaseGuard() {
	if err := r.guard.Release(holder); err != nil {
		r.logger.Error("Releasing test board port guard failed", zap.Error(err))
	}
}

func (r *Reader) transition(from, to types.WorkerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != from {
		return false
	}
	r.setStateLocked(to)
	return true
}

func (r *Reader) setStateLocked(to types.WorkerState) {
	from := r.state
	if err := types.ValidateWorkerTransition(from, to); err != nil {
		r.logger.Error("Rejected worker state change", zap.Error(err))
		return
	}
	r.state = to

	r.bus.Publish(events.New(events.TypeWorkerState, source, events.WorkerState{
		Worker:   r.name(),
		State:    to.String(),
		Previous: from.String(),
	}))
}
