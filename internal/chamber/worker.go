// Package chamber runs the control channel to the temperature chamber's
// controller: heartbeat polling, command delivery and the silence and
// emergency watchdogs.
package chamber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/serialport"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/defliez/temperature-chamber/internal/watchdog"
	"go.uber.org/zap"
)

const source = "chamber"

type Config struct {
	Port             string
	BaudRate         int
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	SilenceTimeout   time.Duration
	CableTimeout     time.Duration
	WatchdogInterval time.Duration
	EmergencyRealert time.Duration
}

// Worker owns the control board port. Its state, the last heartbeat and
// the emergency latch are written only by the worker's own goroutines.
type Worker struct {
	cfg    Config
	opener serialport.Opener
	bus    events.Publisher
	logger *zap.Logger
	now    func() time.Time

	commands chan string

	silence   *watchdog.Watchdog
	cable     *watchdog.Watchdog
	emergency *watchdog.Repeater

	mu     sync.Mutex
	state  types.WorkerState
	handle *serialport.Handle
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	statusMu sync.RWMutex
	status   types.ChamberStatus
}

func NewWorker(cfg Config, opener serialport.Opener, bus events.Publisher, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		opener:    opener,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		commands:  make(chan string, 16),
		silence:   watchdog.New("chamber_silence", cfg.SilenceTimeout),
		cable:     watchdog.New("chamber_cable", cfg.CableTimeout),
		emergency: watchdog.NewRepeater(cfg.EmergencyRealert),
		state:     types.WorkerStopped,
		status:    types.ChamberStatus{MachineState: types.MachineStateDisconnected},
	}
}

func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns the most recent heartbeat.
func (w *Worker) Status() types.ChamberStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

// EmergencyActive reports whether the last heartbeat showed EMERGENCY_STOP.
func (w *Worker) EmergencyActive() bool {
	return w.emergency.Active()
}

// Start opens the port and begins polling. A failed open leaves the worker
// STOPPED and is returned to the caller.
func (w *Worker) Start(ctx context.Context) error {
	if !w.transition(types.WorkerStopped, types.WorkerConnecting) {
		return nil
	}

	handle := serialport.NewHandle(w.cfg.Port, w.cfg.BaudRate, w.cfg.ReadTimeout, w.opener)
	if err := handle.Open(); err != nil {
		w.transition(types.WorkerConnecting, types.WorkerStopped)
		w.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level:   events.AlertCritical,
			Code:    events.AlertChamberConnection,
			Message: fmt.Sprintf("control board connection failed on %s: %v", w.cfg.Port, err),
		}))
		return fmt.Errorf("start control board worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	// drop commands queued for a previous connection
	for len(w.commands) > 0 {
		<-w.commands
	}

	now := w.now()
	w.silence.Arm(now)
	w.cable.Arm(now)
	// connected but no heartbeat yet
	w.setStatus(types.ChamberStatus{Timestamp: now, MachineState: types.MachineStateUnknown})

	w.mu.Lock()
	w.handle = handle
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	w.transition(types.WorkerConnecting, types.WorkerRunning)

	w.wg.Add(2)
	go w.pollLoop(runCtx)
	go w.watchLoop(runCtx)

	go func() {
		w.wg.Wait()
		if err := handle.Close(); err != nil {
			w.logger.Warn("Closing control board port failed", zap.Error(err))
		}
		w.silence.Disarm()
		w.cable.Disarm()
		disconnected := types.ChamberStatus{Timestamp: w.now(), MachineState: types.MachineStateDisconnected}
		w.setStatus(disconnected)
		// the next connection reports the emergency state afresh
		if w.emergency.Set(false, disconnected.Timestamp) {
			w.bus.Publish(events.New(events.TypeEmergencyCleared, source, disconnected))
		}

		w.mu.Lock()
		if w.state == types.WorkerRunning {
			// parent context ended without Stop
			w.setStateLocked(types.WorkerStopping)
		}
		w.setStateLocked(types.WorkerStopped)
		w.mu.Unlock()
		close(done)
	}()

	w.logger.Info("Control board worker started",
		zap.String("port", w.cfg.Port),
		zap.Int("baud", w.cfg.BaudRate),
		zap.Duration("ping_interval", w.cfg.PingInterval))

	return nil
}

// Stop ends polling and closes the port. It waits for the loops to notice,
// which takes at most one read timeout. Stopping a stopped worker is a
// no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	switch w.state {
	case types.WorkerRunning:
		w.setStateLocked(types.WorkerStopping)
	case types.WorkerStopping:
	default:
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("Control board worker stopped", zap.String("port", w.cfg.Port))
}

// forceDisconnect is Stop without waiting, for use from the worker's own
// goroutines.
func (w *Worker) forceDisconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != types.WorkerRunning {
		return
	}
	w.setStateLocked(types.WorkerStopping)
	w.cancel()
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	w.mu.Lock()
	handle := w.handle
	w.mu.Unlock()

	var nextPing time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.flushCommands(handle)

		if now := w.now(); !now.Before(nextPing) {
			if err := handle.WriteLine(CommandShowData); err != nil {
				w.logger.Debug("Heartbeat request failed", zap.Error(err))
			}
			nextPing = now.Add(w.cfg.PingInterval)
		}

		line, ok, err := handle.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("Control board read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ReadTimeout):
			}
			continue
		}
		if !ok {
			continue
		}

		status, parsed := ParseHeartbeat(line, w.now())
		if !parsed {
			w.logger.Debug("Unrecognized control board reply", zap.String("line", line))
			w.bus.Publish(events.New(events.TypeChamberRaw, source, line))
			continue
		}

		w.handleHeartbeat(status)
	}
}

func (w *Worker) flushCommands(handle *serialport.Handle) {
	for {
		select {
		case cmd := <-w.commands:
			if err := handle.WriteLine(cmd); err != nil {
				w.logger.Error("Control board command failed",
					zap.String("command", cmd),
					zap.Error(err))
				w.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
					Level:   events.AlertWarning,
					Code:    events.AlertChamberCommand,
					Message: fmt.Sprintf("command %q not delivered: %v", cmd, err),
				}))
				continue
			}
			w.logger.Info("Control board command sent", zap.String("command", cmd))
		default:
			return
		}
	}
}

func (w *Worker) handleHeartbeat(status types.ChamberStatus) {
	now := w.now()
	w.silence.Feed(now)
	w.cable.Feed(now)
	w.setStatus(status)

	w.bus.Publish(events.New(events.TypeChamberStatus, source, status))

	emergency := status.MachineState == types.MachineStateEmergencyStop
	if !w.emergency.Set(emergency, now) {
		return
	}

	if emergency {
		w.logger.Error("Emergency stop reported by control board",
			zap.Float64("current_temp", status.CurrentTemp))
		w.bus.Publish(events.New(events.TypeEmergencyStop, source, status))
		w.publishEmergencyAlert()
		return
	}

	w.logger.Info("Emergency stop cleared")
	w.bus.Publish(events.New(events.TypeEmergencyCleared, source, status))
}

func (w *Worker) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkWatchdogs()
		}
	}
}

func (w *Worker) checkWatchdogs() {
	now := w.now()

	if w.silence.Check(now) {
		w.logger.Error("No heartbeat from control board, disconnecting",
			zap.String("port", w.cfg.Port),
			zap.Duration("silence", w.silence.Silence(now)))

		w.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level: events.AlertCritical,
			Code:  events.AlertChamberSilent,
			Message: fmt.Sprintf("no reply from control board for %s; device disconnected, restart the connection",
				w.cfg.SilenceTimeout),
		}))
		w.bus.Publish(events.New(events.TypeChamberDisconnected, source, w.cfg.Port))
		w.forceDisconnect()
		return
	}

	if w.cable.Check(now) {
		w.logger.Warn("Control board heartbeat late",
			zap.Duration("silence", w.cable.Silence(now)))
		w.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
			Level:   events.AlertWarning,
			Code:    events.AlertCheckCable,
			Message: "no heartbeat from control board, check the cable",
		}))
	}

	if w.emergency.Due(now) {
		w.publishEmergencyAlert()
	}
}

func (w *Worker) publishEmergencyAlert() {
	w.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
		Level:   events.AlertCritical,
		Code:    events.AlertEmergencyStop,
		Message: "chamber reports EMERGENCY STOP",
	}))
}

func (w *Worker) setStatus(status types.ChamberStatus) {
	w.statusMu.Lock()
	w.status = status
	w.statusMu.Unlock()
}

func (w *Worker) transition(from, to types.WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != from {
		return false
	}
	w.setStateLocked(to)
	return true
}

func (w *Worker) setStateLocked(to types.WorkerState) {
	from := w.state
	if err := types.ValidateWorkerTransition(from, to); err != nil {
		w.logger.Error("Rejected worker state change", zap.Error(err))
		return
	}
	w.state = to

	w.bus.Publish(events.New(events.TypeWorkerState, source, events.WorkerState{
		Worker:   source,
		State:    to.String(),
		Previous: from.String(),
	}))
}
