// Package upload hands the test board port from the reader to the external
// upload tool and back.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/serialport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	source = "upload"
	holder = "upload"
)

var ErrBusy = errors.New("upload already in progress")

// BoardReader is the part of the test board reader the coordinator drives.
type BoardReader interface {
	Start(ctx context.Context) error
	// Suspend stops classifying lines without giving up the port.
	Suspend()
	Stop()
}

// ReaderFactory builds a fresh reader for the test board port.
type ReaderFactory func() BoardReader

type Config struct {
	// Board is empty for the main test board.
	Board       string
	Port        string
	Command     Command
	SettleDelay time.Duration
	Timeout     time.Duration
}

type Request struct {
	TestIndex int
	Sketch    string
}

// Coordinator owns the reader instance and serializes uploads. Port
// ownership moves only through Upload: stop reader, take guard, run tool,
// release guard, settle, start a new reader.
type Coordinator struct {
	cfg       Config
	runner    Runner
	guard     *serialport.Guard
	newReader ReaderFactory
	bus       events.Publisher
	logger    *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	reader  BoardReader
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCoordinator(
	cfg Config,
	runner Runner,
	guard *serialport.Guard,
	newReader ReaderFactory,
	bus events.Publisher,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		runner:    runner,
		guard:     guard,
		newReader: newReader,
		bus:       bus,
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// Start builds and starts the first reader. Readers created later inherit
// ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	running := c.reader != nil
	c.mu.Unlock()

	if running {
		return nil
	}
	return c.startReader()
}

// Busy reports whether an upload is in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// Upload begins the port handoff for req and returns immediately. Progress
// and the outcome arrive as events.
func (c *Coordinator) Upload(req Request) (string, error) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("upload for test %d: %w", req.TestIndex, ErrBusy)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(c.baseCtx, c.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(c.baseCtx)
	}
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	// output of the outgoing firmware is not attributed to req.TestIndex
	if c.reader != nil {
		c.reader.Suspend()
	}
	c.mu.Unlock()

	id := uuid.NewString()
	go c.run(ctx, cancel, id, req, done)
	return id, nil
}

// Interrupt cancels an in-flight upload. The handoff still finishes its
// cleanup; completion is reported with Interrupted set.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		c.logger.Info("Interrupting upload")
		cancel()
	}
}

// Wait blocks until no upload is in flight.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// RestartReader replaces the reader with a fresh one, reconnecting the test
// board after it went silent or was unplugged. Uploads are rejected while
// it runs.
func (c *Coordinator) RestartReader() error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("restart reader: %w", ErrBusy)
	}
	done := make(chan struct{})
	c.done = done
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	if reader != nil {
		reader.Stop()
	}
	return c.startReader()
}

// Stop interrupts any upload and stops the reader.
func (c *Coordinator) Stop() {
	c.Interrupt()
	c.Wait()

	c.mu.Lock()
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	if reader != nil {
		reader.Stop()
	}
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, id string, req Request, done chan struct{}) {
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	started := time.Now()
	result := events.UploadFinished{
		Board:     c.cfg.Board,
		UploadID:  id,
		TestIndex: req.TestIndex,
		Sketch:    req.Sketch,
		ExitCode:  -1,
	}

	c.logger.Info("Upload requested",
		zap.String("upload_id", id),
		zap.Int("test", req.TestIndex),
		zap.String("sketch", req.Sketch))
	c.bus.Publish(events.New(events.TypeUploadStarted, source, events.UploadStarted{
		Board:     c.cfg.Board,
		UploadID:  id,
		TestIndex: req.TestIndex,
		Sketch:    req.Sketch,
		Port:      c.cfg.Port,
	}))

	// the reader must be fully stopped, port closed, before the tool runs
	c.mu.Lock()
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()
	if reader != nil {
		reader.Stop()
	}

	if err := c.guard.Acquire(ctx, holder); err != nil {
		result.Error = err.Error()
	} else {
		tool, args := c.cfg.Command.Expand(c.cfg.Port, req.Sketch)
		c.logger.Info("Running upload tool",
			zap.String("tool", tool),
			zap.Strings("args", args))

		code, err := c.runner.Run(ctx, tool, args, func(line string) {
			c.bus.Publish(events.New(events.TypeUploadOutput, source, events.UploadOutput{
				UploadID: id,
				Line:     line,
			}))
		})
		result.ExitCode = code
		if err != nil {
			result.Error = err.Error()
		}
		result.Success = err == nil && code == 0

		if err := c.guard.Release(holder); err != nil {
			c.logger.Error("Releasing port guard after upload failed", zap.Error(err))
		}
	}
	result.Interrupted = ctx.Err() != nil && !result.Success

	// the port needs time to close fully before the reader reopens it
	if c.cfg.SettleDelay > 0 {
		time.Sleep(c.cfg.SettleDelay)
	}
	if err := c.startReader(); err != nil {
		c.logger.Error("Restarting test board reader failed", zap.Error(err))
	}

	result.Duration = time.Since(started)

	if result.Success {
		c.logger.Info("Upload finished",
			zap.String("upload_id", id),
			zap.Duration("duration", result.Duration))
	} else {
		c.logger.Warn("Upload failed",
			zap.String("upload_id", id),
			zap.Int("exit_code", result.ExitCode),
			zap.Bool("interrupted", result.Interrupted),
			zap.String("error", result.Error))
		if !result.Interrupted {
			c.bus.Publish(events.New(events.TypeAlert, source, events.Alert{
				Level:   events.AlertWarning,
				Code:    events.AlertUploadFailed,
				Message: fmt.Sprintf("upload of %s failed (exit code %d)", req.Sketch, result.ExitCode),
			}))
		}
	}

	c.bus.Publish(events.New(events.TypeUploadFinished, source, result))
}

func (c *Coordinator) startReader() error {
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()

	reader := c.newReader()
	if err := reader.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()
	return nil
}
