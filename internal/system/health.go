package system

import (
	"context"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names.
const (
	ServiceChamber   = "chamber"
	ServiceTestBoard = "testboard"
)

// healthTracker derives gRPC serving status from worker events. chamber is
// SERVING while the control worker runs without an emergency. Each test
// board is SERVING while its reader runs or an upload holds its port.
type healthTracker struct {
	server *health.Server
	logger *zap.Logger

	chamberRunning bool
	emergency      bool
	// keyed by service name; the main test board is ServiceTestBoard
	boards map[string]*boardHealth
}

type boardHealth struct {
	reader    bool
	uploading bool
}

// newHealthTracker tracks the chamber, the main test board and one service
// per secondary board name.
func newHealthTracker(logger *zap.Logger, secondary ...string) *healthTracker {
	t := &healthTracker{
		server: health.NewServer(),
		logger: logger,
		boards: map[string]*boardHealth{ServiceTestBoard: {}},
	}
	for _, name := range secondary {
		t.boards[name] = &boardHealth{}
	}
	t.publish()
	return t
}

// run applies events until ctx ends or the subscription closes.
func (t *healthTracker) run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if t.apply(ev) {
				t.publish()
			}
		}
	}
}

// apply folds one event into the tracked state and reports whether
// anything changed.
func (t *healthTracker) apply(ev events.Event) bool {
	switch ev.Type {
	case events.TypeWorkerState:
		ws, ok := ev.Data.(events.WorkerState)
		if !ok {
			return false
		}
		running := ws.State == types.WorkerRunning.String()
		if ws.Worker == ServiceChamber {
			return update(&t.chamberRunning, running)
		}
		if b, ok := t.boards[ws.Worker]; ok {
			return update(&b.reader, running)
		}
	case events.TypeEmergencyStop:
		return update(&t.emergency, true)
	case events.TypeEmergencyCleared:
		return update(&t.emergency, false)
	case events.TypeUploadStarted:
		started, _ := ev.Data.(events.UploadStarted)
		if b, ok := t.boards[boardService(started.Board)]; ok {
			return update(&b.uploading, true)
		}
	case events.TypeUploadFinished:
		finished, _ := ev.Data.(events.UploadFinished)
		if b, ok := t.boards[boardService(finished.Board)]; ok {
			return update(&b.uploading, false)
		}
	}
	return false
}

func boardService(board string) string {
	if board == "" {
		return ServiceTestBoard
	}
	return board
}

func update(field *bool, value bool) bool {
	if *field == value {
		return false
	}
	*field = value
	return true
}

func (t *healthTracker) publish() {
	chamber := healthpb.HealthCheckResponse_NOT_SERVING
	if t.chamberRunning && !t.emergency {
		chamber = healthpb.HealthCheckResponse_SERVING
	}
	t.server.SetServingStatus(ServiceChamber, chamber)

	fields := []zap.Field{zap.String(ServiceChamber, chamber.String())}
	for name, b := range t.boards {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if b.reader || b.uploading {
			status = healthpb.HealthCheckResponse_SERVING
		}
		t.server.SetServingStatus(name, status)
		fields = append(fields, zap.String(name, status.String()))
	}

	t.logger.Debug("Health status updated", fields...)
}
