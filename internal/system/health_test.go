package system

import (
	"context"
	"testing"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func servingStatus(t *testing.T, tr *healthTracker, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := tr.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func workerState(worker string, state types.WorkerState) events.Event {
	return events.New(events.TypeWorkerState, worker, events.WorkerState{Worker: worker, State: state.String()})
}

func TestHealthTracker(t *testing.T) {
	tr := newHealthTracker(zaptest.NewLogger(t))
	serving, notServing := healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING

	assert.Equal(t, notServing, servingStatus(t, tr, ServiceChamber))
	assert.Equal(t, notServing, servingStatus(t, tr, ServiceTestBoard))

	steps := []struct {
		name      string
		ev        events.Event
		changed   bool
		chamber   healthpb.HealthCheckResponse_ServingStatus
		testboard healthpb.HealthCheckResponse_ServingStatus
	}{
		{"chamber running", workerState(ServiceChamber, types.WorkerRunning), true, serving, notServing},
		{"reader running", workerState(ServiceTestBoard, types.WorkerRunning), true, serving, serving},
		{"emergency", events.New(events.TypeEmergencyStop, "chamber", nil), true, notServing, serving},
		{"upload starts", events.New(events.TypeUploadStarted, "upload", events.UploadStarted{}), true, notServing, serving},
		{"reader stops for upload", workerState(ServiceTestBoard, types.WorkerStopped), true, notServing, serving},
		{"upload finishes", events.New(events.TypeUploadFinished, "upload", events.UploadFinished{}), true, notServing, notServing},
		{"emergency cleared", events.New(events.TypeEmergencyCleared, "chamber", nil), true, serving, notServing},
		{"unrelated event", events.New(events.TypeBoardLine, "testboard", nil), false, serving, notServing},
		{"repeated state", workerState(ServiceChamber, types.WorkerRunning), false, serving, notServing},
		{"chamber stops", workerState(ServiceChamber, types.WorkerStopping), true, notServing, notServing},
	}

	for _, step := range steps {
		changed := tr.apply(step.ev)
		assert.Equal(t, step.changed, changed, step.name)
		if changed {
			tr.publish()
		}
		assert.Equal(t, step.chamber, servingStatus(t, tr, ServiceChamber), step.name)
		assert.Equal(t, step.testboard, servingStatus(t, tr, ServiceTestBoard), step.name)
	}
}

func TestHealthTracker_SecondaryBoard(t *testing.T) {
	tr := newHealthTracker(zaptest.NewLogger(t), "wifi")
	serving, notServing := healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING

	assert.Equal(t, notServing, servingStatus(t, tr, "wifi"))

	require.True(t, tr.apply(workerState("wifi", types.WorkerRunning)))
	tr.publish()
	assert.Equal(t, serving, servingStatus(t, tr, "wifi"))
	assert.Equal(t, notServing, servingStatus(t, tr, ServiceTestBoard), "boards are tracked separately")

	require.True(t, tr.apply(events.New(events.TypeUploadStarted, "upload", events.UploadStarted{Board: "wifi"})))
	require.True(t, tr.apply(workerState("wifi", types.WorkerStopped)))
	tr.publish()
	assert.Equal(t, serving, servingStatus(t, tr, "wifi"))
	assert.Equal(t, notServing, servingStatus(t, tr, ServiceTestBoard))

	require.True(t, tr.apply(events.New(events.TypeUploadFinished, "upload", events.UploadFinished{Board: "wifi"})))
	tr.publish()
	assert.Equal(t, notServing, servingStatus(t, tr, "wifi"))

	assert.False(t, tr.apply(workerState("radio", types.WorkerRunning)), "unknown boards are ignored")
}
