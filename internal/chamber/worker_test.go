package chamber

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/serialport/serialtest"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPort = "/dev/ttyCHAMBER"

func testConfig() Config {
	return Config{
		Port:             testPort,
		BaudRate:         9600,
		ReadTimeout:      5 * time.Millisecond,
		PingInterval:     5 * time.Millisecond,
		SilenceTimeout:   time.Minute,
		CableTimeout:     time.Minute,
		WatchdogInterval: 5 * time.Millisecond,
		EmergencyRealert: time.Minute,
	}
}

// replyWith answers every SHOW DATA with the current value of reply.
func replyWith(opener *serialtest.Opener, reply *atomic.Value) {
	opener.OnOpen(func(p *serialtest.Port) {
		p.OnWrite(func(p *serialtest.Port, line string) {
			if line == CommandShowData {
				if s, _ := reply.Load().(string); s != "" {
					p.Feed(s)
				}
			}
		})
	})
}

func waitFor(t *testing.T, sub *events.Subscription, typ events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return events.Event{}
		}
	}
}

func collect(sub *events.Subscription, d time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func countAlerts(evs []events.Event, code string) int {
	n := 0
	for _, ev := range evs {
		if a, ok := ev.Data.(events.Alert); ok && ev.Type == events.TypeAlert && a.Code == code {
			n++
		}
	}
	return n
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestWorker_StartFailsWhenPortMissing(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(64, events.TypeAlert)
	opener := serialtest.NewOpener()
	opener.Fail(testPort, errors.New("no such file"))

	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))
	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.WorkerStopped, w.State())

	ev := waitFor(t, sub, events.TypeAlert, time.Second)
	assert.Equal(t, events.AlertChamberConnection, ev.Data.(events.Alert).Code)
}

func TestWorker_StreamsHeartbeats(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(1024)
	opener := serialtest.NewOpener()
	var reply atomic.Value
	reply.Store("Room_temp: 24.25 | Desired_temp: 40.00 | Heater: 1 | Cooler: 0 | Machine_state: NORMAL")
	replyWith(opener, &reply)

	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, types.WorkerRunning, w.State())

	ev := waitFor(t, sub, events.TypeChamberStatus, time.Second)
	status := ev.Data.(types.ChamberStatus)
	assert.InDelta(t, 24.25, status.CurrentTemp, 1e-9)
	assert.Equal(t, types.MachineStateNormal, status.MachineState)
	assert.InDelta(t, 40.0, w.Status().DesiredTemp, 1e-9)

	w.Stop()
	w.Stop()

	assert.Equal(t, types.WorkerStopped, w.State())
	port := opener.Last(testPort)
	assert.Equal(t, 1, port.CloseCount())
	assert.Equal(t, types.MachineStateDisconnected, w.Status().MachineState)
}

func TestWorker_Commands(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	opener := serialtest.NewOpener()
	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))

	assert.ErrorIs(t, w.SetTemperature(30), ErrNotRunning)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, w.SetTemperature(42.5))
	require.NoError(t, w.EmergencyStop())

	port := opener.Last(testPort)
	require.Eventually(t, func() bool {
		written := port.Written()
		return contains(written, "SET TEMP 42.50") && contains(written, CommandEmergencyStop)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, port.Written(), CommandShowData)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestWorker_SilenceForcesSingleDisconnect(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(4096)
	opener := serialtest.NewOpener()

	cfg := testConfig()
	cfg.CableTimeout = 15 * time.Millisecond
	cfg.SilenceTimeout = 60 * time.Millisecond

	w := NewWorker(cfg, opener, bus, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))

	waitFor(t, sub, events.TypeChamberDisconnected, 2*time.Second)
	rest := collect(sub, 150*time.Millisecond)

	assert.Equal(t, 0, countType(rest, events.TypeChamberDisconnected))
	require.Eventually(t, func() bool { return w.State() == types.WorkerStopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, opener.Last(testPort).CloseCount())

	w.Stop()
	assert.Equal(t, 1, opener.Last(testPort).CloseCount())
}

func TestWorker_CableWarningWithoutDisconnect(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(4096)
	opener := serialtest.NewOpener()

	cfg := testConfig()
	cfg.CableTimeout = 20 * time.Millisecond

	w := NewWorker(cfg, opener, bus, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	evs := collect(sub, 150*time.Millisecond)
	assert.Equal(t, 1, countAlerts(evs, events.AlertCheckCable))
	assert.Equal(t, 0, countType(evs, events.TypeChamberDisconnected))
	assert.Equal(t, types.WorkerRunning, w.State())
}

func TestWorker_EmergencyStopRealerts(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(4096)
	opener := serialtest.NewOpener()
	var reply atomic.Value
	reply.Store("Room_temp: 30 | Desired_temp: 30 | Machine_state: EMERGENCY_STOP")
	replyWith(opener, &reply)

	cfg := testConfig()
	cfg.EmergencyRealert = 20 * time.Millisecond

	w := NewWorker(cfg, opener, bus, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	waitFor(t, sub, events.TypeEmergencyStop, time.Second)
	assert.True(t, w.EmergencyActive())

	evs := collect(sub, 120*time.Millisecond)
	assert.Equal(t, 0, countType(evs, events.TypeEmergencyStop), "entering the state is reported once")
	assert.GreaterOrEqual(t, countAlerts(evs, events.AlertEmergencyStop), 2)

	reply.Store("Room_temp: 30 | Desired_temp: 30 | Machine_state: NORMAL")
	waitFor(t, sub, events.TypeEmergencyCleared, time.Second)
	assert.False(t, w.EmergencyActive())
}

func TestWorker_RestartAfterStop(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	opener := serialtest.NewOpener()
	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Len(t, opener.Opened(testPort), 2)
	assert.Equal(t, types.WorkerRunning, w.State())
}

func TestWorker_DisconnectClearsEmergency(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	sub := bus.Subscribe(4096, events.TypeEmergencyStop, events.TypeEmergencyCleared)
	opener := serialtest.NewOpener()
	var reply atomic.Value
	reply.Store("Room_temp: 30 | Desired_temp: 30 | Machine_state: EMERGENCY_STOP")
	replyWith(opener, &reply)

	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))

	waitFor(t, sub, events.TypeEmergencyStop, time.Second)
	require.True(t, w.EmergencyActive())

	w.Stop()

	ev := waitFor(t, sub, events.TypeEmergencyCleared, time.Second)
	assert.Equal(t, types.MachineStateDisconnected, ev.Data.(types.ChamberStatus).MachineState)
	assert.False(t, w.EmergencyActive(), "a dead link reports no emergency state")
}

func TestWorker_ConnectedBeforeFirstHeartbeat(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	opener := serialtest.NewOpener()
	w := NewWorker(testConfig(), opener, bus, zaptest.NewLogger(t))

	assert.Equal(t, types.MachineStateDisconnected, w.Status().MachineState)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, types.MachineStateUnknown, w.Status().MachineState)
}
