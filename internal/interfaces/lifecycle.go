package interfaces

import (
	"context"
	"errors"

	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/orchestrator"
	"github.com/defliez/temperature-chamber/internal/storage"
	"github.com/defliez/temperature-chamber/internal/suite"
	"github.com/defliez/temperature-chamber/internal/types"
)

// ErrUnknownBoard is returned for a test board name that is not configured.
var ErrUnknownBoard = errors.New("unknown test board")

// StationStatus is the combined snapshot served by GET /status.
type StationStatus struct {
	State         string              `json:"state"`
	Run           orchestrator.Status `json:"run"`
	Chamber       types.ChamberStatus `json:"chamber"`
	ChamberWorker string              `json:"chamber_worker"`
	Uploading     bool                `json:"uploading"`
	LiveClients   int                 `json:"live_clients"`
	Timestamp     int64               `json:"timestamp"`
}

// RunControl is the operator's command surface of the orchestrator.
type RunControl interface {
	Status() orchestrator.Status
	LoadSuite(s *types.TestSuite, override bool) error
	StartRun() error
	Interrupt() error
	Clear() error
	Reset() error
}

// ChamberControl exposes manual control board commands.
type ChamberControl interface {
	SetTemperature(temp float64) error
	EmergencyStop() error
	ShowData() error
	Status() types.ChamberStatus
	State() types.WorkerState
}

type LifecycleManager interface {
	Config() *config.Config
	Orchestrator() RunControl
	Chamber() ChamberControl
	Suites() *suite.Loader
	Runs() storage.RunStore
	GetCurrentStatus() StationStatus
	// RestartChamber reconnects the control board after a forced
	// disconnect.
	RestartChamber(ctx context.Context) error
	// RestartTestBoard reopens the reader of the named board; an empty name
	// selects the main test board.
	RestartTestBoard(ctx context.Context, board string) error
	Shutdown(ctx context.Context) error
}
