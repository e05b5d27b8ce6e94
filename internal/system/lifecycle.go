package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/api/rest"
	"github.com/defliez/temperature-chamber/internal/api/websocket"
	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/chamber"
	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/events"
	"github.com/defliez/temperature-chamber/internal/interfaces"
	"github.com/defliez/temperature-chamber/internal/orchestrator"
	"github.com/defliez/temperature-chamber/internal/pattern"
	"github.com/defliez/temperature-chamber/internal/progress"
	"github.com/defliez/temperature-chamber/internal/serialport"
	"github.com/defliez/temperature-chamber/internal/storage"
	"github.com/defliez/temperature-chamber/internal/suite"
	"github.com/defliez/temperature-chamber/internal/testboard"
	"github.com/defliez/temperature-chamber/internal/upload"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const source = "system"

// LifecycleManager wires the station together and owns startup and
// shutdown order.
type LifecycleManager struct {
	config       *config.Config
	logger       *zap.Logger
	bus          *events.Bus
	opener       serialport.Opener
	chamber      *chamber.Worker
	coordinator  *upload.Coordinator
	wifi         *upload.Coordinator
	orchestrator *orchestrator.Orchestrator
	suites       *suite.Loader
	runs         storage.RunStore
	authService  *auth.AuthService
	wsHub        *websocket.Hub
	health       *healthTracker

	restServer *rest.Server
	grpcServer *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState

	chamberMu    sync.Mutex
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(runs storage.RunStore, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	return newLifecycleManager(runs, cfg, serialport.SystemOpener{}, upload.ExecRunner{}, logger)
}

func newLifecycleManager(
	runs storage.RunStore,
	cfg *config.Config,
	opener serialport.Opener,
	runner upload.Runner,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	suites, err := suite.NewLoader(cfg.Suite.Directory, logger.Named("suite"))
	if err != nil {
		return nil, fmt.Errorf("failed to create suite loader: %w", err)
	}

	bus := events.NewBus(logger.Named("events"))

	chamberWorker := chamber.NewWorker(chamber.Config{
		Port:             cfg.ControlBoard.Port,
		BaudRate:         cfg.ControlBoard.BaudRate,
		ReadTimeout:      cfg.ControlBoard.ReadTimeout,
		PingInterval:     cfg.Chamber.PingInterval,
		SilenceTimeout:   cfg.Chamber.SilenceTimeout,
		CableTimeout:     cfg.Chamber.CableTimeout,
		WatchdogInterval: cfg.Chamber.WatchdogInterval,
		EmergencyRealert: cfg.Chamber.EmergencyRealert,
	}, opener, bus, logger.Named("chamber"))

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		bus:          bus,
		opener:       opener,
		chamber:      chamberWorker,
		suites:       suites,
		runs:         runs,
		currentState: StateInitializing,
		ctx:          context.Background(),
		shutdownChan: make(chan struct{}),
	}

	matcher := pattern.NewMatcher(logger.Named("pattern"))
	lm.coordinator = lm.newBoard("", cfg.TestBoard, cfg.Upload.FQBN, runner, matcher)

	var secondary []string
	if cfg.WifiBoard.Enabled() {
		fqbn := cfg.WifiBoard.FQBN
		if fqbn == "" {
			fqbn = cfg.Upload.FQBN
		}
		lm.wifi = lm.newBoard(cfg.WifiBoard.Name, cfg.WifiBoard.Serial(), fqbn, runner, matcher)
		secondary = append(secondary, cfg.WifiBoard.Name)
	}

	lm.orchestrator = orchestrator.New(orchestrator.Config{
		TargetTolerance: cfg.Chamber.TargetTolerance,
		TempGapWarning:  cfg.Chamber.TempGapWarning,
		MaxTemp:         cfg.Chamber.MaxTemp,
		Minute:          cfg.Chamber.Minute,
	}, chamberWorker, lm.coordinator, runs, progress.NewEstimator(logger.Named("progress")), bus, logger.Named("orchestrator"))

	lm.authService = auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	lm.wsHub = websocket.NewHub(logger.Named("websocket"), lm.authService)
	lm.wsHub.SetStatusProvider(lm)
	lm.health = newHealthTracker(logger.Named("health"), secondary...)

	return lm, nil
}

// newBoard wires one test board: a port guard shared by its reader and the
// upload tool, a reader factory and the upload coordinator. board is empty
// for the main test board.
func (lm *LifecycleManager) newBoard(
	board string,
	serial config.SerialConfig,
	fqbn string,
	runner upload.Runner,
	matcher *pattern.Matcher,
) *upload.Coordinator {
	cfg := lm.config
	name := "testboard"
	if board != "" {
		name = board
	}

	guard := serialport.NewGuard(serial.Port)
	readerCfg := testboard.Config{
		Board:            board,
		Port:             serial.Port,
		BaudRate:         serial.BaudRate,
		ReadTimeout:      serial.ReadTimeout,
		SilenceTimeout:   cfg.TestBoardWatch.SilenceTimeout,
		WatchdogInterval: cfg.TestBoardWatch.WatchdogInterval,
		OpenDelay:        cfg.TestBoardWatch.OpenDelay,
	}
	readerLogger := lm.logger.Named(name)
	newReader := func() upload.BoardReader {
		// lm.orchestrator is set before the first reader starts
		return testboard.NewReader(readerCfg, lm.opener, guard, lm.orchestrator, matcher, lm.bus, readerLogger)
	}

	command := upload.DefaultCommand(fqbn)
	if cfg.Upload.Tool != "" {
		command = upload.Command{Tool: cfg.Upload.Tool, Args: cfg.Upload.Args, FQBN: fqbn}
	}
	return upload.NewCoordinator(upload.Config{
		Board:       board,
		Port:        serial.Port,
		Command:     command,
		SettleDelay: cfg.Upload.SettleDelay,
		Timeout:     cfg.Upload.Timeout,
	}, runner, guard, newReader, lm.bus, lm.logger.Named("upload").Named(name))
}

// Start brings up the workers and the API servers. A control or test board
// that cannot be opened is reported but does not stop the daemon; the
// operator reconnects through the API.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting temperature chamber station")

	ctx, cancel := context.WithCancel(context.Background())
	lm.ctx, lm.cancel = ctx, cancel

	go lm.wsHub.Run(ctx)
	go lm.wsHub.Forward(ctx, lm.bus)
	go lm.health.run(ctx, lm.bus.Subscribe(64,
		events.TypeWorkerState,
		events.TypeEmergencyStop,
		events.TypeEmergencyCleared,
		events.TypeUploadStarted,
		events.TypeUploadFinished))

	if err := lm.orchestrator.Start(ctx); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if err := lm.chamber.Start(ctx); err != nil {
		lm.logger.Error("Control board unavailable", zap.Error(err))
	}
	if err := lm.coordinator.Start(ctx); err != nil {
		lm.logger.Error("Test board unavailable", zap.Error(err))
	}
	if lm.wifi != nil {
		lm.startWifiBoard(ctx)
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService)
	if err := lm.restServer.Start(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("Station started",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("control_board", lm.config.ControlBoard.Port),
		zap.String("test_board", lm.config.TestBoard.Port),
		zap.String("wifi_board", lm.config.WifiBoard.Port))

	return nil
}

func (lm *LifecycleManager) startWifiBoard(ctx context.Context) {
	b := lm.config.WifiBoard
	if err := lm.wifi.Start(ctx); err != nil {
		lm.logger.Error("Wifi board unavailable", zap.String("board", b.Name), zap.Error(err))
	}
	if b.Sketch == "" {
		return
	}

	// not tied to a test; the orchestrator ignores uploads it did not request
	id, err := lm.wifi.Upload(upload.Request{TestIndex: -1, Sketch: b.Sketch})
	if err != nil {
		lm.logger.Error("Wifi board setup upload failed", zap.String("board", b.Name), zap.Error(err))
		return
	}
	lm.logger.Info("Flashing wifi board",
		zap.String("board", b.Name),
		zap.String("sketch", b.Sketch),
		zap.String("upload_id", id))
}

// Shutdown stops the API first so no new commands arrive, then the
// orchestrator, then the workers holding serial ports.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down station")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished, including shutdowns requested
// through the API.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	if lm.grpcServer != nil {
		lm.health.server.Shutdown()
		lm.grpcServer.GracefulStop()
	}

	done := make(chan struct{})
	go func() {
		// interrupts a run in progress and waits for its record to be saved
		lm.orchestrator.Stop()
		lm.coordinator.Stop()
		if lm.wifi != nil {
			lm.wifi.Stop()
		}
		lm.chamber.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	if lm.cancel != nil {
		lm.cancel()
	}
	lm.bus.Close()

	if len(errs) > 0 {
		return errs[0]
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health.server)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// RestartChamber reopens the control board connection, typically after the
// silence watchdog forced a disconnect.
func (lm *LifecycleManager) RestartChamber(ctx context.Context) error {
	lm.chamberMu.Lock()
	defer lm.chamberMu.Unlock()

	lm.chamber.Stop()
	if err := lm.chamber.Start(lm.ctx); err != nil {
		return err
	}

	lm.logger.Info("Control board connection restarted", zap.String("port", lm.config.ControlBoard.Port))
	return nil
}

func (lm *LifecycleManager) RestartTestBoard(ctx context.Context, board string) error {
	coordinator, port := lm.coordinator, lm.config.TestBoard.Port
	switch {
	case board == "" || board == ServiceTestBoard:
	case lm.wifi != nil && board == lm.config.WifiBoard.Name:
		coordinator, port = lm.wifi, lm.config.WifiBoard.Port
	default:
		return fmt.Errorf("%s: %w", board, interfaces.ErrUnknownBoard)
	}

	if err := coordinator.RestartReader(); err != nil {
		return err
	}

	lm.logger.Info("Test board reader restarted", zap.String("board", board), zap.String("port", port))
	return nil
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Orchestrator() interfaces.RunControl {
	return lm.orchestrator
}

func (lm *LifecycleManager) Chamber() interfaces.ChamberControl {
	return lm.chamber
}

func (lm *LifecycleManager) Suites() *suite.Loader {
	return lm.suites
}

func (lm *LifecycleManager) Runs() storage.RunStore {
	return lm.runs
}

// GetCurrentStatus returns current station status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.StationStatus {
	return interfaces.StationStatus{
		State:         lm.State().String(),
		Run:           lm.orchestrator.Status(),
		Chamber:       lm.chamber.Status(),
		ChamberWorker: lm.chamber.State().String(),
		Uploading:     lm.coordinator.Busy() || (lm.wifi != nil && lm.wifi.Busy()),
		LiveClients:   lm.wsHub.GetClientCount(),
		Timestamp:     time.Now().Unix(),
	}
}

// Snapshot is sent to live clients right after they authenticate.
func (lm *LifecycleManager) Snapshot() any {
	return lm.GetCurrentStatus()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	from := lm.currentState
	if err := ValidateTransition(from, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.bus.Publish(events.New(events.TypeWorkerState, source, events.WorkerState{
		Worker:   source,
		State:    state.String(),
		Previous: from.String(),
	}))
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("Station failed", zap.Error(err))
	lm.setState(StateError)
}
