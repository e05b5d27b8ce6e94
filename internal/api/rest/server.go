package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/defliez/temperature-chamber/internal/api/websocket"
	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/interfaces"
	"github.com/defliez/temperature-chamber/internal/serialport"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService

	listSerialPorts func() ([]serialport.PortInfo, error)
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,

		listSerialPorts: serialport.ListPorts,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: it would cut off /ws/live
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		v1.GET("/ws/live", s.wsLiveConnection)

		protected := v1.Group("")
		protected.Use(s.authService.AuthMiddleware())

		// ==================== READ (VIEWER+) ====================
		view := protected.Group("")
		view.Use(auth.RequirePermission(auth.PermView))
		{
			view.GET("/auth/me", s.getCurrentUser)
			view.GET("/status", s.getStatus)
			view.GET("/suites", s.listSuites)
			view.GET("/ports", s.listPorts)
			view.GET("/runs", s.listRuns)
			view.GET("/runs/:id", s.getRun)
			view.GET("/ws/status", s.wsStatus)
		}

		// ==================== STATION CONTROL (OPERATOR) ====================
		operate := protected.Group("")
		operate.Use(auth.RequirePermission(auth.PermOperate))
		{
			operate.POST("/suite", s.loadSuite)
			operate.POST("/suite/file", s.loadSuiteFile)

			operate.POST("/run/start", s.startRun)
			operate.POST("/run/interrupt", s.interruptRun)
			operate.POST("/queue/clear", s.clearQueue)
			operate.POST("/reset", s.resetStation)

			operate.POST("/chamber/command", s.chamberCommand)
			operate.POST("/chamber/connect", s.chamberConnect)
			operate.POST("/testboard/connect", s.testBoardConnect)

			operate.POST("/system/shutdown", s.shutdown)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
