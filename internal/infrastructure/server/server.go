package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/AgentOS/sandbox/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/terminal"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/tracing"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	engine   *engine.Client
	sessions *session.Manager
	consoles *terminal.Registry
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.NewFromLevel(cfg.Logging.Level, cfg.Logging.Development)

	logger.Info("Initializing sandbox server",
		zap.String("port", cfg.Server.Port),
		zap.String("engine_socket", cfg.Engine.Socket),
		zap.String("image", cfg.Session.Image),
	)

	// Metrics first, the engine client and session manager report into them.
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("sandbox", logger.Logger, tracing.Options{})

	eng := engine.New(engine.Options{
		Socket:            cfg.Engine.Socket,
		APITimeout:        cfg.Engine.APITimeout,
		AttachTimeout:     cfg.Engine.AttachTimeout,
		ExecCreateTimeout: cfg.Engine.ExecCreateTimeout,
		ExecTimeout:       cfg.Engine.ExecTimeout,
		Logger:            logger.Logger,
		Metrics:           metrics,
	})

	sessions, err := session.NewManager(eng, session.Options{
		Image:          cfg.Session.Image,
		NamePrefix:     cfg.Session.NamePrefix,
		MemoryLimit:    cfg.Session.MemoryLimit,
		CPUShares:      cfg.Session.CPUShares,
		StopGrace:      cfg.Session.StopGrace,
		FingerprintKey: []byte(cfg.Session.FingerprintKey),
		Logger:         logger.Logger,
		Metrics:        metrics,
	})
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	consoles := terminal.NewRegistry(sessions, terminal.HubOptions{
		ScrollbackSize: cfg.Console.ScrollbackBytes,
		Rows:           uint16(cfg.Console.DefaultRows),
		Cols:           uint16(cfg.Console.DefaultCols),
		Logger:         logger.Logger,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	}
	router.Use(middleware.CORS(corsCfg))

	var createLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting session creation",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		createLimit = middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	handlers := apihttp.NewHandlers(sessions, logger.Logger)
	ready := apihttp.NewReadinessHandler(eng, 2*time.Second, logger.Logger)
	apihttp.Register(router, handlers, ready, createLimit)

	wsHandler := ws.NewHandler(sessions, consoles, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Console.PingInterval,
		Logger:         logger.Logger,
		Metrics:        metrics,
	})
	wsHandler.Register(router)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine:   eng,
		sessions: sessions,
		consoles: consoles,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// CheckEngine pings the engine once and logs the outcome. An unreachable
// engine is not fatal: sessions fail individually until it comes back.
func (s *Server) CheckEngine(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("Container engine unreachable", zap.String("socket", s.config.Engine.Socket), zap.Error(err))
		return
	}
	s.logger.Info("Container engine reachable", zap.String("socket", s.config.Engine.Socket))
}

// Run starts the HTTP server and blocks until it is shut down.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends console hubs and stops every
// live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	err := s.http.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	s.consoles.Close()
	s.sessions.Shutdown(ctx)
	s.tracer.Close()

	s.logger.Info("Server stopped")
	_ = s.logger.Sync()
	return err
}
