// Package app assembles the coordinator: archive, room manager, websocket
// endpoints, and the REST surface, all behind one HTTP listener.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"classpulse/internal/alert"
	"classpulse/internal/api"
	"classpulse/internal/archive"
	"classpulse/internal/attention"
	"classpulse/internal/config"
	"classpulse/internal/room"
	"classpulse/internal/websocket"
)

// Application wires all components together. Initialization order follows
// the dependency chain: archive, then rooms, then the HTTP surfaces.
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	archive    *archive.Archive
	manager    *room.Manager
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server
}

// NewLogger builds the process logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// NewApplication builds every component from cfg. A nil cfg means the
// built-in defaults.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		arch *archive.Archive
		sink room.Sink
	)
	if cfg.Archive.Path != "" {
		a, err := archive.Open(archive.Config{
			Path:      cfg.Archive.Path,
			QueueSize: cfg.Archive.QueueSize,
		}, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		// An interface holding a nil *Archive is not nil itself, so the
		// sink is only assigned when archiving is on.
		arch = a
		sink = a
	}

	roomCfg := room.DefaultConfig()
	roomCfg.Engine = attention.Config{
		CalibrationSamples: cfg.Engine.CalibrationSamples,
		BaselineScale:      cfg.Engine.BaselineScale,
		FallbackEAR:        cfg.Engine.FallbackEAR,
		LookAwayBand:       cfg.Engine.LookAwayBand,
		MaxYawDegrees:      cfg.Engine.MaxYawDegrees,
		DrowsyFrames:       cfg.Engine.DrowsyFrames,
		LookAwayFrames:     cfg.Engine.LookAwayFrames,
		EmitInterval:       cfg.Engine.EmitInterval,
	}
	roomCfg.Alerts = alert.Config{
		Dwell:        cfg.Alerts.Dwell,
		HistoryLimit: cfg.Alerts.HistoryLimit,
	}
	roomCfg.ChatPerMinute = cfg.Chat.PerMinute
	if err := roomCfg.Validate(); err != nil {
		if arch != nil {
			arch.Close()
		}
		return nil, fmt.Errorf("room configuration: %w", err)
	}

	manager := room.NewManager(roomCfg, sink, logger.Named("room"))

	wsHandler := websocket.NewHandler(manager, websocket.Config{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		QueueSize:        cfg.WebSocket.QueueSize,
		MaxMessageBytes:  cfg.WebSocket.MaxMessageBytes,
	}, logger.Named("ws"))

	var archiver api.Archiver
	if arch != nil {
		archiver = arch
	}
	apiServer := api.NewServer(manager, archiver, logger.Named("api"))

	mux := http.NewServeMux()
	mux.Handle("/health", apiServer)
	mux.Handle("/stats", apiServer)
	mux.Handle("/room/", apiServer)
	wsHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		archive:    arch,
		manager:    manager,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins serving. It returns once the listener is up or startup
// failed; the server itself keeps running in the background.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting classpulse", zap.String("addr", app.httpServer.Addr))

	serverErr := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("classpulse ready")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts everything down in reverse order: the listener stops accepting,
// rooms notify and drop their participants, then the archive drains.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	// Live websockets are hijacked connections and survive Shutdown; the
	// rooms close them next.
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := app.manager.CloseAll(ctx); err != nil {
		app.logger.Warn("room shutdown", zap.Error(err))
	}
	if app.archive != nil {
		if err := app.archive.Close(); err != nil {
			app.logger.Warn("archive close", zap.Error(err))
		}
	}

	app.logger.Info("shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
