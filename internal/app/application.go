// Package app wires the room synchronization components into one server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"roomsync/internal/access"
	"roomsync/internal/api"
	"roomsync/internal/auth"
	"roomsync/internal/clock"
	"roomsync/internal/config"
	"roomsync/internal/database"
	"roomsync/internal/hub"
	"roomsync/internal/interaction"
	"roomsync/internal/ledger"
	"roomsync/internal/presence"
	"roomsync/internal/router"
	"roomsync/internal/session"
	"roomsync/internal/websocket"
	pkgdatabase "roomsync/pkg/database"
)

// Application coordinates all system components
type Application struct {
	config    *config.Config
	dbManager *database.Manager
	hub       *hub.Hub
	machine   *interaction.Machine
	tracker   *presence.Tracker
	sessions  *session.Manager
	registry  *websocket.Registry
	limiter   *router.RateLimiter
	verifier  *auth.Verifier
	handler   http.Handler

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewApplication creates all components in dependency order:
// Database → Hub → Ledger → Interaction → Presence → Session → Access → Router → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Auth.Secret == config.DevelopmentSecret {
		log.Printf("WARNING: using the development token secret; set ROOMSYNC_AUTH_SECRET in production")
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	clk := clock.Real()
	messageHub := hub.NewHub(cfg.WebSocket.QueueLimit)
	responses := ledger.New(dbManager)
	machine := interaction.NewMachine(messageHub.Channel(), responses, dbManager, clk, interaction.Config{
		AcceptLateResponses: cfg.Interaction.AcceptLateResponses,
	})
	tracker := presence.NewTracker(messageHub.Channel(), clk)

	sessions := session.NewManager(dbManager, messageHub.Channel(), clk)
	if err := sessions.LoadActive(context.Background()); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load active rooms: %w", err)
	}
	sessions.OnEnd(machine.Drop)

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	validator := access.NewValidator(sessions, cfg.Access.Buffer, clk)

	limiter := router.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, clk)
	messageRouter := router.NewRouter(router.Dependencies{
		Channel:   messageHub.Channel(),
		Presence:  tracker,
		Machine:   machine,
		Artifacts: dbManager,
		Limiter:   limiter,
		Clock:     clk,
	})

	registry := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(websocket.HandlerDeps{
		Registry: registry,
		Verifier: verifier,
		Access:   validator,
		Rooms:    sessions,
		Presence: tracker,
		Hub:      messageHub,
		Router:   messageRouter,
		Clock:    clk,
		Settings: websocket.Settings{
			WriteBuffer:    cfg.WebSocket.BufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PongWait:       cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			LeaveGrace:     cfg.WebSocket.LeaveGrace,
		},
	})

	apiServer := api.NewServer(api.Dependencies{
		Rooms:    sessions,
		Roster:   tracker,
		Slides:   machine,
		Access:   validator,
		Registry: registry,
		Hub:      messageHub,
		Health:   dbManager,
		Verifier: verifier,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		hub:        messageHub,
		machine:    machine,
		tracker:    tracker,
		sessions:   sessions,
		registry:   registry,
		limiter:    limiter,
		verifier:   verifier,
		handler:    mux,
		httpServer: httpServer,
	}, nil
}

// Start starts the hub, binds the listener and serves in the background
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.running {
		return errors.New("application already running")
	}

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	app.stop = make(chan struct{})
	app.running = true

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	go app.cleanupLoop(app.stop)

	log.Printf("Room sync server listening on %s", listener.Addr())
	return nil
}

// cleanupLoop drops rate limiter buckets of idle participants
func (app *Application) cleanupLoop(stop <-chan struct{}) {
	defer app.wg.Done()
	idle := app.config.RateLimit.IdleTTL
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := app.limiter.Cleanup(idle); n > 0 {
				log.Printf("Rate limiter cleanup: removed=%d tracked=%d", n, app.limiter.Len())
			}
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP → Connections → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	if !app.running {
		app.mu.Unlock()
		return nil
	}
	app.running = false
	close(app.stop)
	app.mu.Unlock()

	log.Printf("Shutting down room sync server")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if n := app.registry.CloseAll(); n > 0 {
		log.Printf("Closed %d room connections", n)
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Transport hub shutdown error: %v", err)
	}
	app.wg.Wait()

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
		return err
	}
	log.Printf("Room sync server shutdown complete")
	return nil
}

// Addr returns the bound listener address once started, else the configured one
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the HTTP handler serving the API and the websocket endpoint
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Sessions exposes the room lifecycle manager
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}

// Machine exposes the authoritative interaction state machine
func (app *Application) Machine() *interaction.Machine {
	return app.machine
}

// Presence exposes the server roster
func (app *Application) Presence() *presence.Tracker {
	return app.tracker
}
