// Package api provides the HTTP REST API and WebSocket event stream for
// the unifyd daemon.
//
// It exposes the aggregated device, audio, and network state to desktop
// shells and applets, accepts commands, and streams normalised changes
// over WebSocket with a snapshot-then-deltas handshake.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/veldaine/unifyd/internal/aggregate"
	"github.com/veldaine/unifyd/internal/command"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/infrastructure/logging"
	"github.com/veldaine/unifyd/internal/journal"
	"github.com/veldaine/unifyd/internal/state"
	"github.com/veldaine/unifyd/internal/subscribe"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StateReader supplies snapshots and lookups. Satisfied by *state.Store.
type StateReader interface {
	Snapshot(categories ...state.Category) state.Snapshot
	Sequence() uint64
	Counts() map[state.Category]int
}

// Dispatcher validates and executes commands. Satisfied by *command.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd state.Command) (command.Receipt, error)
}

// StatusReporter exposes per-backend connection status.
// Satisfied by *aggregate.Aggregator.
type StatusReporter interface {
	Status() []aggregate.AdapterStatus
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Store      StateReader
	Subs       *subscribe.Registry
	Dispatcher Dispatcher
	Status     StatusReporter
	Journal    *journal.Journal // optional; journal routes 404 when nil
	Version    string
}

// Server is the HTTP API server for the daemon.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// client set. The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	store      StateReader
	subs       *subscribe.Registry
	dispatcher Dispatcher
	status     StatusReporter
	journal    *journal.Journal
	version    string
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, store, registry, dispatcher)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if deps.Subs == nil {
		return nil, fmt.Errorf("subscription registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		store:      deps.Store,
		subs:       deps.Subs,
		dispatcher: deps.Dispatcher,
		status:     deps.Status,
		journal:    deps.Journal,
		version:    deps.Version,
		hub:        NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
