package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ethrelay/internal/audit"
	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
	"github.com/nerrad567/gray-logic-ethrelay/internal/device"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Inventory is the read side of the module registry.
type Inventory interface {
	List() []device.Module
	Get(ctx context.Context, serial string) (*device.Module, error)
}

// History reads the audit log.
type History interface {
	History(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// SubscriptionCounter reports active MQTT subscriptions.
type SubscriptionCounter interface {
	SubscriptionCount() int
}

// DBStats reports connection pool statistics.
type DBStats interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
//
// Controller and Logger are required. The rest are optional; endpoints
// backed by a missing dependency answer 503 or omit the field.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller ethrelay.Controller
	DeviceID   string
	Inventory  Inventory
	History    History
	Journal    ethrelay.CommandJournal
	Checks     []ethrelay.HealthCheck
	MQTT       SubscriptionCounter
	DB         DBStats
	Version    string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	controller ethrelay.Controller
	deviceID   string
	inventory  Inventory
	history    History
	journal    ethrelay.CommandJournal
	checks     []ethrelay.HealthCheck
	mqtt       SubscriptionCounter
	db         DBStats
	version    string
	hub        *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called, but the WebSocket hub
// exists from here on so PublishTelemetry may be wired before Start.
//
// Parameters:
//   - deps: Dependencies; Logger and Controller are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("module controller is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		controller: deps.Controller,
		deviceID:   deps.DeviceID,
		inventory:  deps.Inventory,
		history:    deps.History,
		journal:    deps.Journal,
		checks:     deps.Checks,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		version:    deps.Version,
		hub:        NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port already in use is
// reported here. Requests are served in a background goroutine until Close.
//
// Parameters:
//   - ctx: Parent context for the WebSocket hub
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It closes WebSocket clients, then waits up to 10 seconds for in-flight
// requests to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// PublishTelemetry sends a snapshot to WebSocket clients subscribed to
// EventRelayState. It has the session telemetry callback signature.
func (s *Server) PublishTelemetry(t ethrelay.Telemetry) {
	s.hub.Broadcast(EventRelayState, ethrelay.NewStateMessage(s.deviceID, t))
}
