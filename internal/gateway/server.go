// Package gateway provides the HTTP API and dual-transport event gateway
// for FleetGrid Core.
//
// It exposes the auth endpoints (login, refresh, logout), the WebSocket
// channel, and the SSE push stream to clients, and converts MQTT ingest
// traffic from field agents into event-bus publishes.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := gateway.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/config"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/influxdb"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/mqtt"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// connectionGaugeInterval is how often live connection counts are sampled
// into InfluxDB.
const connectionGaugeInterval = 60 * time.Second

// Deps holds the dependencies required by the gateway server.
type Deps struct {
	Config   *config.Config
	Logger   *logging.Logger
	Ledger   *token.Ledger
	Users    user.Repository
	Registry *realtime.Registry
	Bus      *realtime.Bus
	MQTT     *mqtt.Client     // optional: ingest disabled when nil
	Influx   *influxdb.Client // optional: telemetry disabled when nil
	Version  string
}

// Server is the HTTP gateway for FleetGrid Core.
//
// It manages the HTTP listener, routes, middleware, and the two event
// transports. The server is created with New() and started with Start().
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	ledger   *token.Ledger
	users    user.Repository
	registry *realtime.Registry
	bus      *realtime.Bus
	mqtt     *mqtt.Client
	influx   *influxdb.Client
	version  string

	server *http.Server
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new gateway server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("token ledger is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if deps.Registry == nil || deps.Bus == nil {
		return nil, fmt.Errorf("connection registry and event bus are required")
	}
	// MQTT and InfluxDB are optional; ingest and telemetry degrade cleanly.

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger.With("component", "gateway"),
		ledger:   deps.Ledger,
		users:    deps.Users,
		registry: deps.Registry,
		bus:      deps.Bus,
		mqtt:     deps.MQTT,
		influx:   deps.Influx,
		version:  deps.Version,
	}, nil
}

// Publisher returns the event bus for business-logic publish calls
// (device CRUD handlers, heartbeat processing).
func (s *Server) Publisher() *realtime.Bus {
	return s.bus
}

// Start begins listening for HTTP connections.
//
// It subscribes to the MQTT ingest topics, starts the connection gauge
// sampler, and launches the HTTP listener in a background goroutine. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if err := s.subscribeIngest(); err != nil {
		s.logger.Warn("failed to subscribe to MQTT ingest topics", "error", err)
	}

	if s.influx != nil {
		go s.connectionGaugeLoop(srvCtx)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.API.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.API.Timeouts.Read) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.API.Timeouts.Idle) * time.Second,
		// No WriteTimeout: the SSE stream and WebSocket connections are
		// long-lived responses with their own keep-alive discipline.
	}

	go func() {
		var err error
		if s.cfg.API.TLS.Enabled {
			s.logger.Info("gateway starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.API.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.API.TLS.CertFile, s.cfg.API.TLS.KeyFile)
		} else {
			s.logger.Info("gateway starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the gateway.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("gateway shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	return nil
}

// HealthCheck verifies the gateway is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("gateway health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("gateway not started")
	}

	return nil
}

// connectionGaugeLoop samples live connection counts into InfluxDB until
// the context is cancelled.
func (s *Server) connectionGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(connectionGaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.registry.Stats()
			s.influx.WriteConnectionGauge(stats.Connections, stats.Users)
		}
	}
}
