// Package reaper runs the background hygiene sweep: expired token
// records leave the ledger and silent connections leave the registry.
//
// The reaper is deliberately dumb. It owns no state of its own, never
// blocks a request path, and treats every sweep failure as a log line
// rather than a reason to stop. A missed sweep only means garbage lives
// a little longer.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
)

// Deps holds the dependencies required by the reaper.
type Deps struct {
	Logger   *logging.Logger
	Ledger   *token.Ledger
	Registry *realtime.Registry

	// Interval is the time between sweeps.
	Interval time.Duration

	// IdleBound is how long a connection may stay silent before it is
	// pruned. Zero disables idle pruning.
	IdleBound time.Duration
}

// Reaper periodically purges expired token state and idle connections.
type Reaper struct {
	logger    *logging.Logger
	ledger    *token.Ledger
	registry  *realtime.Registry
	interval  time.Duration
	idleBound time.Duration

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a reaper. It does not start sweeping until Start() is called.
func New(deps Deps) (*Reaper, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("token ledger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if deps.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", deps.Interval)
	}

	return &Reaper{
		logger:    deps.Logger.With("component", "reaper"),
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		interval:  deps.Interval,
		idleBound: deps.IdleBound,
	}, nil
}

// Start launches the sweep loop in a background goroutine. One sweep runs
// immediately so a restart does not wait a full interval to clear backlog.
func (r *Reaper) Start(ctx context.Context) error {
	var loopCtx context.Context
	loopCtx, r.cancel = context.WithCancel(ctx)
	r.stopped = make(chan struct{})

	go r.loop(loopCtx)

	r.logger.Info("reaper started",
		"interval", r.interval, "idle_bound", r.idleBound)
	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.stopped)

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs one hygiene pass. Failures are logged and the next tick
// tries again.
func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now()

	purged, err := r.ledger.SweepExpired(ctx)
	if err != nil {
		r.logger.Error("token sweep failed", "error", err)
	}

	var pruned int
	if r.idleBound > 0 {
		pruned = r.registry.PruneIdle(r.idleBound)
	}

	if purged > 0 || pruned > 0 {
		r.logger.Info("sweep completed",
			"tokens_purged", purged,
			"connections_pruned", pruned,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.stopped
	r.logger.Info("reaper stopped")
	return nil
}

// HealthCheck verifies the reaper's loop is still running.
func (r *Reaper) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("reaper health check: %w", ctx.Err())
	default:
	}

	if r.stopped == nil {
		return fmt.Errorf("reaper not started")
	}
	select {
	case <-r.stopped:
		return fmt.Errorf("reaper loop has exited")
	default:
	}
	return nil
}
