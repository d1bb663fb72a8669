// FleetGrid Core - Device Fleet Backend
//
// This is the main entry point for the FleetGrid Core application: the
// session-security and real-time fan-out backend for device fleets.
// It serves the auth API, the WebSocket and SSE event transports, and
// ingests field-agent traffic from MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/fleetgrid/fleetgrid-core/migrations"

	"github.com/fleetgrid/fleetgrid-core/internal/gateway"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/config"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/database"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/influxdb"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/mqtt"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/reaper"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting FleetGrid Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// First-boot admin account
	users := user.NewRepository(db.DB)
	if _, seedErr := user.SeedAdmin(ctx, users, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// Token ledger
	ledger, err := token.NewLedger(token.Config{
		Secret:            cfg.Security.JWT.Secret,
		AccessTTL:         cfg.AccessTokenTTL(),
		RefreshTTL:        cfg.RefreshTokenTTL(),
		MaxRefreshPerUser: cfg.Security.JWT.MaxRefreshTokens,
	}, users, token.NewRefreshTokenRepository(db.DB),
		token.NewBlacklistRepository(db.DB), log)
	if err != nil {
		return fmt.Errorf("creating token ledger: %w", err)
	}

	// Fan-out core
	registry := realtime.NewRegistry(log)
	bus := realtime.NewBus(registry, cfg.EventBus.ReplayCapacity, log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled, ingest unavailable")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Gateway: auth API plus both event transports
	gw, err := gateway.New(gateway.Deps{
		Config:   cfg,
		Logger:   log,
		Ledger:   ledger,
		Users:    users,
		Registry: registry,
		Bus:      bus,
		MQTT:     mqttClient,
		Influx:   influxClient,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer func() {
		if closeErr := gw.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	// Background hygiene sweep
	rpr, err := reaper.New(reaper.Deps{
		Logger:    log,
		Ledger:    ledger,
		Registry:  registry,
		Interval:  cfg.ReaperInterval(),
		IdleBound: cfg.IdleBound(),
	})
	if err != nil {
		return fmt.Errorf("creating reaper: %w", err)
	}
	if err := rpr.Start(ctx); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	defer func() {
		if closeErr := rpr.Close(); closeErr != nil {
			log.Error("error closing reaper", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, gw, rpr); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Reaper
	// 2. Gateway
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("FleetGrid Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETGRID_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETGRID_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all components are healthy. Optional clients may
// be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client,
	influxClient *influxdb.Client, gw *gateway.Server, rpr *reaper.Reaper) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := gw.HealthCheck(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if err := rpr.HealthCheck(ctx); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}

	return nil
}
