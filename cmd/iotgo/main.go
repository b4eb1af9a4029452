// iotgo core - device command server.
//
// Devices and apps connect over websockets and exchange the device command
// protocol; the core tracks which devices are online, forwards app updates
// to devices and waits for their confirmation.
//
// Subcommands:
//
//	iotgo serve                      run the server (default)
//	iotgo factory --type SWITCH      create a factory device record
//	iotgo token <apikey>             issue an app token for an account
//	iotgo migrate status|down        inspect or roll back the schema
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/iotgo-core/internal/api"
	"github.com/nerrad567/iotgo-core/internal/auth"
	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/database"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotgo-core/internal/notify"
	"github.com/nerrad567/iotgo-core/internal/protocol"
	"github.com/nerrad567/iotgo-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// healthCheckInterval is how often infrastructure health is logged.
	healthCheckInterval = time.Minute
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Load configuration from `FILE`",
		EnvVars: []string{"IOTGO_CONFIG"},
		Value:   defaultConfigPath,
	}

	return &cli.App{
		Name:    "iotgo",
		Usage:   "Device command server for websocket-connected IoT devices",
		Version: fmt.Sprintf("%s (%s, %s)", version, commit, date),
		Flags:   []cli.Flag{configFlag},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the server",
				Action: func(c *cli.Context) error {
					return run(c.Context, c.String("config"))
				},
			},
			{
				Name:  "factory",
				Usage: "Create a factory device record and print its credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Device `NAME`", Value: "Switch"},
					&cli.StringFlag{Name: "type", Usage: "Device `TYPE`", Value: "SWITCH"},
					&cli.StringFlag{Name: "deviceid", Usage: "Use `ID` instead of a generated deviceid"},
				},
				Action: createFactoryDevice,
			},
			{
				Name:  "migrate",
				Usage: "Inspect or roll back database migrations",
				Subcommands: []*cli.Command{
					{
						Name:   "status",
						Usage:  "List applied and pending migrations",
						Action: migrationStatus,
					},
					{
						Name:   "down",
						Usage:  "Roll back the most recent migration",
						Action: migrateDown,
					},
				},
			},
			{
				Name:      "token",
				Usage:     "Issue an app token for an account apikey",
				ArgsUsage: "APIKEY",
				Action:    issueToken,
			},
		},
	}
}

// run is the server, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting iotgo core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	devices := device.NewSQLiteRepository(db.DB)

	// Protocol core
	bus := protocol.NewBus(cfg.Protocol.EventQueueSize)
	bus.SetLogger(log.Component("events"))
	defer bus.Close()

	registry := protocol.NewRegistry(bus)
	registry.SetLogger(log.Component("registry"))
	defer registry.Close()

	pending := protocol.NewPendingTable(registry)
	pending.SetLogger(log.Component("pending"))

	dispatcher := protocol.NewDispatcher(devices, registry, pending, bus, cfg.GetPendingRequestTimeout())
	dispatcher.SetLogger(log.Component("dispatcher"))

	presence := notify.NewPresence(devices)
	presence.SetLogger(log.Component("presence"))
	presence.Start(bus)
	defer presence.Stop()

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
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

		forwarder := notify.NewForwarder(mqttClient)
		forwarder.SetLogger(log.Component("forwarder"))
		forwarder.Start(bus)
		defer forwarder.Stop()

		commands := notify.NewCommandBridge(mqttClient, mqttClient, dispatcher, devices)
		commands.SetLogger(log.Component("commands"))
		if err := commands.Start(); err != nil {
			return fmt.Errorf("starting MQTT command bridge: %w", err)
		}
		defer commands.Close()
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		telemetry := notify.NewTelemetry(influxClient)
		telemetry.Start(bus)
		defer telemetry.Stop()
	} else {
		log.Info("InfluxDB disabled")
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Devices:    devices,
		Auth:       auth.NewVerifier(devices, cfg.Security.JWT),
		Bus:        bus,
		Registry:   registry,
		Pending:    pending,
		Dispatcher: dispatcher,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, srv); err != nil {
		srv.Close() //nolint:errcheck // Startup already failed
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, cleaning up")
		return srv.Close()
	})
	g.Go(func() error {
		monitorHealth(gctx, log, db, mqttClient, influxClient, srv)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Deferred calls run in reverse order: telemetry, InfluxDB, command
	// bridge, forwarder, MQTT, presence, registry, bus, database.
	log.Info("iotgo core stopped")
	return nil
}

// openDatabase opens the SQLite database and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Migration error takes precedence
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// healthCheck verifies every enabled component. mqttClient and influxClient
// may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, srv *api.Server) error {
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

	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// monitorHealth logs failing components until ctx is cancelled.
func monitorHealth(ctx context.Context, log *logging.Logger, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, srv *api.Server) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := healthCheck(ctx, db, mqttClient, influxClient, srv); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("health check failed", "error", err)
			}
		}
	}
}

// createFactoryDevice inserts a factory record. The printed apikey is the
// one to flash into the device.
func createFactoryDevice(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := openDatabase(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	f := &device.FactoryDevice{
		DeviceID: c.String("deviceid"),
		APIKey:   device.NewID(),
		Name:     c.String("name"),
		Type:     c.String("type"),
	}
	if f.DeviceID == "" {
		f.DeviceID = device.NewID()
	}

	if err := device.NewSQLiteRepository(db.DB).CreateFactoryDevice(c.Context, f); err != nil {
		return fmt.Errorf("creating factory device: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "deviceid: %s\napikey:   %s\n", f.DeviceID, f.APIKey)
	return nil
}

// openStore loads the config and opens the database without migrating it.
func openStore(c *cli.Context) (*database.DB, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// migrationStatus prints one line per migration.
func migrationStatus(c *cli.Context) error {
	db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := db.MigrationStatus(c.Context, migrations.FS)
	if err != nil {
		return err
	}
	for _, r := range applied {
		fmt.Fprintf(c.App.Writer, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(c.App.Writer, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}

func migrateDown(c *cli.Context) error {
	db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.MigrateDown(c.Context, migrations.FS); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	fmt.Fprintln(c.App.Writer, "rolled back one migration")
	return nil
}

// issueToken prints a signed app token for the apikey argument.
func issueToken(c *cli.Context) error {
	apiKey := c.Args().First()
	if !device.ValidID(apiKey) {
		return cli.Exit("usage: iotgo token APIKEY (apikey must be a valid id)", 2)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateAppToken(apiKey, cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer,
		time.Duration(cfg.Security.JWT.AccessTokenTTL)*time.Minute)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
