// Gray Logic ETH relay bridge.
//
// This is the entry point for the bridge between Gray Logic Core and a
// Devantech ETH002-family network relay module. It holds one TCP session
// to the module, polls its supply voltage and relay state, and carries
// relay commands and state over MQTT.
//
// The bridge does not reconnect. When the module session fails the
// process records the failure and exits non-zero so the service manager
// can restart it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/gray-logic-ethrelay/migrations"

	"github.com/nerrad567/gray-logic-ethrelay/internal/api"
	"github.com/nerrad567/gray-logic-ethrelay/internal/audit"
	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
	"github.com/nerrad567/gray-logic-ethrelay/internal/console"
	"github.com/nerrad567/gray-logic-ethrelay/internal/device"
	"github.com/nerrad567/gray-logic-ethrelay/internal/discovery"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// errSessionFailed wraps the module failure reported by the session.
var errSessionFailed = errors.New("module session failed")

// options holds command-line flags.
type options struct {
	configPath    string
	console       bool
	scan          bool
	migrateStatus bool
	migrateDown   bool
	showVersion   bool
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("ethrelay %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseOptions parses command-line arguments.
//
// The config path comes from --config, then ETHRELAY_CONFIG, then the
// default path.
func parseOptions(args []string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("ethrelay", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	fs.BoolVar(&opts.console, "console", false, "start the interactive console")
	fs.BoolVar(&opts.scan, "scan", false, "list modules found by discovery and exit")
	fs.BoolVar(&opts.migrateStatus, "migrate-status", false, "print applied and pending migrations and exit")
	fs.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the latest migration and exit")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.migrateStatus && opts.migrateDown {
		return options{}, errors.New("--migrate-status and --migrate-down are exclusive")
	}

	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Checks ETHRELAY_CONFIG environment variable first, falls back to default.
func getConfigPath() string {
	if path := os.Getenv("ETHRELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command-line options
//
// Returns:
//   - error: nil on clean shutdown, errSessionFailed if the module
//     session ended on its own, or a startup failure
func run(ctx context.Context, opts options) error { //nolint:gocognit,gocyclo,funlen,maintidx // linear startup sequence
	log := logging.Default()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The console owns the terminal, so it exists before anything logs and
	// every component gets a logger writing through it.
	var con *console.Console
	if (cfg.Console.Enabled || opts.console) && !opts.scan && !opts.migrateStatus && !opts.migrateDown {
		con, err = console.New(console.Config{
			Prompt:      cfg.Console.Prompt,
			HistoryFile: cfg.Console.HistoryFile,
		})
		if err != nil {
			return fmt.Errorf("starting console: %w", err)
		}
		defer con.Close() //nolint:errcheck // terminal restore on exit
		log = logging.NewWithWriter(con.Stdout(), cfg.Logging, version)
	} else {
		log = logging.New(cfg.Logging, version)
	}

	log.Info("starting ETH relay bridge",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
	)

	scanner := newScanner(cfg.Discovery)
	if opts.scan {
		return printScan(ctx, os.Stdout, scanner)
	}

	var checks []ethrelay.HealthCheck

	// Open database (optional)
	var (
		registry *device.Registry
		journal  *audit.Journal
		dbStats  api.DBStats
	)
	if opts.migrateStatus || opts.migrateDown {
		if !cfg.Database.Enabled {
			return errors.New("database is disabled")
		}
	}
	if cfg.Database.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		switch {
		case opts.migrateStatus:
			applied, pending, statusErr := db.GetMigrationStatus(ctx)
			if statusErr != nil {
				return fmt.Errorf("reading migration status: %w", statusErr)
			}
			printMigrationStatus(os.Stdout, applied, pending)
			return nil
		case opts.migrateDown:
			if downErr := db.MigrateDown(ctx); downErr != nil {
				return fmt.Errorf("rolling back migration: %w", downErr)
			}
			log.Info("rolled back latest migration", "path", cfg.Database.Path)
			return nil
		}

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		registry = device.NewRegistry(device.NewSQLiteRepository(db.DB))
		registry.SetLogger(log)
		if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
			return fmt.Errorf("loading module inventory: %w", refreshErr)
		}
		journal = audit.NewJournal(audit.NewSQLiteRepository(db.DB))
		checks = append(checks, ethrelay.HealthCheck{Name: "database", Check: db.HealthCheck})
		dbStats = db
		log.Info("database ready", "path", cfg.Database.Path, "modules", registry.Count())
	} else {
		log.Info("database disabled")
	}

	// Resolve the module address
	host, hostName, err := resolveTarget(ctx, cfg.Device, scanner)
	if err != nil {
		return fmt.Errorf("resolving module: %w", err)
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		lwt, lwtErr := ethrelay.LWTPayload(cfg.Device.ID)
		if lwtErr != nil {
			return fmt.Errorf("building LWT: %w", lwtErr)
		}

		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.Will{Topic: ethrelay.HealthTopic(), Payload: lwt})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		checks = append(checks, ethrelay.HealthCheck{Name: "mqtt", Check: mqttClient.HealthCheck})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks = append(checks, ethrelay.HealthCheck{Name: "influxdb", Check: influxClient.HealthCheck})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	session := ethrelay.NewSession(ethrelay.SessionConfig{
		Address:          host,
		Port:             cfg.Device.Port,
		Password:         cfg.Device.Password,
		Channels:         cfg.Device.Channels,
		ConnectTimeout:   cfg.Device.ConnectTimeout,
		IOTimeout:        cfg.Device.IOTimeout,
		PollInterval:     cfg.Device.PollInterval,
		CloseGracePeriod: cfg.Device.CloseGracePeriod,
	})
	session.SetLogger(log)
	tee := &telemetryTee{Controller: session}

	if con != nil {
		deps := console.Deps{Controller: session, Scanner: scanner}
		if registry != nil {
			deps.Inventory = registry
		}
		if journal != nil {
			deps.History = journal
		}
		con.Bind(deps)
	}

	events := &sessionEvents{
		deviceID: cfg.Device.ID,
		journal:  journal,
		influx:   influxClient,
		log:      log,
	}

	var bridge *ethrelay.Bridge
	if mqttClient != nil {
		bridgeOpts := ethrelay.BridgeOptions{
			DeviceID:       cfg.Device.ID,
			Version:        version,
			HealthInterval: cfg.GetHealthInterval(),
			MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
			Session:        tee,
			Logger:         log,
			HealthChecks:   checks,
		}
		if influxClient != nil {
			bridgeOpts.Recorder = influxClient
		}
		if journal != nil {
			bridgeOpts.Journal = journal
		}
		bridge, err = ethrelay.NewBridge(bridgeOpts)
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
	} else if influxClient != nil {
		tee.Add(func(t ethrelay.Telemetry) {
			influxClient.RecordTelemetry(cfg.Device.ID, t)
		})
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log.With("component", "api"),
			Controller: session,
			DeviceID:   cfg.Device.ID,
			Checks:     checks,
			DB:         dbStats,
			Version:    version,
		}
		if registry != nil {
			apiDeps.Inventory = registry
		}
		if journal != nil {
			apiDeps.History = journal
			apiDeps.Journal = journal
		}
		if mqttClient != nil {
			apiDeps.MQTT = mqttClient
		}
		apiServer, err = api.New(apiDeps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		tee.Add(apiServer.PublishTelemetry)
	}

	// Single error sink: record the failure and end the run.
	failed := make(chan string, 1)
	session.SetOnError(func(msg string) {
		events.record(audit.ActionError, map[string]any{"error": msg})
		if bridge != nil {
			bridge.SessionClosed(msg)
		}
		failed <- msg
		cancelRun()
	})

	if err := session.Connect(runCtx); err != nil {
		return fmt.Errorf("connecting to module %s: %w", session.Address(), err)
	}

	snap := session.Snapshot()
	log.Info("module connected",
		"address", session.Address(),
		"session_id", session.ID(),
		"serial", snap.SerialNumber,
		"module_id", snap.ModuleID,
		"firmware", snap.Firmware,
	)
	if registry != nil {
		if _, obsErr := registry.Observe(ctx, device.ModuleFromTelemetry(snap, hostName)); obsErr != nil {
			log.Error("failed to record module", "error", obsErr)
		}
	}
	events.record(audit.ActionConnect, map[string]any{
		"address":    session.Address(),
		"serial":     snap.SerialNumber,
		"session_id": session.ID(),
	})

	if bridge != nil {
		if err := bridge.Start(runCtx); err != nil {
			_ = session.Close()
			return fmt.Errorf("starting bridge: %w", err)
		}
		log.Info("bridge started", "device_id", cfg.Device.ID)
	} else {
		tee.SetOnTelemetry(nil)
	}

	if apiServer != nil {
		if err := apiServer.Start(runCtx); err != nil {
			_ = session.Close()
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if con != nil {
		go con.Run(runCtx, cancelRun)
	}

	log.Info("ETH relay bridge started")
	<-runCtx.Done()
	log.Info("shutting down")

	if bridge != nil {
		bridge.Stop()
	}
	if closeErr := session.Close(); closeErr != nil {
		log.Error("error closing session", "error", closeErr)
	}

	select {
	case msg := <-failed:
		return fmt.Errorf("%w: %s", errSessionFailed, msg)
	default:
	}

	events.record(audit.ActionDisconnect, map[string]any{"address": session.Address()})
	log.Info("ETH relay bridge stopped")
	return nil
}

// newScanner builds the configured module scanner.
func newScanner(cfg config.DiscoveryConfig) discovery.Scanner {
	switch cfg.Mode {
	case config.DiscoveryMDNS:
		return discovery.NewMDNSScanner(discovery.MDNSConfig{
			Service: cfg.Service,
			Domain:  cfg.Domain,
			Timeout: cfg.Timeout,
		})
	case config.DiscoveryBroadcast:
		return discovery.NewBroadcastScanner(discovery.BroadcastConfig{
			Address: cfg.BroadcastAddress,
			Timeout: cfg.Timeout,
		})
	}

	entries := make([]discovery.ScanResult, 0, len(cfg.Static))
	for _, e := range cfg.Static {
		entries = append(entries, discovery.ScanResult{HostName: e.HostName, IP: e.IP})
	}
	return discovery.NewStaticScanner(entries)
}

// resolveTarget returns the address to dial and the module's host name.
// A configured host wins; otherwise the module is found by name.
func resolveTarget(ctx context.Context, cfg config.DeviceConfig, scanner discovery.Scanner) (host, hostName string, err error) {
	if cfg.Host != "" {
		return cfg.Host, cfg.Name, nil
	}

	results, err := scanner.Scan(ctx)
	if err != nil {
		return "", "", err
	}
	target, err := discovery.Select(results, cfg.Name)
	if err != nil {
		return "", "", err
	}
	return target.IP, target.HostName, nil
}

// printScan lists discovered modules.
func printScan(ctx context.Context, w io.Writer, scanner discovery.Scanner) error {
	results, err := scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "no modules found")
		return nil
	}
	for _, r := range results {
		fmt.Fprintln(w, r)
	}
	return nil
}

// printMigrationStatus writes applied and pending migrations as a table.
func printMigrationStatus(w io.Writer, applied []database.MigrationRecord, pending []database.Migration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tDETAIL")
	for _, m := range applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", m.Version, m.AppliedAt.Local().Format("2006-01-02 15:04:05"))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending\t%s\n", m.Version, m.Name)
	}
	tw.Flush() //nolint:errcheck // best-effort terminal output
}

// telemetryTee shares the session's single telemetry callback. The bridge
// installs its callback through SetOnTelemetry; sinks added with Add run
// after it on every snapshot.
type telemetryTee struct {
	ethrelay.Controller

	mu    sync.Mutex
	sinks []func(ethrelay.Telemetry)
}

// Add registers a sink. Call before the callback is installed.
func (t *telemetryTee) Add(sink func(ethrelay.Telemetry)) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// SetOnTelemetry installs callback followed by every added sink. A nil
// callback leaves only the sinks.
func (t *telemetryTee) SetOnTelemetry(callback func(ethrelay.Telemetry)) {
	t.mu.Lock()
	sinks := make([]func(ethrelay.Telemetry), 0, len(t.sinks)+1)
	if callback != nil {
		sinks = append(sinks, callback)
	}
	sinks = append(sinks, t.sinks...)
	t.mu.Unlock()

	if len(sinks) == 0 {
		t.Controller.SetOnTelemetry(nil)
		return
	}
	t.Controller.SetOnTelemetry(func(snap ethrelay.Telemetry) {
		for _, sink := range sinks {
			sink(snap)
		}
	})
}

// sessionEvents fans session lifecycle events out to the audit journal
// and InfluxDB. Either may be nil.
type sessionEvents struct {
	deviceID string
	journal  *audit.Journal
	influx   *influxdb.Client
	log      *logging.Logger
}

func (e *sessionEvents) record(action string, details map[string]any) {
	if e.journal != nil {
		// The run context may already be cancelled on shutdown.
		if err := e.journal.RecordSession(context.Background(), e.deviceID, action, details); err != nil {
			e.log.Error("failed to write audit log", "action", action, "error", err)
		}
	}
	if e.influx != nil {
		detail, _ := details["error"].(string)
		e.influx.WriteSessionEvent(e.deviceID, action, detail)
	}
	if action == audit.ActionError {
		e.log.Error("module session failed", "details", details)
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements ethrelay.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements ethrelay.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements ethrelay.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements ethrelay.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
