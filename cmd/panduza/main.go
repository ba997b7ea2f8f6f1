// Panduza - test bench instrumentation platform
//
// This is the main entry point of the platform. It loads the configuration,
// connects to the MQTT broker named by the connection-info file and runs one
// instance per production order in the fleet, plus the reflective "_" device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/panduza/panduza-core/internal/api"
	"github.com/panduza/panduza-core/internal/connection"
	"github.com/panduza/panduza-core/internal/connector"
	"github.com/panduza/panduza-core/internal/connector/usbport"
	"github.com/panduza/panduza-core/internal/devices/rawport"
	"github.com/panduza/panduza-core/internal/devices/reflective"
	"github.com/panduza/panduza-core/internal/devices/registermap"
	"github.com/panduza/panduza-core/internal/discovery"
	"github.com/panduza/panduza-core/internal/factory"
	"github.com/panduza/panduza-core/internal/fleet"
	"github.com/panduza/panduza-core/internal/infrastructure/config"
	"github.com/panduza/panduza-core/internal/infrastructure/database"
	"github.com/panduza/panduza-core/internal/infrastructure/influxdb"
	"github.com/panduza/panduza-core/internal/infrastructure/logging"
	"github.com/panduza/panduza-core/internal/infrastructure/mqtt"
	"github.com/panduza/panduza-core/internal/metrics"
	"github.com/panduza/panduza-core/internal/plugin"
	"github.com/panduza/panduza-core/internal/process"
	"github.com/panduza/panduza-core/internal/reactor"
	"github.com/panduza/panduza-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath     string
	connectionPath string
	initConnection bool
	logLevel       string
	pluginDirs     []string
	showVersion    bool
}

// parseFlags reads args. The config path falls back to PANDUZA_CONFIG.
func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("panduza", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv("PANDUZA_CONFIG"), "platform configuration file (YAML)")
	fs.StringVar(&o.connectionPath, "connection", "", "connection-info file (default: config connection_file, then the platform path)")
	fs.BoolVar(&o.initConnection, "init-connection", false, "write a local-broker connection-info file when none exists")
	fs.StringVar(&o.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	fs.StringArrayVar(&o.pluginDirs, "plugin-dir", nil, "additional plugin directory (repeatable)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//   - stdout: Destination of --version output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "panduza %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting panduza", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	if opts.logLevel != "" {
		log.SetLevel(opts.logLevel)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	connPath := firstNonEmpty(opts.connectionPath, cfg.ConnectionFile, connection.DefaultPath())
	if opts.initConnection {
		if err := initConnection(connPath, log); err != nil {
			return err
		}
	}
	info, err := connection.Load(connPath)
	if err != nil {
		return fmt.Errorf("loading connection info: %w", err)
	}
	log.Info("connection info loaded",
		"path", connPath,
		"broker", net.JoinHostPort(info.Broker.Addr, strconv.Itoa(info.Broker.Port)),
		"platform", info.Platform.Name,
	)

	if cfg.Broker.Managed {
		broker, startErr := startBroker(ctx, cfg.Broker, info, log)
		if startErr != nil {
			return fmt.Errorf("starting broker: %w", startErr)
		}
		defer func() {
			log.Info("stopping broker")
			if stopErr := broker.Stop(); stopErr != nil {
				log.Error("error stopping broker", "error", stopErr)
			}
		}()
	}

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
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := fleet.NewStore(db.DB)
	if err := seedFleet(ctx, store, cfg.Devices, log); err != nil {
		return err
	}

	f, err := factory.New(registermap.Producer{}, rawport.Producer{})
	if err != nil {
		return fmt.Errorf("creating factory: %w", err)
	}
	loader := plugin.NewLoader(f, cfg.Plugins.Required)
	loader.SetLogger(log.Component("plugin"))
	loaded, err := loader.LoadDirs(append(append([]string{}, cfg.Plugins.Directories...), opts.pluginDirs...))
	if err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	for _, p := range loaded {
		log.Info("plugin loaded", "path", p.Path, "name", p.Descriptor.Name, "producers", p.Descriptor.Refs())
	}

	m := metrics.New()

	mqttCfg := mqtt.Config{
		Host:       info.Broker.Addr,
		Port:       info.Broker.Port,
		ClientID:   mqtt.NewClientID(info.Platform.Name),
		Username:   info.Credentials.User,
		Password:   info.Credentials.Pass,
		RetryDelay: info.RetryDelay(),
		Namespace:  cfg.Platform.Namespace,
	}
	mqttLog := log.Component("mqtt")
	dial := reactor.MQTTDialer(mqttCfg, func(c *mqtt.Client) {
		c.SetLogger(mqttLog)
		c.SetObserver(m)
	})

	r := reactor.New(reactor.Options{
		Namespace:  cfg.Platform.Namespace,
		RetryDelay: info.RetryDelay(),
		Connectors: connector.NewRegistry(connector.SystemDialer{USB: usbport.Open}),
	}, f, dial)
	r.SetLogger(log.Component("reactor").Logger)
	r.Dispatcher().SetObserver(m)
	r.Connectors().SetObserver(m)
	r.InfoPack().AddSink(m)

	if cfg.InfluxDB.Enabled {
		influx, influxErr := influxdb.Connect(cfg.InfluxDB, info.Platform.Name)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		r.InfoPack().AddSink(influx)
		log.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	inst, mon, err := reflective.Build(r.InfoPack(), r.Env())
	if err != nil {
		return fmt.Errorf("building reflective device: %w", err)
	}
	if err := r.Attach(inst, mon); err != nil {
		return fmt.Errorf("attaching reflective device: %w", err)
	}
	if err := spawnFleet(ctx, r, store, log); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})

	if info.Services.EnablePLBD {
		responder, respErr := discovery.NewResponder(discovery.Answer{
			Name:    info.Platform.Name,
			Version: version,
			Broker:  discovery.Broker{Addr: info.Broker.Addr, Port: info.Broker.Port},
		})
		if respErr != nil {
			return fmt.Errorf("creating discovery responder: %w", respErr)
		}
		responder.SetLogger(log.Component("discovery"))
		g.Go(func() error {
			return responder.ListenAndServe(gctx, cfg.Discovery.Port)
		})
		log.Info("local broker discovery enabled", "port", cfg.Discovery.Port)
	}

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.Component("api"),
			Runtime: &fleetRuntime{Reactor: r, metrics: m},
			Fleet:   store,
			Metrics: m.Handler(),
			Broker:  brokerUp(r),
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("panduza stopped")
	return nil
}

// fleetRuntime is the reactor as seen by the API. Removing an instance also
// drops its metric series.
type fleetRuntime struct {
	*reactor.Reactor
	metrics *metrics.Metrics
}

func (rt *fleetRuntime) Remove(ctx context.Context, name string) error {
	if err := rt.Reactor.Remove(ctx, name); err != nil {
		return err
	}
	rt.metrics.Forget(name)
	return nil
}

func brokerUp(r *reactor.Reactor) func() bool {
	return func() bool {
		up, _ := r.Broker().Get()
		return up
	}
}

// seedFleet stores the orders listed in the config that the fleet lacks.
func seedFleet(ctx context.Context, store *fleet.Store, devices []config.DeviceOrder, log *logging.Logger) error {
	for _, d := range devices {
		settings, err := d.SettingsJSON()
		if err != nil {
			return fmt.Errorf("seeding fleet: %w", err)
		}
		created, err := store.CreateIfNotExists(ctx, factory.ProductionOrder{
			DeviceRef:      d.Ref,
			DeviceName:     d.Name,
			DeviceSettings: settings,
		})
		if err != nil {
			return fmt.Errorf("seeding fleet: %w", err)
		}
		if created {
			log.Info("order seeded from config", "instance", d.Name, "ref", d.Ref)
		}
	}
	return nil
}

// spawnFleet produces every stored order. An order the factory refuses is
// logged and skipped so one bad device does not keep the bench down.
func spawnFleet(ctx context.Context, r *reactor.Reactor, store *fleet.Store, log *logging.Logger) error {
	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing fleet: %w", err)
	}
	for _, rec := range records {
		if err := r.Spawn(rec.ProductionOrder); err != nil {
			log.Error("instance not produced", "instance", rec.DeviceName, "ref", rec.DeviceRef, "error", err)
		}
	}
	log.Info("fleet spawned", "orders", len(records), "running", len(r.Instances()))
	return nil
}

// startBroker launches the managed broker and waits for its port.
func startBroker(ctx context.Context, cfg config.BrokerConfig, info *connection.Info, log *logging.Logger) (*process.Manager, error) {
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"-p", strconv.Itoa(info.Broker.Port)}
	}
	addr := net.JoinHostPort(info.Broker.Addr, strconv.Itoa(info.Broker.Port))

	manager := process.NewManager(process.Config{
		Name:               "broker",
		Binary:             cfg.Binary,
		Args:               args,
		RestartDelay:       time.Duration(cfg.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		Ready:              process.TCPReady(addr),
		ReadyTimeout:       cfg.StartTimeout,
	})
	manager.SetLogger(log.Component("broker"))

	log.Info("starting managed broker", "binary", cfg.Binary, "args", args)
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("managed broker ready", "address", addr, "pid", manager.PID())
	return manager, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// initConnection writes the default connection-info file at path unless a
// file is already there.
func initConnection(path string, log *logging.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking connection info: %w", err)
	}
	if err := connection.Save(path, connection.Default()); err != nil {
		return fmt.Errorf("writing connection info: %w", err)
	}
	log.Info("connection info created", "path", path)
	return nil
}
