package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure of the platform.
// All configuration is loaded from YAML and can be overridden by environment variables.
//
// Broker address and credentials are not part of it: they come from the
// connection-info file named by ConnectionFile.
type Config struct {
	Platform       PlatformConfig  `yaml:"platform"`
	ConnectionFile string          `yaml:"connection_file"`
	Logging        LoggingConfig   `yaml:"logging"`
	Plugins        PluginsConfig   `yaml:"plugins"`
	Database       DatabaseConfig  `yaml:"database"`
	InfluxDB       InfluxDBConfig  `yaml:"influxdb"`
	API            APIConfig       `yaml:"api"`
	Broker         BrokerConfig    `yaml:"broker"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
	Devices        []DeviceOrder   `yaml:"devices"`
}

// PlatformConfig contains platform-wide settings.
type PlatformConfig struct {
	// Namespace prefixes every topic. Empty means topics start with "/".
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PluginsConfig lists the directories scanned for driver plugins.
type PluginsConfig struct {
	Directories []string `yaml:"directories"`

	// Required names plugin files (base names) whose load failure aborts startup.
	Required []string `yaml:"required"`
}

// DatabaseConfig contains SQLite database settings for the fleet store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for instance telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains admin HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// BrokerConfig contains settings for a broker run by the platform itself.
type BrokerConfig struct {
	// Managed starts and supervises a local broker before connecting.
	Managed bool `yaml:"managed"`

	// Binary is the path to the broker executable.
	// Default: "/usr/sbin/mosquitto"
	Binary string `yaml:"binary"`

	// Args are passed to the broker. Default: ["-p", "<connection port>"]
	Args []string `yaml:"args"`

	// RestartDelaySeconds is the time to wait before restarting (in seconds).
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// StartTimeout bounds the wait for the broker port to accept connections.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// DiscoveryConfig contains local broker discovery settings. Discovery is
// enabled by the connection-info file; this only tunes it.
type DiscoveryConfig struct {
	Port int `yaml:"port"`
}

// DeviceOrder is a production order seeded into the fleet store at boot.
type DeviceOrder struct {
	Ref      string         `yaml:"ref"`
	Name     string         `yaml:"name"`
	Settings map[string]any `yaml:"settings"`
}

// SettingsJSON returns the device settings as the opaque JSON handed to producers.
func (d DeviceOrder) SettingsJSON() (json.RawMessage, error) {
	if d.Settings == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(d.Settings)
	if err != nil {
		return nil, fmt.Errorf("device %q settings: %w", d.Name, err)
	}
	return data, nil
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PANDUZA_SECTION_KEY
// For example: PANDUZA_DATABASE_PATH, PANDUZA_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Path:        "./data/panduza.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "panduza",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8480,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Broker: BrokerConfig{
			Binary:              "/usr/sbin/mosquitto",
			RestartDelaySeconds: 5,
			MaxRestartAttempts:  10,
			StartTimeout:        10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Port: 53035,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PANDUZA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PANDUZA_NAMESPACE"); v != "" {
		cfg.Platform.Namespace = v
	}
	if v := os.Getenv("PANDUZA_CONNECTION_FILE"); v != "" {
		cfg.ConnectionFile = v
	}
	if v := os.Getenv("PANDUZA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PANDUZA_PLUGIN_DIRS"); v != "" {
		cfg.Plugins.Directories = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("PANDUZA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PANDUZA_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PANDUZA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("PANDUZA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if strings.ContainsAny(c.Platform.Namespace, "+#") {
		errs = append(errs, "platform.namespace must not contain MQTT wildcards")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.Broker.Managed && c.Broker.Binary == "" {
		errs = append(errs, "broker.binary is required when broker.managed is true")
	}

	if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
		errs = append(errs, "discovery.port must be between 1 and 65535")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
		case d.Name == "_":
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is reserved", i, d.Name))
		case seen[d.Name]:
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
		}
		seen[d.Name] = true
		if !strings.Contains(d.Ref, ".") {
			errs = append(errs, fmt.Sprintf("devices[%d].ref must be <manufacturer>.<model>", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
