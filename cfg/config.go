// Package cfg loads the TOML configuration file and applies command-line
// overrides. Config is package-global; Load fills it once at startup.
package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // empty disables authentication
}

// CaptureConfiguration controls the change-capture pipeline
type CaptureConfiguration struct {
	// LogBackend is "sqlite" (records share the host transaction) or
	// "pebble" (standalone keyspace under DataDir).
	LogBackend string `toml:"log_backend"`

	// Granularity of log partitions: "month", "day" or "year".
	Granularity string `toml:"granularity"`

	// PayloadThresholdBytes is the encoded-document size above which
	// payloads are compressed. 0 uses the built-in default.
	PayloadThresholdBytes int `toml:"payload_threshold_bytes"`

	BusyTimeoutMS int `toml:"busy_timeout_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	DataDir  string `toml:"data_dir"`
	Database string `toml:"database"` // host database file, default <data_dir>/app.db

	Capture    CaptureConfiguration    `toml:"capture"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	DatabaseFlag   = flag.String("database", "", "Host database file (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./changelogs-data",

	Capture: CaptureConfiguration{
		LogBackend:    "sqlite",
		Granularity:   "month",
		BusyTimeoutMS: 5000,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *DatabaseFlag != "" {
		Config.Database = *DatabaseFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if Config.Database == "" {
		Config.Database = filepath.Join(Config.DataDir, "app.db")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("changelogs")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Capture.LogBackend {
	case "sqlite", "pebble":
	default:
		return fmt.Errorf("invalid log backend: %s", Config.Capture.LogBackend)
	}

	switch Config.Capture.Granularity {
	case "month", "day", "year":
	default:
		return fmt.Errorf("invalid partition granularity: %s", Config.Capture.Granularity)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Capture.PayloadThresholdBytes < 0 {
		return fmt.Errorf("payload threshold must not be negative")
	}
	return nil
}

// PebbleLogDir is where the standalone log keyspace lives when the pebble
// backend is selected.
func PebbleLogDir() string {
	return filepath.Join(Config.DataDir, "changelog")
}
