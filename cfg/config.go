// Package cfg loads project configuration from puffgres.toml with
// environment variable overrides for secrets.
package cfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Environment variables. Connection strings and API keys never live in
// the config file.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvAPIKey          = "TURBOPUFFER_API_KEY"
	EnvLogLevel        = "PUFFGRES_LOG_LEVEL"
	EnvNamespacePrefix = "PUFFGRES_NAMESPACE_PREFIX"
)

// SourceConfiguration controls the change stream.
type SourceConfiguration struct {
	Slot           string `toml:"slot"`
	Mode           string `toml:"mode"` // "poll" or "stream"
	PollIntervalMS int    `toml:"poll_interval_ms"`
	MaxChanges     int    `toml:"max_changes"`
	QueueSize      int    `toml:"queue_size"`
}

// TargetConfiguration controls the index client.
type TargetConfiguration struct {
	BaseURL         string `toml:"base_url"`
	NamespacePrefix string `toml:"namespace_prefix"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// EngineConfiguration controls pipeline behavior.
type EngineConfiguration struct {
	Strict                  bool `toml:"strict"`
	MappingQueueSize        int  `toml:"mapping_queue_size"`
	AckIntervalSeconds      int  `toml:"ack_interval_seconds"`
	TransformTimeoutSeconds int  `toml:"transform_timeout_seconds"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// AdminConfiguration controls the ops HTTP server.
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	// MigrationsDir holds the mapping migration files.
	MigrationsDir string `toml:"migrations_dir"`

	Source  SourceConfiguration  `toml:"source"`
	Target  TargetConfiguration  `toml:"target"`
	Engine  EngineConfiguration  `toml:"engine"`
	Logging LoggingConfiguration `toml:"logging"`
	Admin   AdminConfiguration   `toml:"admin"`

	// Secrets, resolved from the environment.
	DatabaseURL string `toml:"-"`
	APIKey      string `toml:"-"`
}

// Config is the process-wide configuration with defaults applied.
var Config = defaultConfig()

func defaultConfig() *Configuration {
	return &Configuration{
		MigrationsDir: "migrations",
		Source: SourceConfiguration{
			Slot:           "puffgres",
			Mode:           "poll",
			PollIntervalMS: 1000,
			MaxChanges:     1000,
			QueueSize:      1024,
		},
		Target: TargetConfiguration{
			TimeoutSeconds: 30,
		},
		Engine: EngineConfiguration{
			MappingQueueSize:        256,
			AckIntervalSeconds:      10,
			TransformTimeoutSeconds: 60,
		},
		Logging: LoggingConfiguration{
			Level:  "info",
			Format: "console",
		},
		Admin: AdminConfiguration{
			Address: "127.0.0.1",
			Port:    9621,
		},
	}
}

// Load reads the config file (if present) and applies environment
// overrides. A missing file is fine; the environment alone can carry a
// working setup.
func Load(path string) error {
	Config = defaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			md, err := toml.DecodeFile(path, Config)
			if err != nil {
				return fmt.Errorf("invalid config file %s: %w", path, err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
			}
			log.Debug().Str("path", path).Msg("Loaded config file")
		}
	}

	Config.DatabaseURL = os.Getenv(EnvDatabaseURL)
	Config.APIKey = os.Getenv(EnvAPIKey)
	if level := os.Getenv(EnvLogLevel); level != "" {
		Config.Logging.Level = level
	}
	if prefix := os.Getenv(EnvNamespacePrefix); prefix != "" {
		Config.Target.NamespacePrefix = prefix
	}
	return nil
}

// Validate checks the configuration before the engine starts.
func Validate() error {
	if Config.DatabaseURL == "" {
		return fmt.Errorf("%s is not set", EnvDatabaseURL)
	}
	if Config.APIKey == "" {
		return fmt.Errorf("%s is not set", EnvAPIKey)
	}
	switch Config.Source.Mode {
	case "poll", "stream":
	default:
		return fmt.Errorf("source.mode must be \"poll\" or \"stream\", got %q", Config.Source.Mode)
	}
	if Config.Source.Slot == "" {
		return fmt.Errorf("source.slot must not be empty")
	}
	if Config.Source.PollIntervalMS <= 0 {
		return fmt.Errorf("source.poll_interval_ms must be positive")
	}
	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", Config.Logging.Format)
	}
	return nil
}
