// Package config loads orchestrator configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Preview    PreviewConfig    `mapstructure:"preview"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
}

// ServerConfig configures the HTTP/WebSocket listener
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
	RateLimit    int `mapstructure:"rate_limit"`    // requests per second, 0 disables
}

// ReadTimeoutDuration returns the read timeout as a duration
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NATSConfig configures the optional NATS event bus mirror
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Enabled       bool   `mapstructure:"enabled"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// StorageConfig selects and configures the project/message store
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, memory
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// SupervisorConfig configures process spawning and the restart policy
type SupervisorConfig struct {
	SpawnTimeout    time.Duration `mapstructure:"spawn_timeout"`
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
}

// RelayConfig configures the session relay
type RelayConfig struct {
	RingSize        int `mapstructure:"ring_size"`        // events retained per project
	SubscriberQueue int `mapstructure:"subscriber_queue"` // outbound buffer per subscriber
}

// PreviewConfig configures the preview coordinator
type PreviewConfig struct {
	PortRangeStart int           `mapstructure:"port_range_start"`
	PortRangeEnd   int           `mapstructure:"port_range_end"`
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// WatcherConfig configures file-change debouncing
type WatcherConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Load reads configuration from vibedev.yaml (if present) and VIBEDEV_*
// environment variables, applying defaults for everything unset
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("vibedev")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vibedev")

	v.SetEnvPrefix("VIBEDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only a malformed file is fatal
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Preview.PortRangeEnd < cfg.Preview.PortRangeStart {
		return nil, fmt.Errorf("preview port range end %d is below start %d",
			cfg.Preview.PortRangeEnd, cfg.Preview.PortRangeStart)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.client_id", "vibedev-orchestrator")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "vibedev.db")

	v.SetDefault("supervisor.spawn_timeout", 15*time.Second)
	v.SetDefault("supervisor.stop_grace_period", 5*time.Second)
	v.SetDefault("supervisor.max_restarts", 1)
	v.SetDefault("supervisor.restart_cooldown", 30*time.Second)

	v.SetDefault("relay.ring_size", 1000)
	v.SetDefault("relay.subscriber_queue", 256)

	v.SetDefault("preview.port_range_start", 3000)
	v.SetDefault("preview.port_range_end", 3099)
	v.SetDefault("preview.command", "npm")
	v.SetDefault("preview.args", []string{"run", "dev"})
	v.SetDefault("preview.health_timeout", 30*time.Second)
	v.SetDefault("preview.stop_timeout", 10*time.Second)

	v.SetDefault("watcher.debounce", 300*time.Millisecond)
}
