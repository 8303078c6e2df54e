// Package config loads runtime configuration for a modeltable node.
//
// Values come from .modeltable.yaml (or an explicit --config file),
// MODELTABLE_* environment variables and built-in defaults, in that order
// of precedence after flags. Nested keys map to env vars with "_" for ".",
// so bus.host is MODELTABLE_BUS_HOST.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/router"
	"github.com/roach88/modeltable/internal/transport"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MODELTABLE"

// Driver names.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMQTT   = "mqtt"
)

// NodeConfig identifies the node and bounds the scheduler.
type NodeConfig struct {
	Name      string        `mapstructure:"name"`
	MaxRounds int           `mapstructure:"max_rounds"`
	IOTimeout time.Duration `mapstructure:"io_timeout"`
}

// BusConfig selects the pub/sub transport and pin addressing.
type BusConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TLS            bool          `mapstructure:"tls"`
	TopicMode      string        `mapstructure:"topic_mode"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	TopicBase      string        `mapstructure:"topic_base"`
	PayloadMode    string        `mapstructure:"payload_mode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Transport returns the shared transport settings.
func (b BusConfig) Transport() transport.Config {
	return transport.Config{
		Host:           b.Host,
		Port:           b.Port,
		ClientID:       b.ClientID,
		Username:       b.Username,
		Password:       b.Password,
		TLS:            b.TLS,
		TopicPrefix:    b.TopicPrefix,
		TopicBase:      b.TopicBase,
		ConnectTimeout: b.ConnectTimeout,
	}
}

// RouterSettings returns the default pin addressing. Config labels on the
// root model override it at runtime.
func (b BusConfig) RouterSettings() router.Settings {
	return router.Settings{
		TopicMode:   b.TopicMode,
		TopicPrefix: b.TopicPrefix,
		TopicBase:   b.TopicBase,
		PayloadMode: b.PayloadMode,
	}
}

// RelayConfig selects the ordered relay transport.
type RelayConfig struct {
	Driver       string        `mapstructure:"driver"`
	Addr         string        `mapstructure:"addr"`
	Stream       string        `mapstructure:"stream"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FromLatest   bool          `mapstructure:"from_latest"`
}

// PersistenceConfig selects the SQLite store. An empty path disables it.
type PersistenceConfig struct {
	Driver        string        `mapstructure:"driver"`
	Path          string        `mapstructure:"path"`
	AuditInterval time.Duration `mapstructure:"audit_interval"`
}

// FunctionsConfig points at a directory of function scripts.
type FunctionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Model int    `mapstructure:"model"`
	Watch bool   `mapstructure:"watch"`
}

// BridgeConfig enables the relay/bus bridge.
type BridgeConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	WorkerModel   int      `mapstructure:"worker_model"`
	InboundTopics []string `mapstructure:"inbound_topics"`

	// Workers lists models this node hosts as patch workers.
	Workers []int `mapstructure:"workers"`
}

// SeedConfig names a TOML seed manifest applied at startup.
type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// Config holds all runtime configuration of a node.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Bus         BusConfig         `mapstructure:"bus"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Functions   FunctionsConfig   `mapstructure:"functions"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Seed        SeedConfig        `mapstructure:"seed"`
	Verbose     bool              `mapstructure:"verbose"`
}

// SetDefaults registers every key with its default. Env overrides only
// apply to registered keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "modeltable")
	v.SetDefault("node.max_rounds", 100)
	v.SetDefault("node.io_timeout", "5s")

	v.SetDefault("bus.driver", DriverNone)
	v.SetDefault("bus.host", "localhost")
	v.SetDefault("bus.port", 1883)
	v.SetDefault("bus.client_id", "modeltable")
	v.SetDefault("bus.username", "")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.tls", false)
	v.SetDefault("bus.topic_mode", ir.TopicModeFlat)
	v.SetDefault("bus.topic_prefix", "")
	v.SetDefault("bus.topic_base", "")
	v.SetDefault("bus.payload_mode", ir.PayloadModeLegacy)
	v.SetDefault("bus.connect_timeout", "10s")

	v.SetDefault("relay.driver", DriverNone)
	v.SetDefault("relay.addr", "localhost:6379")
	v.SetDefault("relay.stream", "modeltable:relay")
	v.SetDefault("relay.poll_interval", "200ms")
	v.SetDefault("relay.from_latest", false)

	v.SetDefault("persistence.driver", "sqlite3")
	v.SetDefault("persistence.path", "")
	v.SetDefault("persistence.audit_interval", "1s")

	v.SetDefault("functions.dir", "")
	v.SetDefault("functions.model", 1)
	v.SetDefault("functions.watch", false)

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.worker_model", 1)
	v.SetDefault("bridge.inbound_topics", []string{})
	v.SetDefault("bridge.workers", []int{})

	v.SetDefault("seed.path", "")
	v.SetDefault("verbose", false)
}

// NewViper returns a viper instance with defaults, env overrides and the
// config file read in. cfgFile may be empty, in which case .modeltable.yaml
// is looked up in the working and home directories and its absence is not
// an error.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return v, nil
	}

	v.SetConfigName(".modeltable")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and modes.
func (c Config) Validate() error {
	var errs []error
	check := func(field, got string, allowed ...string) {
		for _, a := range allowed {
			if got == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, got, strings.Join(allowed, ", ")))
	}
	check("bus.driver", c.Bus.Driver, DriverNone, DriverMemory, DriverRedis, DriverMQTT)
	check("bus.topic_mode", c.Bus.TopicMode, ir.TopicModeFlat, ir.TopicModeHierarchical)
	check("bus.payload_mode", c.Bus.PayloadMode, ir.PayloadModeLegacy, ir.PayloadModeVersioned)
	check("relay.driver", c.Relay.Driver, DriverNone, DriverMemory, DriverRedis)
	check("persistence.driver", c.Persistence.Driver, "sqlite3", "sqlite")

	if c.Node.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("node.max_rounds: must be positive, got %d", c.Node.MaxRounds))
	}
	if c.Bridge.Enabled && c.Relay.Driver == DriverNone {
		errs = append(errs, errors.New("bridge.enabled: requires a relay driver"))
	}
	if c.Bridge.Enabled && c.Bus.Driver == DriverNone {
		errs = append(errs, errors.New("bridge.enabled: requires a bus driver"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
