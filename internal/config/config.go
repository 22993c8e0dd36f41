// Package config loads pupstream CLI configuration from a file and
// PUPSTREAM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverPebble   = "pebble"
)

// Feed kinds.
const (
	FeedPoll   = "poll"
	FeedNotify = "notify"
	FeedKafka  = "kafka"
	FeedTail   = "tail"
)

type Config struct {
	Store StoreConfig `mapstructure:"store"`
	Feed  FeedConfig  `mapstructure:"feed"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Log   LogConfig   `mapstructure:"log"`
}

type StoreConfig struct {
	// Driver is one of sqlite, postgres, mysql, pebble.
	Driver string `mapstructure:"driver"`
	// DSN is the database connection string. MySQL needs parseTime=true.
	DSN string `mapstructure:"dsn"`
	// Path is the pebble data directory.
	Path   string `mapstructure:"path"`
	Source string `mapstructure:"source"`
}

type FeedConfig struct {
	// Kind is one of poll, notify (postgres only), kafka, tail (pebble only).
	Kind         string        `mapstructure:"kind"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (any format viper understands) and applies env overrides.
// An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("pupstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "pupstream.db")
	v.SetDefault("store.path", "pupstream-data")
	v.SetDefault("store.source", "default")
	v.SetDefault("feed.kind", FeedPoll)
	v.SetDefault("feed.poll_interval", 100*time.Millisecond)
	v.SetDefault("feed.batch_size", 100)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "pupstream.commits")
	v.SetDefault("kafka.client_id", "pupstream")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverPebble:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Store.Source == "" {
		return fmt.Errorf("store.source is required")
	}

	switch c.Feed.Kind {
	case FeedPoll:
		if c.Feed.PollInterval <= 0 {
			return fmt.Errorf("feed.poll_interval must be positive")
		}
	case FeedNotify:
		if c.Store.Driver != DriverPostgres {
			return fmt.Errorf("feed.kind=notify requires store.driver=postgres")
		}
	case FeedTail:
		if c.Store.Driver != DriverPebble {
			return fmt.Errorf("feed.kind=tail requires store.driver=pebble")
		}
	case FeedKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for feed.kind=kafka")
		}
	default:
		return fmt.Errorf("unsupported feed.kind %q", c.Feed.Kind)
	}
	if c.Feed.BatchSize <= 0 {
		return fmt.Errorf("feed.batch_size must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}
