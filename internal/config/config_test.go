package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.DSN != "pupstream.db" || cfg.Store.Source != "default" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Feed.Kind != FeedPoll || cfg.Feed.PollInterval != 100*time.Millisecond || cfg.Feed.BatchSize != 100 {
		t.Fatalf("unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Kafka.Topic != "pupstream.commits" {
		t.Fatalf("unexpected kafka topic %q", cfg.Kafka.Topic)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("PUPSTREAM_STORE_SOURCE", "orders-db")

	path := filepath.Join(t.TempDir(), "pupstream.yaml")
	content := []byte(`
store:
  driver: postgres
  dsn: postgres://localhost/orders?sslmode=disable
  source: ignored
feed:
  kind: notify
  batch_size: 50
log:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Store.Source != "orders-db" {
		t.Fatalf("expected env override for store.source, got %q", cfg.Store.Source)
	}
	if cfg.Feed.Kind != FeedNotify || cfg.Feed.BatchSize != 50 {
		t.Fatalf("unexpected feed config: %+v", cfg.Feed)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pupstream.toml")
	content := []byte(`
[store]
driver = "pebble"
path = "/var/lib/pupstream"

[feed]
kind = "tail"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Store.Driver != DriverPebble || cfg.Store.Path != "/var/lib/pupstream" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Store: StoreConfig{Driver: DriverSQLite, DSN: "x.db", Source: "default"},
			Feed:  FeedConfig{Kind: FeedPoll, PollInterval: time.Second, BatchSize: 10},
			Log:   LogConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "oracle" }, wantErr: "store.driver"},
		{name: "missing dsn", mutate: func(c *Config) { c.Store.DSN = "" }, wantErr: "store.dsn"},
		{name: "pebble without path", mutate: func(c *Config) { c.Store.Driver = DriverPebble }, wantErr: "store.path"},
		{name: "notify on sqlite", mutate: func(c *Config) { c.Feed.Kind = FeedNotify }, wantErr: "notify"},
		{name: "tail on sqlite", mutate: func(c *Config) { c.Feed.Kind = FeedTail }, wantErr: "tail"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Feed.Kind = FeedKafka }, wantErr: "kafka.brokers"},
		{name: "kafka with brokers", mutate: func(c *Config) {
			c.Feed.Kind = FeedKafka
			c.Kafka.Brokers = []string{"127.0.0.1:9092"}
		}},
		{name: "zero batch", mutate: func(c *Config) { c.Feed.BatchSize = 0 }, wantErr: "feed.batch_size"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
