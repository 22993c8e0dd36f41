package main

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/mysql"
	pebblestore "github.com/getpup/pupstream/es/adapters/pebble"
	"github.com/getpup/pupstream/es/adapters/postgres"
	"github.com/getpup/pupstream/es/adapters/sqlite"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/feed/kafka"
	"github.com/getpup/pupstream/es/migrations"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/config"
)

// commitStore is what every adapter provides.
type commitStore interface {
	store.EventStore
	store.CommitReader
	store.Admin
	store.WatermarkStore
	store.GuardStore
}

type backend struct {
	store  commitStore
	feed   feed.ChangeFeed
	closer func() error
}

func (b *backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

func openBackend(cfg config.Config, logger es.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Store.Driver {
	case config.DriverPebble:
		pc := pebblestore.DefaultStoreConfig()
		pc.Logger = logger
		pc.Source = cfg.Store.Source
		pc.BatchSize = cfg.Feed.BatchSize
		s, err := pebblestore.Open(cfg.Store.Path, pc)
		if err != nil {
			return nil, err
		}
		b.store = s
		b.closer = s.Close
		if cfg.Feed.Kind == config.FeedTail {
			b.feed = s
		}

	case config.DriverSQLite, config.DriverPostgres, config.DriverMySQL:
		db, err := sql.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
		}
		b.closer = db.Close

		switch cfg.Store.Driver {
		case config.DriverSQLite:
			db.SetMaxOpenConns(1)
			b.store = sqlite.NewStore(db, sqlite.NewStoreConfig(
				sqlite.WithLogger(logger), sqlite.WithSource(cfg.Store.Source)))
		case config.DriverPostgres:
			s := postgres.NewStore(db, postgres.NewStoreConfig(
				postgres.WithLogger(logger), postgres.WithSource(cfg.Store.Source)))
			b.store = s
			if cfg.Feed.Kind == config.FeedNotify {
				fc := postgres.DefaultNotifyFeedConfig()
				fc.Logger = logger
				fc.Channel = s.Config().NotifyChannel
				fc.BatchSize = cfg.Feed.BatchSize
				b.feed = postgres.NewNotifyFeed(s, cfg.Store.DSN, fc)
			}
		case config.DriverMySQL:
			b.store = mysql.NewStore(db, mysql.NewStoreConfig(
				mysql.WithLogger(logger), mysql.WithSource(cfg.Store.Source)))
		}

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	switch cfg.Feed.Kind {
	case config.FeedPoll:
		b.feed = feed.NewPoller(b.store, feed.PollerConfig{
			Logger:       logger,
			PollInterval: cfg.Feed.PollInterval,
			BatchSize:    cfg.Feed.BatchSize,
		})
	case config.FeedKafka:
		kf, err := kafka.NewFeed(kafkaConfig(cfg, logger))
		if err != nil {
			//nolint:errcheck // the feed error is the one worth reporting
			b.Close()
			return nil, err
		}
		b.feed = kf
	}
	return b, nil
}

// sourceFeed returns the store's own feed for relaying. A kafka feed cannot relay to itself.
func (b *backend) sourceFeed(cfg config.Config, logger es.Logger) feed.ChangeFeed {
	if cfg.Feed.Kind != config.FeedKafka {
		return b.feed
	}
	return feed.NewPoller(b.store, feed.PollerConfig{
		Logger:       logger,
		PollInterval: cfg.Feed.PollInterval,
		BatchSize:    cfg.Feed.BatchSize,
	})
}

func kafkaConfig(cfg config.Config, logger es.Logger) kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Logger = logger
	kc.Brokers = cfg.Kafka.Brokers
	kc.Topic = cfg.Kafka.Topic
	kc.ClientID = cfg.Kafka.ClientID
	return kc
}

var errNoSQLSchema = errors.New("the pebble driver has no SQL schema")

func schemaSQL(driver string) (string, error) {
	if driver == config.DriverPebble {
		return "", errNoSQLSchema
	}
	mc := migrations.DefaultConfig()
	return migrations.SQL(migrations.Dialect(driver), &mc)
}
