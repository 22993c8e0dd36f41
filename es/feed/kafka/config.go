// Package kafka relays commits to a Kafka topic and exposes that topic as a
// feed.ChangeFeed, so engines in other processes can tail a store without
// polling it.
//
// The relay produces every commit to partition 0 of a single topic keyed by
// stream id. One partition keeps the topic in position order, which is what
// subscriptions rely on.
package kafka

import (
	"errors"
	"time"

	"github.com/getpup/pupstream/es"
)

// Config is shared by Relay and Feed.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// ClientID is sent to the brokers. Optional.
	ClientID string

	// Topic receives relayed commits
	Topic string

	// Brokers are the seed brokers
	Brokers []string

	// FetchMaxWait bounds how long a fetch waits for new records
	FetchMaxWait time.Duration
}

// DefaultConfig returns the default configuration without brokers.
func DefaultConfig() Config {
	return Config{
		Topic:        "pupstream.commits",
		FetchMaxWait: time.Second,
	}
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultConfig().Topic
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = DefaultConfig().FetchMaxWait
	}
}

// Validate checks the configuration.
//
//nolint:gocritic // hugeParam: called once at construction
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}
