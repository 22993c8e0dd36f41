package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/store"
)

// Relay copies commits from a change feed to a Kafka topic.
// Delivery is at-least-once: a commit produced but not yet recorded in the
// watermark store is produced again after a restart, and subscriptions drop
// the duplicate by position.
type Relay struct {
	source     feed.ChangeFeed
	watermarks store.WatermarkStore
	produce    func(context.Context, *kgo.Record) error
	closeFn    func()
	name       string
	config     Config
}

// NewRelay creates a relay producing to config.Topic. Extra kgo options are
// appended after the defaults.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func NewRelay(config Config, source feed.ChangeFeed, opts ...kgo.Opt) (*Relay, error) {
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.DefaultProduceTopic(config.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.AllowAutoTopicCreation(),
	}
	if config.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(config.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	r := &Relay{config: config, source: source}
	r.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	r.closeFn = cl.Close
	return r, nil
}

// WithWatermarks persists relay progress under name so Run resumes after a restart.
func (r *Relay) WithWatermarks(ws store.WatermarkStore, name string) *Relay {
	r.watermarks = ws
	r.name = name
	return r
}

// Run relays commits after the given position until ctx is canceled or the
// source feed fails. With watermarks configured the stored position wins when
// it is further ahead.
func (r *Relay) Run(ctx context.Context, after es.Position) error {
	if r.watermarks != nil {
		stored, ok, err := r.watermarks.GetWatermark(ctx, r.name, r.config.Topic)
		if err != nil {
			return err
		}
		if ok {
			after = es.MaxPosition(after, stored)
		}
	}

	sub, err := r.source.Subscribe(ctx, after, nil)
	if err != nil {
		return err
	}
	//nolint:errcheck // cleanup on exit
	defer sub.Close()

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "relay started",
			"topic", r.config.Topic,
			"after", after)
	}

	for {
		commit, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		rec, err := EncodeCommit(r.config.Topic, commit)
		if err != nil {
			return err
		}
		if err := r.produce(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to relay commit %s: %w", commit.Position, err)
		}

		if r.watermarks != nil {
			if err := r.watermarks.SaveWatermark(ctx, r.name, r.config.Topic, commit.Position); err != nil {
				return err
			}
		}

		if r.config.Logger != nil {
			r.config.Logger.Debug(ctx, "commit relayed",
				"position", commit.Position,
				"stream_id", commit.StreamID,
				"events", len(commit.Events))
		}
	}
}

// Close releases the producer client.
func (r *Relay) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}
