package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/store"
)

type pollFunc func(ctx context.Context) ([]*kgo.Record, error)

// Feed is a feed.ChangeFeed reading the topic written by a Relay.
// Each subscription uses its own client without a consumer group and seeks
// to the first record of the second the subscription starts from.
type Feed struct {
	open   func(after es.Position) (pollFunc, func(), error)
	config Config
}

var _ feed.ChangeFeed = (*Feed)(nil)

// NewFeed creates a Kafka change feed. Extra kgo options are appended after the defaults.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func NewFeed(config Config, opts ...kgo.Opt) (*Feed, error) {
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	f := &Feed{config: config}
	f.open = func(after es.Position) (pollFunc, func(), error) {
		start := kgo.NewOffset().AtStart()
		if !after.IsZero() {
			start = kgo.NewOffset().AfterMilli(after.Seconds * 1000)
		}
		kopts := []kgo.Opt{
			kgo.SeedBrokers(config.Brokers...),
			kgo.ConsumeTopics(config.Topic),
			kgo.ConsumeResetOffset(start),
			kgo.FetchMaxWait(config.FetchMaxWait),
		}
		if config.ClientID != "" {
			kopts = append(kopts, kgo.ClientID(config.ClientID))
		}
		kopts = append(kopts, opts...)

		cl, err := kgo.NewClient(kopts...)
		if err != nil {
			return nil, nil, fmt.Errorf("new kafka client: %w", err)
		}
		poll := func(ctx context.Context) ([]*kgo.Record, error) {
			fetches := cl.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return nil, feed.ErrEnded
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				return nil, fmt.Errorf("fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
			}
			return fetches.Records(), nil
		}
		return poll, cl.Close, nil
	}
	return f, nil
}

// Subscribe implements feed.ChangeFeed.
func (f *Feed) Subscribe(ctx context.Context, after es.Position, eventTypes []string) (feed.Subscription, error) {
	poll, closeFn, err := f.open(after)
	if err != nil {
		return nil, es.FeedFatal(err)
	}
	if f.config.Logger != nil {
		f.config.Logger.Info(ctx, "kafka subscription opened",
			"topic", f.config.Topic,
			"after", after)
	}
	return &subscription{
		feed:    f,
		poll:    poll,
		closeFn: closeFn,
		query: store.Query{
			After:      after,
			EventTypes: append([]string(nil), eventTypes...),
		},
		done: make(chan struct{}),
	}, nil
}

type subscription struct {
	feed    *Feed
	poll    pollFunc
	closeFn func()
	done    chan struct{}
	pending []*kgo.Record
	query   store.Query
	once    sync.Once
}

func (s *subscription) Next(ctx context.Context) (es.Commit, error) {
	for {
		for len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]

			if pos, ok := recordPosition(rec); ok && es.Compare(pos, s.query.After) <= 0 {
				continue
			}
			commit, err := DecodeCommit(rec)
			if err != nil {
				return es.Commit{}, es.FeedFatal(err)
			}
			if !s.query.Matches(&commit) {
				if es.Compare(commit.Position, s.query.After) > 0 {
					s.query.After = commit.Position
				}
				continue
			}
			s.query.After = commit.Position
			return commit, nil
		}

		select {
		case <-ctx.Done():
			return es.Commit{}, ctx.Err()
		case <-s.done:
			return es.Commit{}, es.FeedFatal(feed.ErrEnded)
		default:
		}

		records, err := s.poll(ctx)
		switch {
		case err == nil:
			s.pending = records
		case ctx.Err() != nil:
			return es.Commit{}, ctx.Err()
		case errors.Is(err, feed.ErrEnded):
			return es.Commit{}, es.FeedFatal(err)
		default:
			if s.feed.config.Logger != nil {
				s.feed.config.Logger.Error(ctx, "kafka fetch failed",
					"topic", s.feed.config.Topic,
					"error", err)
			}
			return es.Commit{}, es.FeedFatal(err)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.closeFn()
	})
	return nil
}
