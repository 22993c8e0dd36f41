package postgres

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/store"
)

// NotifyFeedConfig configures a NotifyFeed.
type NotifyFeedConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Channel is the LISTEN/NOTIFY channel; it must match StoreConfig.NotifyChannel
	Channel string

	// BatchSize is the maximum number of commits read per wake-up
	BatchSize int

	// MinReconnectInterval and MaxReconnectInterval bound the listener's reconnect backoff
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration

	// FallbackInterval re-reads the store without a notification.
	// Zero waits for notifications only.
	FallbackInterval time.Duration
}

// DefaultNotifyFeedConfig returns the default notify feed configuration.
func DefaultNotifyFeedConfig() NotifyFeedConfig {
	return NotifyFeedConfig{
		Channel:              DefaultStoreConfig().NotifyChannel,
		BatchSize:            100,
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		FallbackInterval:     5 * time.Second,
	}
}

type listenFunc func(channel string) (<-chan *pq.Notification, io.Closer, error)

// NotifyFeed is a feed.ChangeFeed woken by PostgreSQL LISTEN/NOTIFY.
// Notifications only signal that new commits exist; commits are always read
// back through the CommitReader so ordering and filtering match catch-up.
type NotifyFeed struct {
	reader store.CommitReader
	listen listenFunc
	config NotifyFeedConfig
}

var _ feed.ChangeFeed = (*NotifyFeed)(nil)

// NewNotifyFeed creates a change feed that opens one pq.Listener on connStr per subscription.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func NewNotifyFeed(reader store.CommitReader, connStr string, config NotifyFeedConfig) *NotifyFeed {
	f := &NotifyFeed{reader: reader, config: config}
	f.listen = func(channel string) (<-chan *pq.Notification, io.Closer, error) {
		listener := pq.NewListener(connStr, config.MinReconnectInterval, config.MaxReconnectInterval, f.listenerEvent)
		if err := listener.Listen(channel); err != nil {
			//nolint:errcheck // the listen error is the one worth reporting
			listener.Close()
			return nil, nil, err
		}
		return listener.Notify, listener, nil
	}
	return f
}

func (f *NotifyFeed) listenerEvent(ev pq.ListenerEventType, err error) {
	if f.config.Logger == nil || err == nil {
		return
	}
	f.config.Logger.Error(context.Background(), "listener connection event",
		"event", ev,
		"channel", f.config.Channel,
		"error", err)
}

// Subscribe implements feed.ChangeFeed. LISTEN is issued before the first read,
// so commits made after Subscribe returns always produce a wake-up.
func (f *NotifyFeed) Subscribe(ctx context.Context, after es.Position, eventTypes []string) (feed.Subscription, error) {
	notify, closer, err := f.listen(f.config.Channel)
	if err != nil {
		return nil, es.FeedFatal(err)
	}

	if f.config.Logger != nil {
		f.config.Logger.Info(ctx, "listening for commits",
			"channel", f.config.Channel,
			"after", after)
	}

	batchSize := f.config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultNotifyFeedConfig().BatchSize
	}

	return &notifySubscription{
		feed:      f,
		notify:    notify,
		closer:    closer,
		batchSize: batchSize,
		query: store.Query{
			After:      after,
			EventTypes: append([]string(nil), eventTypes...),
		},
		done: make(chan struct{}),
	}, nil
}

type notifySubscription struct {
	feed      *NotifyFeed
	notify    <-chan *pq.Notification
	closer    io.Closer
	done      chan struct{}
	pending   []es.Commit
	query     store.Query
	batchSize int
	once      sync.Once
}

func (s *notifySubscription) Next(ctx context.Context) (es.Commit, error) {
	for {
		if len(s.pending) > 0 {
			commit := s.pending[0]
			s.pending = s.pending[1:]
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

		commits, err := s.feed.reader.ReadCommits(ctx, s.query, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return es.Commit{}, ctx.Err()
			}
			return es.Commit{}, es.FeedFatal(err)
		}
		if len(commits) > 0 {
			s.pending = commits
			continue
		}

		if err := s.wait(ctx); err != nil {
			return es.Commit{}, err
		}
	}
}

// wait blocks until a notification, the fallback interval, or the end of the subscription.
// A nil notification means the listener reconnected and notifications may have been lost.
func (s *notifySubscription) wait(ctx context.Context) error {
	var fallback <-chan time.Time
	if s.feed.config.FallbackInterval > 0 {
		timer := time.NewTimer(s.feed.config.FallbackInterval)
		defer timer.Stop()
		fallback = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return es.FeedFatal(feed.ErrEnded)
	case n, ok := <-s.notify:
		if !ok {
			return es.FeedFatal(feed.ErrEnded)
		}
		if n != nil && s.feed.config.Logger != nil {
			s.feed.config.Logger.Debug(ctx, "commit notification", "position", n.Extra)
		}
		return nil
	case <-fallback:
		return nil
	}
}

func (s *notifySubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.closer.Close()
	})
	return err
}
