package feed

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// PollInterval is how long to wait when no new commits are available.
	// Values <= 0 use the default.
	PollInterval time.Duration

	// BatchSize is the maximum number of commits read per query.
	BatchSize int
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
	}
}

// Poller is a ChangeFeed that polls a CommitReader for commits past the
// last delivered position. It works with every store adapter.
type Poller struct {
	reader store.CommitReader
	config PollerConfig
}

// NewPoller creates a polling change feed over reader.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func NewPoller(reader store.CommitReader, config PollerConfig) *Poller {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultPollerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollerConfig().PollInterval
	}
	return &Poller{reader: reader, config: config}
}

// Subscribe implements ChangeFeed.
func (p *Poller) Subscribe(_ context.Context, after es.Position, eventTypes []string) (Subscription, error) {
	return &pollSubscription{
		poller: p,
		query: store.Query{
			After:      after,
			EventTypes: append([]string(nil), eventTypes...),
		},
		done: make(chan struct{}),
	}, nil
}

type pollSubscription struct {
	poller  *Poller
	done    chan struct{}
	pending []es.Commit
	query   store.Query
	once    sync.Once
}

func (s *pollSubscription) Next(ctx context.Context) (es.Commit, error) {
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
			return es.Commit{}, es.FeedFatal(ErrEnded)
		default:
		}

		commits, err := s.poller.reader.ReadCommits(ctx, s.query, s.poller.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return es.Commit{}, ctx.Err()
			}
			if s.poller.config.Logger != nil {
				s.poller.config.Logger.Error(ctx, "change feed poll failed",
					"after", s.query.After,
					"error", err)
			}
			return es.Commit{}, es.FeedFatal(err)
		}
		if len(commits) > 0 {
			s.pending = commits
			continue
		}

		timer := time.NewTimer(s.poller.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return es.Commit{}, ctx.Err()
		case <-s.done:
			timer.Stop()
			return es.Commit{}, es.FeedFatal(ErrEnded)
		case <-timer.C:
		}
	}
}

func (s *pollSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
