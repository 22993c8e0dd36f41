package pebblestore

import (
	"context"
	"sync"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/store"
)

var _ feed.ChangeFeed = (*Store)(nil)

// waitCh returns a channel closed by the next append.
func (s *Store) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}

// Subscribe implements feed.ChangeFeed. Only appends made through this Store wake subscribers.
func (s *Store) Subscribe(ctx context.Context, after es.Position, eventTypes []string) (feed.Subscription, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "tail subscription opened", "after", after)
	}
	return &tailSubscription{
		store: s,
		query: store.Query{
			After:      after,
			EventTypes: append([]string(nil), eventTypes...),
		},
		done: make(chan struct{}),
	}, nil
}

type tailSubscription struct {
	store   *Store
	done    chan struct{}
	pending []es.Commit
	query   store.Query
	once    sync.Once
}

func (t *tailSubscription) Next(ctx context.Context) (es.Commit, error) {
	for {
		if len(t.pending) > 0 {
			commit := t.pending[0]
			t.pending = t.pending[1:]
			t.query.After = commit.Position
			return commit, nil
		}

		select {
		case <-t.done:
			return es.Commit{}, es.FeedFatal(feed.ErrEnded)
		default:
		}

		// Taken before the read so an append between the read and the wait is not missed
		wake := t.store.waitCh()

		commits, err := t.store.ReadCommits(ctx, t.query, t.store.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return es.Commit{}, ctx.Err()
			}
			return es.Commit{}, es.FeedFatal(err)
		}
		if len(commits) > 0 {
			t.pending = commits
			continue
		}

		select {
		case <-ctx.Done():
			return es.Commit{}, ctx.Err()
		case <-t.done:
			return es.Commit{}, es.FeedFatal(feed.ErrEnded)
		case <-wake:
		}
	}
}

func (t *tailSubscription) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
