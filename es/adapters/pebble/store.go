// Package pebblestore provides an embedded commit store on Pebble.
//
// Appends are serialized by a process-wide mutex, which plays the role of the
// (stream, version) unique constraint of the SQL adapters: the version check
// and the write happen under the same lock. The store is therefore meant for
// a single process; open the directory from one Store only.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// StoreConfig contains configuration for the Pebble commit store.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Now returns the wall clock used for positions. Defaults to time.Now.
	Now func() time.Time

	// PebbleOptions allows tuning Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options

	// Source is the source name stamped on events returned by LoadEvents
	Source string

	// BatchSize is the number of commits a subscription reads per wake-up
	BatchSize int

	// Sync forces a WAL fsync on every append.
	Sync bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Source:    "default",
		BatchSize: 100,
		Sync:      true,
	}
}

// Store is a Pebble-backed commit store. It is also a feed.ChangeFeed:
// subscriptions wake up on every append made through this Store.
type Store struct {
	db     *pebble.DB
	config StoreConfig

	mu       sync.Mutex
	head     es.Position
	notifyCh chan struct{}

	guardMu sync.Mutex
}

// Compile-time interface checks
var (
	_ store.EventStore     = (*Store)(nil)
	_ store.CommitReader   = (*Store)(nil)
	_ store.Admin          = (*Store)(nil)
	_ store.WatermarkStore = (*Store)(nil)
	_ store.GuardStore     = (*Store)(nil)
)

// Open opens or creates the store in dir and loads the head position.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func Open(dir string, config StoreConfig) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebble: directory is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultStoreConfig().BatchSize
	}
	opts := config.PebbleOptions
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, es.Unavailable("open pebble", err)
	}

	s := &Store{db: db, config: config, notifyCh: make(chan struct{})}

	val, err := s.get(keyHead)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		//nolint:errcheck // the read error is the one worth reporting
		db.Close()
		return nil, es.Unavailable("read head position", err)
	default:
		if s.head, err = es.PositionFromKey(val); err != nil {
			//nolint:errcheck // the decode error is the one worth reporting
			db.Close()
			return nil, fmt.Errorf("failed to decode head position: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.config.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// get copies the value stored at key.
func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) has(key []byte) (bool, error) {
	_, err := s.get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []es.EventRecord, commandMetadata []byte) (es.Commit, error) {
	records, err := store.PrepareRecords(expectedVersion, events)
	if err != nil {
		return es.Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return es.Commit{}, err
	}

	streamID := es.StreamIDFor(aggregateType, aggregateID)
	version := expectedVersion + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(streamID, expectedVersion); err != nil {
		if errors.Is(err, es.ErrConcurrencyConflict) && s.config.Logger != nil {
			s.config.Logger.Error(ctx, "optimistic concurrency conflict",
				"aggregate_type", aggregateType,
				"aggregate_id", aggregateID,
				"expected_version", expectedVersion)
		}
		return es.Commit{}, err
	}
	for i := range records {
		exists, err := s.has(KeyEvent(records[i].ID))
		if err != nil {
			return es.Commit{}, es.Unavailable("check event id", err)
		}
		if exists {
			return es.Commit{}, fmt.Errorf("event %d: %w: %s", i, store.ErrDuplicateEventID, records[i].ID)
		}
	}

	now := s.config.Now().UTC()
	pos := es.NextPosition(s.head, now.Unix())
	commit := es.Commit{
		StreamID:        streamID,
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		Version:         version,
		Position:        pos,
		CreatedAt:       now,
		CommandMetadata: commandMetadata,
		Events:          records,
	}

	value, err := EncodeCommit(commit)
	if err != nil {
		return es.Commit{}, fmt.Errorf("failed to encode commit: %w", err)
	}
	posKey := pos.AppendKey(nil)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyCommit(pos), value, nil); err != nil {
		return es.Commit{}, es.Unavailable("stage commit", err)
	}
	if err := b.Set(KeyStreamVersion(streamID, version), posKey, nil); err != nil {
		return es.Commit{}, es.Unavailable("stage stream index", err)
	}
	for i := range records {
		if err := b.Set(KeyEvent(records[i].ID), posKey, nil); err != nil {
			return es.Commit{}, es.Unavailable("stage event index", err)
		}
	}
	if err := b.Set(keyHead, posKey, nil); err != nil {
		return es.Commit{}, es.Unavailable("stage head", err)
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return es.Commit{}, es.Unavailable("commit batch", err)
	}

	s.head = pos
	// notify waiters
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "commit appended",
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"version", version,
			"position", pos,
			"event_count", len(records))
	}
	return commit, nil
}

// checkVersion reports es.ErrConcurrencyConflict unless the stream is exactly at
// expectedVersion. Versions are contiguous from 1, so the stream is at v when
// v exists (or v is 0) and v+1 does not.
func (s *Store) checkVersion(streamID string, expectedVersion int64) error {
	if expectedVersion > 0 {
		exists, err := s.has(KeyStreamVersion(streamID, expectedVersion))
		if err != nil {
			return es.Unavailable("check stream version", err)
		}
		if !exists {
			return es.ErrConcurrencyConflict
		}
	}
	next, err := s.has(KeyStreamVersion(streamID, expectedVersion+1))
	if err != nil {
		return es.Unavailable("check stream version", err)
	}
	if next {
		return es.ErrConcurrencyConflict
	}
	return nil
}

// LoadEvents implements store.EventStore.
func (s *Store) LoadEvents(ctx context.Context, aggregateID, aggregateType string, fn func(es.Event) error) (int64, error) {
	streamID := es.StreamIDFor(aggregateType, aggregateID)
	prefix := KeyStreamPrefix(streamID)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, es.Unavailable("iterate stream", err)
	}
	var positions []es.Position
	for iter.First(); iter.Valid(); iter.Next() {
		pos, err := es.PositionFromKey(iter.Value())
		if err != nil {
			//nolint:errcheck // the decode error is the one worth reporting
			iter.Close()
			return 0, fmt.Errorf("failed to decode stream index: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := iter.Close(); err != nil {
		return 0, es.Unavailable("iterate stream", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "stream loaded",
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"commits", len(positions))
	}

	var version int64
	for _, pos := range positions {
		value, err := s.get(KeyCommit(pos))
		if err != nil {
			return version, es.Unavailable("read commit", err)
		}
		commit, err := DecodeCommit(pos, value)
		if err != nil {
			return version, err
		}
		for _, event := range es.Decode(commit, s.config.Source) {
			if err := fn(event); err != nil {
				return version, err
			}
		}
		version = commit.Version
	}
	return version, nil
}

// ReadCommits implements store.CommitReader.
func (s *Store) ReadCommits(ctx context.Context, q store.Query, limit int) ([]es.Commit, error) {
	lower := append(KeyCommit(q.After), 0)
	upper := prefixEnd(prefixCommit)
	if !q.UpTo.IsZero() {
		upper = append(KeyCommit(q.UpTo), 0)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, es.Unavailable("iterate commits", err)
	}
	defer iter.Close()

	types := store.TypeSet(q.EventTypes)
	var commits []es.Commit
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(commits) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pos, err := es.PositionFromKey(iter.Key()[len(prefixCommit):])
		if err != nil {
			return nil, fmt.Errorf("failed to decode commit key: %w", err)
		}
		commit, err := DecodeCommit(pos, iter.Value())
		if err != nil {
			return nil, err
		}
		if !commit.MatchesTypes(types) {
			continue
		}
		commits = append(commits, commit)
	}
	if err := iter.Error(); err != nil {
		return nil, es.Unavailable("iterate commits", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "commits read",
			"after", q.After,
			"event_types", q.EventTypes,
			"count", len(commits))
	}
	return commits, nil
}

// HeadPosition implements store.CommitReader.
func (s *Store) HeadPosition(_ context.Context) (es.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// InitializeIndexes implements store.Admin. The key layout is its own index,
// so there is nothing to create.
func (s *Store) InitializeIndexes(_ context.Context) error {
	return nil
}

// Reset implements store.Admin. It deletes every key written by the store.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{prefixCommit, prefixStream, prefixEvent, prefixWatermark, prefixGuard} {
		if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
			return es.Unavailable("stage reset", err)
		}
	}
	if err := b.Delete(keyHead, nil); err != nil {
		return es.Unavailable("stage reset", err)
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return es.Unavailable("reset store", err)
	}
	s.head = es.Position{}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "store reset")
	}
	return nil
}

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(_ context.Context, consumer, source string) (es.Position, bool, error) {
	val, err := s.get(KeyWatermark(consumer, source))
	if errors.Is(err, pebble.ErrNotFound) {
		return es.Position{}, false, nil
	}
	if err != nil {
		return es.Position{}, false, es.Unavailable("get watermark", err)
	}
	pos, err := es.PositionFromKey(val)
	if err != nil {
		return es.Position{}, false, fmt.Errorf("failed to decode watermark: %w", err)
	}
	return pos, true, nil
}

// SaveWatermark implements store.WatermarkStore.
func (s *Store) SaveWatermark(_ context.Context, consumer, source string, pos es.Position) error {
	if err := s.db.Set(KeyWatermark(consumer, source), pos.AppendKey(nil), s.writeOptions()); err != nil {
		return es.Unavailable("save watermark", err)
	}
	return nil
}

// IsApplied implements store.GuardStore.
func (s *Store) IsApplied(_ context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	applied, err := s.has(KeyGuard(consumer, eventID))
	if err != nil {
		return false, es.Unavailable("check applied event", err)
	}
	return applied, nil
}

// MarkApplied implements store.GuardStore.
func (s *Store) MarkApplied(_ context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key := KeyGuard(consumer, eventID)

	s.guardMu.Lock()
	defer s.guardMu.Unlock()

	applied, err := s.has(key)
	if err != nil {
		return false, es.Unavailable("check applied event", err)
	}
	if applied {
		return false, nil
	}
	if err := s.db.Set(key, nil, s.writeOptions()); err != nil {
		return false, es.Unavailable("mark applied event", err)
	}
	return true, nil
}
