// Package store provides event store abstractions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
)

var (
	// ErrNoEvents indicates an attempt to append a commit without events.
	ErrNoEvents = errors.New("no events to append")

	// ErrInvalidExpectedVersion indicates a negative expected version.
	ErrInvalidExpectedVersion = errors.New("expected version must be non-negative")

	// ErrDuplicateEventID indicates an event id that is already stored.
	ErrDuplicateEventID = errors.New("duplicate event id")
)

// EventStore is the append contract of a commit store.
type EventStore interface {
	// Append writes one commit to the stream of (aggregateType, aggregateID).
	//
	// expectedVersion is the stream version the caller last observed (0 for a
	// new aggregate). The commit is stored with version expectedVersion+1.
	// Returns es.ErrConcurrencyConflict if the stream is not at expectedVersion;
	// the check relies on the (stream, version) uniqueness constraint and a
	// conditional insert, never on a separate read of the current version.
	// Returns ErrNoEvents if events is empty.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []es.EventRecord, commandMetadata []byte) (es.Commit, error)

	// LoadEvents replays every commit of the stream in position order, decoding
	// each and invoking fn once per event. Returns the version of the last commit
	// seen, or 0 if the stream is empty. An error from fn stops the replay and is
	// returned as is.
	LoadEvents(ctx context.Context, aggregateID, aggregateType string, fn func(es.Event) error) (int64, error)
}

// Query selects commits for catch-up reads.
type Query struct {
	// EventTypes keeps commits containing at least one event of these types.
	// Empty means every commit.
	EventTypes []string

	// After is exclusive: only commits with a position greater than After match.
	After es.Position

	// UpTo is inclusive when non-zero and bounds the read.
	UpTo es.Position
}

// Matches reports whether commit satisfies q. Stores use it for client-side
// filtering and feeds use it to apply catch-up semantics to live commits.
func (q Query) Matches(commit *es.Commit) bool {
	if es.Compare(commit.Position, q.After) <= 0 {
		return false
	}
	if !q.UpTo.IsZero() && es.Compare(commit.Position, q.UpTo) > 0 {
		return false
	}
	return commit.MatchesTypes(TypeSet(q.EventTypes))
}

// TypeSet builds a lookup set from a list of event types. Returns nil for an empty list.
func TypeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// CommitReader reads commits across all streams in position order.
type CommitReader interface {
	// ReadCommits returns up to limit commits matching q, ordered by position
	// ascending. Commits sharing a position are returned in store order.
	ReadCommits(ctx context.Context, q Query, limit int) ([]es.Commit, error)

	// HeadPosition returns the position of the latest commit, or the zero
	// position for an empty store.
	HeadPosition(ctx context.Context) (es.Position, error)
}

// Admin groups administrative operations. Both are idempotent and not on the hot path.
type Admin interface {
	// InitializeIndexes creates the storage structures and indexes.
	InitializeIndexes(ctx context.Context) error

	// Reset removes every commit and consumer record.
	Reset(ctx context.Context) error
}

// WatermarkStore persists consumer resume watermarks per source.
type WatermarkStore interface {
	// GetWatermark returns the stored watermark, or ok=false if none exists.
	GetWatermark(ctx context.Context, consumer, source string) (pos es.Position, ok bool, err error)

	// SaveWatermark stores pos as the watermark of (consumer, source).
	SaveWatermark(ctx context.Context, consumer, source string, pos es.Position) error
}

// GuardStore persists which events a consumer has already applied.
type GuardStore interface {
	// IsApplied reports whether eventID was marked for consumer.
	IsApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)

	// MarkApplied records eventID for consumer and reports whether this call
	// created the record. Marking twice is not an error; the second call
	// returns false.
	MarkApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
}

// PrepareRecords validates an append and assigns ids to records that lack one.
// Adapters call it before writing; it returns a copy and never mutates events.
func PrepareRecords(expectedVersion int64, events []es.EventRecord) ([]es.EventRecord, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if expectedVersion < 0 {
		return nil, ErrInvalidExpectedVersion
	}
	records := make([]es.EventRecord, len(events))
	copy(records, events)
	seen := make(map[uuid.UUID]bool, len(records))
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
		if seen[records[i].ID] {
			return nil, fmt.Errorf("event %d: %w: %s", i, ErrDuplicateEventID, records[i].ID)
		}
		seen[records[i].ID] = true
		if records[i].Payload == nil {
			records[i].Payload = []byte{}
		}
	}
	return records, nil
}
