// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// EventRecord is a single event embedded in a commit.
type EventRecord struct {
	// ID is a globally unique identifier for this event
	ID uuid.UUID

	// Type discriminates the event (e.g. "OrderPlaced")
	Type string

	// Payload contains the event data
	// Opaque to the library - any serialization format works
	Payload []byte
}

// Commit is one durable write against a single aggregate stream.
// Commits are immutable once appended; the store never updates or deletes them.
type Commit struct {
	// CreatedAt is the wall-clock time of the append (informational only)
	CreatedAt time.Time

	// StreamID is derived from (AggregateType, AggregateID), see StreamIDFor
	StreamID string

	// AggregateID identifies the aggregate instance
	AggregateID string

	// AggregateType identifies the kind of aggregate
	AggregateType string

	// CommandMetadata describes the command that caused this commit
	// Consumer-defined, usually JSON
	CommandMetadata []byte

	// Events are the ordered, non-empty event records of this commit
	Events []EventRecord

	// Position is assigned by the store at commit time
	Position Position

	// Version is the stream version after this commit (>= 1)
	Version int64
}

// AggregateMeta describes the aggregate an event belongs to.
type AggregateMeta struct {
	ID       string
	Type     string
	StreamID string
	Version  int64
}

// EventMeta carries commit-level metadata stamped on every decoded event.
type EventMeta struct {
	CreatedAt       time.Time
	CommandMetadata []byte
	Position        Position
}

// Event is the decoded, distributable unit handed to consumers.
// Events are value objects; consumers receive copies.
type Event struct {
	// Payload contains the event data
	Payload []byte

	// Type discriminates the event
	Type string

	// Source names the log this event was read from
	Source string

	Aggregate AggregateMeta
	Meta      EventMeta

	// ID is the globally unique event identifier
	ID uuid.UUID
}

// Decode maps every event record of commit into an Event, preserving order.
// Each event carries the commit's aggregate metadata, its position and the
// given source name. Decode has no side effects.
//
//nolint:gocritic // hugeParam: commits are values
func Decode(commit Commit, source string) []Event {
	events := make([]Event, len(commit.Events))
	for i := range commit.Events {
		rec := &commit.Events[i]
		events[i] = Event{
			ID:      rec.ID,
			Type:    rec.Type,
			Payload: rec.Payload,
			Source:  source,
			Aggregate: AggregateMeta{
				ID:       commit.AggregateID,
				Type:     commit.AggregateType,
				StreamID: commit.StreamID,
				Version:  commit.Version,
			},
			Meta: EventMeta{
				CreatedAt:       commit.CreatedAt,
				Position:        commit.Position,
				CommandMetadata: commit.CommandMetadata,
			},
		}
	}
	return events
}

// EventTypes returns the distinct event types of a commit in first-seen order.
func (c *Commit) EventTypes() []string {
	seen := make(map[string]bool, len(c.Events))
	types := make([]string, 0, len(c.Events))
	for i := range c.Events {
		t := c.Events[i].Type
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return types
}

// MatchesTypes reports whether any event of the commit has a type in filter.
// An empty filter matches every commit.
func (c *Commit) MatchesTypes(filter map[string]bool) bool {
	if len(filter) == 0 {
		return true
	}
	for i := range c.Events {
		if filter[c.Events[i].Type] {
			return true
		}
	}
	return false
}
