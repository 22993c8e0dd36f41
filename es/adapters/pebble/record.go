package pebblestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
)

// commitRecord is the stored form of a commit. The position lives in the key.
type commitRecord struct {
	CreatedAt       time.Time     `json:"created_at"`
	StreamID        string        `json:"stream_id"`
	AggregateID     string        `json:"aggregate_id"`
	AggregateType   string        `json:"aggregate_type"`
	CommandMetadata []byte        `json:"command_metadata,omitempty"`
	Events          []eventRecord `json:"events"`
	Version         int64         `json:"version"`
}

type eventRecord struct {
	Type    string    `json:"type"`
	Payload []byte    `json:"payload"`
	ID      uuid.UUID `json:"id"`
}

// EncodeCommit returns the stored form of c.
//
//nolint:gocritic // hugeParam: commits are value objects
func EncodeCommit(c es.Commit) ([]byte, error) {
	rec := commitRecord{
		CreatedAt:       c.CreatedAt,
		StreamID:        c.StreamID,
		AggregateID:     c.AggregateID,
		AggregateType:   c.AggregateType,
		CommandMetadata: c.CommandMetadata,
		Version:         c.Version,
		Events:          make([]eventRecord, len(c.Events)),
	}
	for i := range c.Events {
		rec.Events[i] = eventRecord{ID: c.Events[i].ID, Type: c.Events[i].Type, Payload: c.Events[i].Payload}
	}
	return json.Marshal(rec)
}

// DecodeCommit parses a stored commit and stamps it with pos.
func DecodeCommit(pos es.Position, value []byte) (es.Commit, error) {
	var rec commitRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return es.Commit{}, fmt.Errorf("failed to decode commit at %s: %w", pos, err)
	}
	c := es.Commit{
		CreatedAt:       rec.CreatedAt,
		StreamID:        rec.StreamID,
		AggregateID:     rec.AggregateID,
		AggregateType:   rec.AggregateType,
		CommandMetadata: rec.CommandMetadata,
		Version:         rec.Version,
		Position:        pos,
		Events:          make([]es.EventRecord, len(rec.Events)),
	}
	for i, e := range rec.Events {
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		c.Events[i] = es.EventRecord{ID: e.ID, Type: e.Type, Payload: payload}
	}
	return c, nil
}
