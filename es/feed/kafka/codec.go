package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/pupstream/es"
)

// headerPosition carries the commit position so consumers can skip records
// without decoding the value.
const headerPosition = "pupstream-position"

type wireEvent struct {
	Type    string    `json:"type"`
	Payload []byte    `json:"payload"`
	ID      uuid.UUID `json:"id"`
}

type wireCommit struct {
	CreatedAt       time.Time   `json:"created_at"`
	StreamID        string      `json:"stream_id"`
	AggregateID     string      `json:"aggregate_id"`
	AggregateType   string      `json:"aggregate_type"`
	Position        string      `json:"position"`
	CommandMetadata []byte      `json:"command_metadata,omitempty"`
	Events          []wireEvent `json:"events"`
	Version         int64       `json:"version"`
}

// EncodeCommit turns commit into the record produced by the relay.
//
//nolint:gocritic // hugeParam: commits are values
func EncodeCommit(topic string, commit es.Commit) (*kgo.Record, error) {
	w := wireCommit{
		CreatedAt:       commit.CreatedAt.UTC(),
		StreamID:        commit.StreamID,
		AggregateID:     commit.AggregateID,
		AggregateType:   commit.AggregateType,
		Position:        commit.Position.String(),
		CommandMetadata: commit.CommandMetadata,
		Version:         commit.Version,
		Events:          make([]wireEvent, len(commit.Events)),
	}
	for i, e := range commit.Events {
		w.Events[i] = wireEvent{ID: e.ID, Type: e.Type, Payload: e.Payload}
	}

	value, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit %s: %w", commit.Position, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(commit.StreamID),
		Value: value,
		// Subscriptions seek by timestamp; position seconds never go backwards
		Timestamp: time.Unix(commit.Position.Seconds, 0),
		Headers: []kgo.RecordHeader{
			{Key: headerPosition, Value: []byte(commit.Position.String())},
		},
	}, nil
}

// DecodeCommit reverses EncodeCommit.
func DecodeCommit(rec *kgo.Record) (es.Commit, error) {
	var w wireCommit
	if err := json.Unmarshal(rec.Value, &w); err != nil {
		return es.Commit{}, fmt.Errorf("failed to decode record %s/%d/%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	pos, err := es.ParsePosition(w.Position)
	if err != nil {
		return es.Commit{}, fmt.Errorf("failed to decode record %s/%d/%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}

	commit := es.Commit{
		CreatedAt:       w.CreatedAt,
		StreamID:        w.StreamID,
		AggregateID:     w.AggregateID,
		AggregateType:   w.AggregateType,
		CommandMetadata: w.CommandMetadata,
		Position:        pos,
		Version:         w.Version,
		Events:          make([]es.EventRecord, len(w.Events)),
	}
	for i, e := range w.Events {
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		commit.Events[i] = es.EventRecord{ID: e.ID, Type: e.Type, Payload: payload}
	}
	return commit, nil
}

// recordPosition reads the position header. ok is false when it is missing or malformed.
func recordPosition(rec *kgo.Record) (pos es.Position, ok bool) {
	for _, h := range rec.Headers {
		if h.Key == headerPosition {
			p, err := es.ParsePosition(string(h.Value))
			return p, err == nil
		}
	}
	return es.Position{}, false
}
