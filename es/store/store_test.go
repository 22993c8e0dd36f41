package store

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
)

func TestQuery_Matches(t *testing.T) {
	commit := es.Commit{
		Position: es.Position{Seconds: 10, Ordinal: 2},
		Events: []es.EventRecord{
			{ID: uuid.New(), Type: "OrderPlaced"},
			{ID: uuid.New(), Type: "LineAdded"},
		},
	}

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"unfiltered from start", Query{}, true},
		{"after is exclusive", Query{After: commit.Position}, false},
		{"after earlier", Query{After: es.Position{Seconds: 10, Ordinal: 1}}, true},
		{"upto inclusive", Query{UpTo: commit.Position}, true},
		{"upto earlier", Query{UpTo: es.Position{Seconds: 10, Ordinal: 1}}, false},
		{"type match", Query{EventTypes: []string{"LineAdded"}}, true},
		{"type mismatch", Query{EventTypes: []string{"OrderShipped"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Matches(&commit); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeSet(t *testing.T) {
	if TypeSet(nil) != nil {
		t.Error("expected nil set for empty list")
	}
	set := TypeSet([]string{"a", "b", "a"})
	if len(set) != 2 || !set["a"] || !set["b"] {
		t.Errorf("unexpected set %v", set)
	}
}

func TestPrepareRecords(t *testing.T) {
	if _, err := PrepareRecords(0, nil); !errors.Is(err, ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
	if _, err := PrepareRecords(-1, []es.EventRecord{{Type: "x"}}); !errors.Is(err, ErrInvalidExpectedVersion) {
		t.Errorf("expected ErrInvalidExpectedVersion, got %v", err)
	}

	fixed := uuid.New()
	input := []es.EventRecord{{Type: "a"}, {ID: fixed, Type: "b"}}
	records, err := PrepareRecords(2, input)
	if err != nil {
		t.Fatalf("PrepareRecords failed: %v", err)
	}
	if records[0].ID == uuid.Nil {
		t.Error("expected generated id for record without one")
	}
	if records[1].ID != fixed {
		t.Error("existing id must be kept")
	}
	if input[0].ID != uuid.Nil {
		t.Error("input must not be mutated")
	}
}

func TestPrepareRecords_DuplicateIDs(t *testing.T) {
	id := uuid.New()
	_, err := PrepareRecords(0, []es.EventRecord{{ID: id, Type: "a"}, {ID: id, Type: "b"}})
	if !errors.Is(err, ErrDuplicateEventID) {
		t.Errorf("expected ErrDuplicateEventID, got %v", err)
	}
}

func TestPrepareRecords_NilPayload(t *testing.T) {
	records, err := PrepareRecords(0, []es.EventRecord{{Type: "a"}})
	if err != nil {
		t.Fatalf("PrepareRecords failed: %v", err)
	}
	if records[0].Payload == nil {
		t.Error("expected nil payload to become empty")
	}
}
