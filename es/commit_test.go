package es

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testCommit() Commit {
	return Commit{
		StreamID:        StreamIDFor("Order", "order-1"),
		AggregateID:     "order-1",
		AggregateType:   "Order",
		Version:         3,
		Position:        Position{Seconds: 1700000000, Ordinal: 2},
		CreatedAt:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		CommandMetadata: []byte(`{"command":"PlaceOrder"}`),
		Events: []EventRecord{
			{ID: uuid.New(), Type: "OrderPlaced", Payload: []byte(`{"total":10}`)},
			{ID: uuid.New(), Type: "LineAdded", Payload: []byte(`{"sku":"a"}`)},
			{ID: uuid.New(), Type: "LineAdded", Payload: []byte(`{"sku":"b"}`)},
		},
	}
}

func TestDecode(t *testing.T) {
	commit := testCommit()

	events := Decode(commit, "orders-db")

	if len(events) != len(commit.Events) {
		t.Fatalf("expected %d events, got %d", len(commit.Events), len(events))
	}

	for i, e := range events {
		rec := commit.Events[i]
		if e.ID != rec.ID {
			t.Errorf("event %d: expected ID %s, got %s", i, rec.ID, e.ID)
		}
		if e.Type != rec.Type {
			t.Errorf("event %d: expected type %s, got %s", i, rec.Type, e.Type)
		}
		if string(e.Payload) != string(rec.Payload) {
			t.Errorf("event %d: payload mismatch", i)
		}
		if e.Source != "orders-db" {
			t.Errorf("event %d: expected source orders-db, got %s", i, e.Source)
		}
		if e.Aggregate.Version != commit.Version {
			t.Errorf("event %d: expected version %d, got %d", i, commit.Version, e.Aggregate.Version)
		}
		if e.Aggregate.ID != commit.AggregateID || e.Aggregate.Type != commit.AggregateType {
			t.Errorf("event %d: aggregate identity mismatch", i)
		}
		if e.Aggregate.StreamID != commit.StreamID {
			t.Errorf("event %d: stream mismatch", i)
		}
		if e.Meta.Position != commit.Position {
			t.Errorf("event %d: expected position %v, got %v", i, commit.Position, e.Meta.Position)
		}
		if !e.Meta.CreatedAt.Equal(commit.CreatedAt) {
			t.Errorf("event %d: createdAt mismatch", i)
		}
		if string(e.Meta.CommandMetadata) != string(commit.CommandMetadata) {
			t.Errorf("event %d: command metadata mismatch", i)
		}
	}
}

func TestDecode_Deterministic(t *testing.T) {
	commit := testCommit()

	first := Decode(commit, "s")
	second := Decode(commit, "s")

	if !reflect.DeepEqual(first, second) {
		t.Error("Decode must return identical results for identical input")
	}
}

func TestDecode_EmptyCommit(t *testing.T) {
	events := Decode(Commit{Version: 1}, "s")
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestCommit_EventTypes(t *testing.T) {
	commit := testCommit()

	got := commit.EventTypes()
	want := []string{"OrderPlaced", "LineAdded"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCommit_MatchesTypes(t *testing.T) {
	commit := testCommit()

	if !commit.MatchesTypes(nil) {
		t.Error("empty filter must match")
	}
	if !commit.MatchesTypes(map[string]bool{"LineAdded": true}) {
		t.Error("expected match on LineAdded")
	}
	if commit.MatchesTypes(map[string]bool{"OrderShipped": true}) {
		t.Error("unexpected match on OrderShipped")
	}
}

func TestStreamIDFor(t *testing.T) {
	a := StreamIDFor("Order", "42")
	b := StreamIDFor("Order", "42")
	if a != b {
		t.Fatalf("stream id must be deterministic: %s != %s", a, b)
	}
	if len(a) != 24 {
		t.Errorf("expected 24 hex chars, got %d (%s)", len(a), a)
	}

	seen := map[string]string{}
	for i := 0; i < 1000; i++ {
		for _, typ := range []string{"Order", "Customer"} {
			id := fmt.Sprintf("%d", i)
			sid := StreamIDFor(typ, id)
			if prev, ok := seen[sid]; ok {
				t.Fatalf("collision between %s and %s/%s", prev, typ, id)
			}
			seen[sid] = typ + "/" + id
		}
	}
}

func TestStreamIDFor_SplitsDoNotCollide(t *testing.T) {
	pairs := [][2][2]string{
		{{"Order", "1"}, {"Orde", "r1"}},
		{{"Order", "1"}, {"", "Order1"}},
		{{"ab", "c"}, {"a", "bc"}},
	}
	for _, p := range pairs {
		a := StreamIDFor(p[0][0], p[0][1])
		b := StreamIDFor(p[1][0], p[1][1])
		if a == b {
			t.Errorf("(%q, %q) and (%q, %q) share stream %s", p[0][0], p[0][1], p[1][0], p[1][1], a)
		}
	}
}

func TestConsumerApplyError(t *testing.T) {
	cause := errors.New("boom")
	err := &ConsumerApplyError{Consumer: "orders", EventID: uuid.New(), Err: cause}

	if !errors.Is(err, cause) {
		t.Error("ConsumerApplyError must unwrap to its cause")
	}

	var applyErr *ConsumerApplyError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &applyErr) {
		t.Error("expected errors.As to find ConsumerApplyError")
	}
}

func TestUnavailableAndFeedFatal(t *testing.T) {
	cause := errors.New("connection refused")

	err := Unavailable("query commits", cause)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Errorf("unexpected wrapping: %v", err)
	}

	fatal := FeedFatal(cause)
	if !errors.Is(fatal, ErrFeedFatal) || !errors.Is(fatal, cause) {
		t.Errorf("unexpected wrapping: %v", fatal)
	}
	if FeedFatal(fatal) != fatal {
		t.Error("FeedFatal must not double wrap")
	}
}
