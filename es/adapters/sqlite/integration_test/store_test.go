// Package integration_test contains integration tests for the SQLite adapter.
// These tests require SQLite (which is embedded).
//
// Run with: go test -tags=integration ./es/adapters/sqlite/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/sqlite"
	"github.com/getpup/pupstream/es/dispatch"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/projection"
	"github.com/getpup/pupstream/es/store"
)

func newTestStore(t *testing.T) (*sqlite.Store, *sql.DB) {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "pupstream.db")
	db, err := sql.Open("sqlite", dbFile+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	s := sqlite.NewStore(db, sqlite.NewStoreConfig(sqlite.WithSource("orders-db")))
	if err := s.InitializeIndexes(ctx); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	// Idempotent
	if err := s.InitializeIndexes(ctx); err != nil {
		t.Fatalf("Second InitializeIndexes failed: %v", err)
	}
	return s, db
}

func records(types ...string) []es.EventRecord {
	out := make([]es.EventRecord, len(types))
	for i, typ := range types {
		out[i] = es.EventRecord{ID: uuid.New(), Type: typ, Payload: []byte(`{"n":` + string(rune('0'+i)) + `}`)}
	}
	return out
}

func TestAppendAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	orderID := uuid.New().String()

	first, err := s.Append(ctx, orderID, "Order", 0, records("OrderPlaced", "LineAdded"), []byte(`{"command":"PlaceOrder"}`))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Expected version 1, got %d", first.Version)
	}
	if first.StreamID != es.StreamIDFor("Order", orderID) {
		t.Errorf("Unexpected stream id %s", first.StreamID)
	}

	second, err := s.Append(ctx, orderID, "Order", 1, records("OrderShipped"), nil)
	if err != nil {
		t.Fatalf("Second append failed: %v", err)
	}
	if es.Compare(second.Position, first.Position) <= 0 {
		t.Errorf("Expected increasing positions, got %v then %v", first.Position, second.Position)
	}

	var types []string
	version, err := s.LoadEvents(ctx, orderID, "Order", func(e es.Event) error {
		types = append(types, e.Type)
		if e.Source != "orders-db" {
			t.Errorf("Expected source orders-db, got %q", e.Source)
		}
		if e.Aggregate.ID != orderID {
			t.Errorf("Expected aggregate %s, got %s", orderID, e.Aggregate.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}
	if want := []string{"OrderPlaced", "LineAdded", "OrderShipped"}; !reflect.DeepEqual(types, want) {
		t.Errorf("Expected %v, got %v", want, types)
	}
}

func TestLoadEvents_EmptyStream(t *testing.T) {
	s, _ := newTestStore(t)

	version, err := s.LoadEvents(context.Background(), "missing", "Order", func(es.Event) error {
		t.Error("Callback should not be called for an empty stream")
		return nil
	})
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Expected version 0, got %d", version)
	}
}

func TestLoadEvents_CallbackError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "o-1", "Order", 0, records("A", "B"), nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	stop := errors.New("stop")
	_, err := s.LoadEvents(ctx, "o-1", "Order", func(es.Event) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
}

func TestAppend_ConflictOnNewStream(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "o-1", "Order", 0, records("OrderPlaced"), nil); err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	_, err := s.Append(ctx, "o-1", "Order", 0, records("OrderPlaced"), nil)
	if !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Errorf("Expected ErrConcurrencyConflict, got %v", err)
	}

	version, _ := s.LoadEvents(ctx, "o-1", "Order", func(es.Event) error { return nil })
	if version != 1 {
		t.Errorf("Expected stream to stay at version 1, got %d", version)
	}
}

func TestAppend_ConflictOnStaleVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for v := int64(0); v < 3; v++ {
		if _, err := s.Append(ctx, "o-1", "Order", v, records("Changed"), nil); err != nil {
			t.Fatalf("Append at %d failed: %v", v, err)
		}
	}

	tests := []int64{1, 2, 5}
	for _, expected := range tests {
		_, err := s.Append(ctx, "o-1", "Order", expected, records("Changed"), nil)
		if !errors.Is(err, es.ErrConcurrencyConflict) {
			t.Errorf("expected=%d: expected ErrConcurrencyConflict, got %v", expected, err)
		}
	}
}

func TestAppend_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "o-1", "Order", 0, nil, nil); !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("Expected ErrNoEvents, got %v", err)
	}

	dup := records("A")
	if _, err := s.Append(ctx, "o-1", "Order", 0, dup, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.Append(ctx, "o-2", "Order", 0, dup, nil); !errors.Is(err, store.ErrDuplicateEventID) {
		t.Errorf("Expected ErrDuplicateEventID, got %v", err)
	}
}

func TestAppendTx_RollbackLeavesNothing(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if _, err := s.AppendTx(ctx, tx, "o-1", "Order", 0, records("A"), nil); err != nil {
		t.Fatalf("AppendTx failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	head, err := s.HeadPosition(ctx)
	if err != nil {
		t.Fatalf("HeadPosition failed: %v", err)
	}
	if !head.IsZero() {
		t.Errorf("Expected empty store after rollback, got head %v", head)
	}
}

func TestReadCommits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var commits []es.Commit
	for i, types := range [][]string{{"A"}, {"B"}, {"A", "C"}, {"C"}} {
		c, err := s.Append(ctx, uuid.New().String(), "Order", 0, records(types...), nil)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		commits = append(commits, c)
	}

	all, err := s.ReadCommits(ctx, store.Query{}, 10)
	if err != nil {
		t.Fatalf("ReadCommits failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Expected 4 commits, got %d", len(all))
	}
	for i := range all {
		if all[i].Position != commits[i].Position {
			t.Errorf("Commit %d: expected position %v, got %v", i, commits[i].Position, all[i].Position)
		}
		if len(all[i].Events) != len(commits[i].Events) {
			t.Errorf("Commit %d: expected %d events, got %d", i, len(commits[i].Events), len(all[i].Events))
		}
	}
	if all[2].Events[1].ID != commits[2].Events[1].ID {
		t.Error("Expected event order and ids to be preserved")
	}

	filtered, _ := s.ReadCommits(ctx, store.Query{EventTypes: []string{"A"}}, 10)
	if len(filtered) != 2 || filtered[0].Position != commits[0].Position || filtered[1].Position != commits[2].Position {
		t.Errorf("Unexpected type-filtered commits: %+v", filtered)
	}
	if len(filtered[1].Events) != 2 {
		t.Error("Type filter selects whole commits")
	}

	bounded, _ := s.ReadCommits(ctx, store.Query{After: commits[0].Position, UpTo: commits[2].Position}, 10)
	if len(bounded) != 2 || bounded[0].Position != commits[1].Position {
		t.Errorf("Unexpected bounded commits: %+v", bounded)
	}

	limited, _ := s.ReadCommits(ctx, store.Query{}, 3)
	if len(limited) != 3 {
		t.Errorf("Expected limit of 3 commits, got %d", len(limited))
	}

	head, err := s.HeadPosition(ctx)
	if err != nil {
		t.Fatalf("HeadPosition failed: %v", err)
	}
	if head != commits[3].Position {
		t.Errorf("Expected head %v, got %v", commits[3].Position, head)
	}
}

func TestWatermarksAndGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetWatermark(ctx, "totals", "main"); err != nil || ok {
		t.Fatalf("Expected no watermark, got ok=%v err=%v", ok, err)
	}

	for _, pos := range []es.Position{{Seconds: 10, Ordinal: 1}, {Seconds: 11, Ordinal: 4}} {
		if err := s.SaveWatermark(ctx, "totals", "main", pos); err != nil {
			t.Fatalf("SaveWatermark failed: %v", err)
		}
		got, ok, err := s.GetWatermark(ctx, "totals", "main")
		if err != nil || !ok || got != pos {
			t.Errorf("Expected %v, got %v (ok=%v err=%v)", pos, got, ok, err)
		}
	}

	id := uuid.New()
	if applied, _ := s.IsApplied(ctx, "totals", id); applied {
		t.Error("Expected fresh event to be unapplied")
	}
	if first, err := s.MarkApplied(ctx, "totals", id); err != nil || !first {
		t.Errorf("Expected first mark to succeed, got %v %v", first, err)
	}
	if first, err := s.MarkApplied(ctx, "totals", id); err != nil || first {
		t.Errorf("Expected second mark to report false, got %v %v", first, err)
	}
	if applied, _ := s.IsApplied(ctx, "other", id); applied {
		t.Error("Guard records must be scoped by consumer")
	}
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "o-1", "Order", 0, records("A"), nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.SaveWatermark(ctx, "c", "main", es.Position{Seconds: 1, Ordinal: 1}); err != nil {
		t.Fatalf("SaveWatermark failed: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	commits, _ := s.ReadCommits(ctx, store.Query{}, 10)
	if len(commits) != 0 {
		t.Errorf("Expected no commits after reset, got %d", len(commits))
	}
	if _, ok, _ := s.GetWatermark(ctx, "c", "main"); ok {
		t.Error("Expected watermarks to be cleared")
	}
	if _, err := s.Append(ctx, "o-1", "Order", 0, records("A"), nil); err != nil {
		t.Errorf("Expected stream to be reusable after reset: %v", err)
	}
}

func TestEngine_CatchUpAndTailWithPersistentReadModel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "o-1", "Order", int64(i), records("Changed"), nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	applied := make(chan es.Event, 10)
	rm := projection.NewReadModel("totals",
		projection.WithGuard(projection.NewStoreGuard(s, "totals")),
		projection.WithWatermarks(projection.NewStoreWatermarks(s, "totals")),
	).On("Changed", func(_ context.Context, e es.Event) error {
		applied <- e
		return nil
	})

	pollerConfig := feed.DefaultPollerConfig()
	pollerConfig.PollInterval = 10 * time.Millisecond
	engine := dispatch.New("orders-db", s, feed.NewPoller(s, pollerConfig), dispatch.DefaultConfig()).Subscribe(rm)

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	for i := 0; i < 3; i++ {
		<-applied
	}
	waitTailing(t, rm, "orders-db")

	live, err := s.Append(ctx, "o-1", "Order", 3, records("Changed"), nil)
	if err != nil {
		t.Fatalf("Live append failed: %v", err)
	}

	select {
	case e := <-applied:
		if e.Meta.Position != live.Position {
			t.Errorf("Expected live event at %v, got %v", live.Position, e.Meta.Position)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for live event")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	pos, ok, err := s.GetWatermark(context.Background(), "totals", "orders-db")
	if err != nil || !ok {
		t.Fatalf("Expected persisted watermark, got ok=%v err=%v", ok, err)
	}
	if pos != live.Position {
		t.Errorf("Expected watermark %v, got %v", live.Position, pos)
	}
}

func waitTailing(t *testing.T, rm *projection.ReadModel, source string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !rm.HasTailingStarted(source) {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for tailing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
