//go:build integration

package integration_test

import (
	"context"
	"testing"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/postgres/projections"
	"github.com/getpup/pupstream/es/dispatch"
	"github.com/getpup/pupstream/es/migrations"
	"github.com/getpup/pupstream/es/projection"
)

func TestSnapshotProjection_KeepsLatestEventPerAggregate(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS test_snapshots`); err != nil {
		t.Fatalf("Failed to drop snapshots table: %v", err)
	}
	if _, err := db.ExecContext(ctx, migrations.Statements(migrations.SnapshotsPostgresSQL("test_snapshots"))[0]); err != nil {
		t.Fatalf("Failed to create snapshots table: %v", err)
	}

	for v := int64(0); v < 3; v++ {
		if _, err := s.Append(ctx, "o-1", "Order", v, records("Changed"), nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	last, err := s.Append(ctx, "o-2", "Order", 0, records("Placed", "Shipped"), nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	config := projections.DefaultSnapshotConfig()
	config.SnapshotsTable = "test_snapshots"
	rm := projections.NewSnapshotProjection(db, config).ReadModel(
		projection.WithWatermarks(projection.NewStoreWatermarks(s, config.Name)),
	).StopAfterInitialProcessing()

	engine := dispatch.New("orders", s, nil, dispatch.DefaultConfig()).Subscribe(rm)
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var (
		version   int64
		eventType string
		ord       int64
	)
	row := db.QueryRowContext(ctx, `SELECT version, event_type, position_ord FROM test_snapshots WHERE aggregate_id = 'o-1'`)
	if err := row.Scan(&version, &eventType, &ord); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if version != 3 || eventType != "Changed" {
		t.Errorf("Expected o-1 at version 3, got %d %s", version, eventType)
	}

	row = db.QueryRowContext(ctx, `SELECT event_type, position_ord FROM test_snapshots WHERE aggregate_id = 'o-2'`)
	if err := row.Scan(&eventType, &ord); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if eventType != "Shipped" || ord != last.Position.Ordinal {
		t.Errorf("Expected last event of the commit, got %s at %d", eventType, ord)
	}

	// Replaying an older commit leaves the snapshot untouched
	stale := es.Event{Type: "Changed", Aggregate: es.AggregateMeta{ID: "o-1", Type: "Order", Version: 1}}
	if err := projections.NewSnapshotProjection(db, config).Handle(ctx, stale); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT version FROM test_snapshots WHERE aggregate_id = 'o-1'`).Scan(&version); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if version != 3 {
		t.Errorf("Expected version 3 to survive replay, got %d", version)
	}
}
