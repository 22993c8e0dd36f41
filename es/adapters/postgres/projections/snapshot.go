package projections

import (
	"context"
	"fmt"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/projection"
)

// SnapshotConfig configures the snapshot read model.
type SnapshotConfig struct {
	// Logger is an optional logger for observability.
	Logger es.Logger

	// Name is the consumer name used for watermarks and the idempotency guard
	Name string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string
}

// DefaultSnapshotConfig returns the default snapshot configuration.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Name:           "snapshot_projection",
		SnapshotsTable: "snapshots",
	}
}

// SnapshotProjection keeps the latest event of every aggregate.
//
// The snapshot stores:
// - The latest event's payload and type
// - The aggregate version and log position
// - The command metadata of the commit
//
// Snapshots are keyed by (aggregate_type, aggregate_id). A commit never replaces
// a snapshot taken at a higher version, so replays after a watermark reset are safe.
type SnapshotProjection struct {
	db     es.DBTX
	config SnapshotConfig
}

// NewSnapshotProjection creates a new snapshot projection writing through db.
func NewSnapshotProjection(db es.DBTX, config SnapshotConfig) *SnapshotProjection {
	return &SnapshotProjection{
		db:     db,
		config: config,
	}
}

// Name returns the consumer name.
func (p *SnapshotProjection) Name() string {
	return p.config.Name
}

// ReadModel returns a read model that routes every event to Handle.
// Pass projection options to attach a guard, watermarks or a partition.
func (p *SnapshotProjection) ReadModel(opts ...projection.Option) *projection.ReadModel {
	if p.config.Logger != nil {
		opts = append([]projection.Option{projection.WithLogger(p.config.Logger)}, opts...)
	}
	return projection.NewReadModel(p.config.Name, opts...).OnAny(p.Handle)
}

// Handle upserts the snapshot of the event's aggregate.
//
//nolint:gocritic // hugeParam: events are value objects handed to every consumer
func (p *SnapshotProjection) Handle(ctx context.Context, event es.Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			aggregate_type, aggregate_id, version, event_type,
			payload, command_metadata, position_sec, position_ord, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (aggregate_type, aggregate_id)
		DO UPDATE SET
			version = EXCLUDED.version,
			event_type = EXCLUDED.event_type,
			payload = EXCLUDED.payload,
			command_metadata = EXCLUDED.command_metadata,
			position_sec = EXCLUDED.position_sec,
			position_ord = EXCLUDED.position_ord,
			updated_at = EXCLUDED.updated_at
		WHERE %s.version <= EXCLUDED.version
	`, p.config.SnapshotsTable, p.config.SnapshotsTable)

	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := p.db.ExecContext(ctx, query,
		event.Aggregate.Type,
		event.Aggregate.ID,
		event.Aggregate.Version,
		event.Type,
		payload,
		event.Meta.CommandMetadata,
		event.Meta.Position.Seconds,
		event.Meta.Position.Ordinal,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return nil
}
