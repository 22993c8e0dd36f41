package migrations

import (
	"fmt"
	"time"
)

// SnapshotsConfig configures generation of the snapshots table migration.
type SnapshotsConfig struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string
}

// DefaultSnapshotsConfig returns the default snapshots configuration.
func DefaultSnapshotsConfig() SnapshotsConfig {
	timestamp := time.Now().Format("20060102150405")
	return SnapshotsConfig{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_add_snapshots.sql", timestamp),
		SnapshotsTable: "snapshots",
	}
}

// GenerateSnapshotsPostgres writes the PostgreSQL snapshots migration file.
func GenerateSnapshotsPostgres(config SnapshotsConfig) error {
	return writeMigration(&Config{
		OutputFolder:   config.OutputFolder,
		OutputFilename: config.OutputFilename,
	}, SnapshotsPostgresSQL(config.SnapshotsTable))
}

// SnapshotsPostgresSQL returns the DDL of the table kept by the snapshot read model.
func SnapshotsPostgresSQL(table string) string {
	return fmt.Sprintf(`-- Snapshots Migration
-- Generated: %s

-- Latest event per aggregate, maintained by the snapshot read model
CREATE TABLE IF NOT EXISTS %s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    payload BYTEA NOT NULL,
    command_metadata BYTEA,
    position_sec BIGINT NOT NULL,
    position_ord BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (aggregate_type, aggregate_id)
);
`, time.Now().Format(time.RFC3339), table)
}
