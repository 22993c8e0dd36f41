// Package migrations provides SQL migration generation for the commit store.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dialect names a supported SQL database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// CommitsTable is the name of the commits table
	CommitsTable string

	// CommitEventsTable is the name of the table holding the events of each commit
	CommitEventsTable string

	// WatermarksTable is the name of the consumer watermarks table
	WatermarksTable string

	// AppliedEventsTable is the name of the consumer idempotency table
	AppliedEventsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:       "migrations",
		OutputFilename:     fmt.Sprintf("%s_init_commit_store.sql", timestamp),
		CommitsTable:       "commits",
		CommitEventsTable:  "commit_events",
		WatermarksTable:    "consumer_watermarks",
		AppliedEventsTable: "consumer_applied_events",
	}
}

// SQL returns the migration script for dialect.
func SQL(dialect Dialect, config *Config) (string, error) {
	switch dialect {
	case Postgres:
		return PostgresSQL(config), nil
	case SQLite:
		return SQLiteSQL(config), nil
	case MySQL:
		return MySQLSQL(config), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Generate writes the migration file for dialect.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}
	return writeMigration(config, sql)
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

func writeMigration(config *Config, sql string) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// Statements splits a migration script into individual statements, dropping
// comment-only fragments. Drivers that reject multi-statement Exec run them one by one.
func Statements(script string) []string {
	var statements []string
	for _, chunk := range strings.Split(script, ";\n") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		statements = append(statements, strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, "\n")), ";"))
	}
	return statements
}

// PostgresSQL returns the PostgreSQL migration script.
func PostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Commit Store Migration
-- Generated: %s

-- Commits table stores one row per append, immutable once written.
-- The log position is (position_sec, position_ord); position_ord is the commit sequence.
CREATE TABLE IF NOT EXISTS %s (
    position_ord BIGSERIAL PRIMARY KEY,
    position_sec BIGINT NOT NULL,
    stream_id TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    version BIGINT NOT NULL,
    command_metadata BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Optimistic concurrency: one commit per stream version
    UNIQUE (stream_id, version)
);

-- Index for catch-up reads in position order
CREATE INDEX IF NOT EXISTS idx_%s_position
    ON %s (position_sec, position_ord);

-- Events embedded in each commit, in order
CREATE TABLE IF NOT EXISTS %s (
    commit_ord BIGINT NOT NULL REFERENCES %s (position_ord) ON DELETE CASCADE,
    event_index INT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BYTEA NOT NULL,

    PRIMARY KEY (commit_ord, event_index)
);

-- Index for event type filtered catch-up
CREATE INDEX IF NOT EXISTS idx_%s_type
    ON %s (event_type, commit_ord);

-- Consumer resume watermarks per source
CREATE TABLE IF NOT EXISTS %s (
    consumer_name TEXT NOT NULL,
    source TEXT NOT NULL,
    position_sec BIGINT NOT NULL,
    position_ord BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (consumer_name, source)
);

-- Events each consumer has already applied
CREATE TABLE IF NOT EXISTS %s (
    consumer_name TEXT NOT NULL,
    event_id UUID NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (consumer_name, event_id)
);
`,
		time.Now().Format(time.RFC3339),
		config.CommitsTable,
		config.CommitsTable, config.CommitsTable,
		config.CommitEventsTable, config.CommitsTable,
		config.CommitEventsTable, config.CommitEventsTable,
		config.WatermarksTable,
		config.AppliedEventsTable,
	)
}

// SQLiteSQL returns the SQLite migration script.
func SQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Commit Store Migration for SQLite
-- Generated: %s

-- Commits table stores one row per append, immutable once written.
-- The log position is (position_sec, position_ord); position_ord is the commit sequence.
CREATE TABLE IF NOT EXISTS %s (
    position_ord INTEGER PRIMARY KEY AUTOINCREMENT,
    position_sec INTEGER NOT NULL,
    stream_id TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    version INTEGER NOT NULL,
    command_metadata BLOB,
    created_at TEXT NOT NULL,

    -- Optimistic concurrency: one commit per stream version
    UNIQUE (stream_id, version)
);

-- Index for catch-up reads in position order
CREATE INDEX IF NOT EXISTS idx_%s_position
    ON %s (position_sec, position_ord);

-- Events embedded in each commit, in order
CREATE TABLE IF NOT EXISTS %s (
    commit_ord INTEGER NOT NULL REFERENCES %s (position_ord) ON DELETE CASCADE,
    event_index INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BLOB,

    PRIMARY KEY (commit_ord, event_index)
);

-- Index for event type filtered catch-up
CREATE INDEX IF NOT EXISTS idx_%s_type
    ON %s (event_type, commit_ord);

-- Consumer resume watermarks per source
CREATE TABLE IF NOT EXISTS %s (
    consumer_name TEXT NOT NULL,
    source TEXT NOT NULL,
    position_sec INTEGER NOT NULL,
    position_ord INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),

    PRIMARY KEY (consumer_name, source)
);

-- Events each consumer has already applied
CREATE TABLE IF NOT EXISTS %s (
    consumer_name TEXT NOT NULL,
    event_id TEXT NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (datetime('now')),

    PRIMARY KEY (consumer_name, event_id)
);
`,
		time.Now().Format(time.RFC3339),
		config.CommitsTable,
		config.CommitsTable, config.CommitsTable,
		config.CommitEventsTable, config.CommitsTable,
		config.CommitEventsTable, config.CommitEventsTable,
		config.WatermarksTable,
		config.AppliedEventsTable,
	)
}

// MySQLSQL returns the MySQL/MariaDB migration script.
// Indexes are declared inline so the script stays idempotent.
func MySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Commit Store Migration for MySQL/MariaDB
-- Generated: %s

-- Commits table stores one row per append, immutable once written.
-- The log position is (position_sec, position_ord); position_ord is the commit sequence.
CREATE TABLE IF NOT EXISTS %s (
    position_ord BIGINT AUTO_INCREMENT PRIMARY KEY,
    position_sec BIGINT NOT NULL,
    stream_id VARCHAR(64) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    command_metadata BLOB,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    -- Optimistic concurrency: one commit per stream version
    UNIQUE KEY unique_stream_version (stream_id, version),
    KEY idx_position (position_sec, position_ord)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Single-row append lock. Appenders hold it FOR UPDATE until commit, so
-- position_ord values become visible in increasing order.
CREATE TABLE IF NOT EXISTS %s (
    id TINYINT PRIMARY KEY
) ENGINE=InnoDB;

INSERT IGNORE INTO %s (id) VALUES (1);

-- Events embedded in each commit, in order
CREATE TABLE IF NOT EXISTS %s (
    commit_ord BIGINT NOT NULL,
    event_index INT NOT NULL,
    event_id BINARY(16) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    payload BLOB NOT NULL,

    PRIMARY KEY (commit_ord, event_index),
    UNIQUE KEY unique_event_id (event_id),
    KEY idx_type (event_type, commit_ord),
    FOREIGN KEY (commit_ord) REFERENCES %s (position_ord) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Consumer resume watermarks per source
CREATE TABLE IF NOT EXISTS %s (
    consumer_name VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    position_sec BIGINT NOT NULL,
    position_ord BIGINT NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (consumer_name, source)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Events each consumer has already applied
CREATE TABLE IF NOT EXISTS %s (
    consumer_name VARCHAR(255) NOT NULL,
    event_id BINARY(16) NOT NULL,
    applied_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    PRIMARY KEY (consumer_name, event_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
		time.Now().Format(time.RFC3339),
		config.CommitsTable,
		AppendLockTable(config.CommitsTable), AppendLockTable(config.CommitsTable),
		config.CommitEventsTable, config.CommitsTable,
		config.WatermarksTable,
		config.AppliedEventsTable,
	)
}

// AppendLockTable names the MySQL append lock table that belongs to commitsTable.
func AppendLockTable(commitsTable string) string {
	return commitsTable + "_append_lock"
}
