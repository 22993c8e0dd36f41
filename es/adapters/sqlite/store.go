// Package sqlite provides a SQLite adapter for the commit store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/migrations"
	"github.com/getpup/pupstream/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StoreConfig contains configuration for the SQLite commit store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Source is the source name stamped on events returned by LoadEvents
	Source string

	// CommitsTable is the name of the commits table
	CommitsTable string

	// CommitEventsTable is the name of the commit events table
	CommitEventsTable string

	// WatermarksTable is the name of the consumer watermarks table
	WatermarksTable string

	// AppliedEventsTable is the name of the consumer applied events table
	AppliedEventsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Source:             "default",
		CommitsTable:       "commits",
		CommitEventsTable:  "commit_events",
		WatermarksTable:    "consumer_watermarks",
		AppliedEventsTable: "consumer_applied_events",
		Logger:             nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithSource sets the source name stamped on loaded events.
func WithSource(source string) StoreOption {
	return func(c *StoreConfig) {
		c.Source = source
	}
}

// WithCommitsTable sets a custom commits table name.
func WithCommitsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CommitsTable = tableName
	}
}

// WithCommitEventsTable sets a custom commit events table name.
func WithCommitEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CommitEventsTable = tableName
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := sqlite.NewStoreConfig(
//	    sqlite.WithLogger(myLogger),
//	    sqlite.WithCommitsTable("custom_commits"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed commit store.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// Compile-time interface checks
var (
	_ store.EventStore     = (*Store)(nil)
	_ store.CommitReader   = (*Store)(nil)
	_ store.Admin          = (*Store)(nil)
	_ store.WatermarkStore = (*Store)(nil)
	_ store.GuardStore     = (*Store)(nil)
)

// NewStore creates a new SQLite commit store on db.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{
		db:     db,
		config: config,
	}
}

// Config returns the store configuration.
func (s *Store) Config() StoreConfig {
	return s.config
}

// Append implements store.EventStore. It runs in its own transaction.
func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []es.EventRecord, commandMetadata []byte) (es.Commit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return es.Commit{}, es.Unavailable("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error ignored: expected to fail if commit succeeds
		tx.Rollback()
	}()

	commit, err := s.AppendTx(ctx, tx, aggregateID, aggregateType, expectedVersion, events, commandMetadata)
	if err != nil {
		return es.Commit{}, err
	}

	if err := tx.Commit(); err != nil {
		if IsUniqueViolation(err) {
			return es.Commit{}, es.ErrConcurrencyConflict
		}
		return es.Commit{}, es.Unavailable("commit transaction", err)
	}
	return commit, nil
}

// AppendTx appends a commit within a caller-managed transaction.
// The caller controls transaction boundaries; the commit becomes visible when tx commits.
//
// The version check is a conditional insert: for expectedVersion 0 the insert only
// happens when the stream has no commit, otherwise only when the commit at
// expectedVersion exists. The (stream_id, version) uniqueness constraint covers
// the race between two writers.
func (s *Store) AppendTx(ctx context.Context, tx es.DBTX, aggregateID, aggregateType string, expectedVersion int64, events []es.EventRecord, commandMetadata []byte) (es.Commit, error) {
	records, err := store.PrepareRecords(expectedVersion, events)
	if err != nil {
		return es.Commit{}, err
	}

	streamID := es.StreamIDFor(aggregateType, aggregateID)
	version := expectedVersion + 1
	now := time.Now().UTC()

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"expected_version", expectedVersion,
			"event_count", len(records))
	}

	var guard string
	args := []interface{}{now.Unix(), streamID, aggregateID, aggregateType, version, commandMetadata, now.Format(sqliteDateTimeFormat), streamID}
	if expectedVersion == 0 {
		guard = fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM %s WHERE stream_id = ?)`, s.config.CommitsTable)
	} else {
		guard = fmt.Sprintf(`EXISTS (SELECT 1 FROM %s WHERE stream_id = ? AND version = ?)`, s.config.CommitsTable)
		args = append(args, expectedVersion)
	}

	insertCommit := fmt.Sprintf(`
		INSERT INTO %s (
			position_sec, stream_id, aggregate_id, aggregate_type,
			version, command_metadata, created_at
		)
		SELECT MAX(?, COALESCE((SELECT MAX(position_sec) FROM %s), 0)), ?, ?, ?, ?, ?, ?
		WHERE %s
		RETURNING position_sec, position_ord
	`, s.config.CommitsTable, s.config.CommitsTable, guard)

	var pos es.Position
	err = tx.QueryRowContext(ctx, insertCommit, args...).Scan(&pos.Seconds, &pos.Ordinal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || IsUniqueViolation(err) {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "optimistic concurrency conflict",
					"aggregate_type", aggregateType,
					"aggregate_id", aggregateID,
					"expected_version", expectedVersion)
			}
			return es.Commit{}, es.ErrConcurrencyConflict
		}
		return es.Commit{}, es.Unavailable("insert commit", err)
	}

	insertEvent := fmt.Sprintf(`
		INSERT INTO %s (commit_ord, event_index, event_id, event_type, payload)
		VALUES (?, ?, ?, ?, ?)
	`, s.config.CommitEventsTable)

	for i := range records {
		rec := &records[i]
		_, execErr := tx.ExecContext(ctx, insertEvent, pos.Ordinal, i, rec.ID.String(), rec.Type, rec.Payload)
		if execErr != nil {
			if IsUniqueViolation(execErr) {
				return es.Commit{}, fmt.Errorf("event %d: %w: %s", i, store.ErrDuplicateEventID, rec.ID)
			}
			return es.Commit{}, es.Unavailable(fmt.Sprintf("insert event %d", i), execErr)
		}
	}

	commit := es.Commit{
		StreamID:        streamID,
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		Version:         version,
		Position:        pos,
		CreatedAt:       now,
		CommandMetadata: commandMetadata,
		Events:          records,
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "commit appended",
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"version", version,
			"position", pos,
			"event_count", len(records))
	}

	return commit, nil
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// Primary code only; the message tells which constraint failed.
		default:
			return false
		}
	}

	// NOT NULL, CHECK and FOREIGN KEY failures are storage errors, not conflicts.
	// SQLite reports PRIMARY KEY violations as UNIQUE too.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// LoadEvents implements store.EventStore.
func (s *Store) LoadEvents(ctx context.Context, aggregateID, aggregateType string, fn func(es.Event) error) (int64, error) {
	streamID := es.StreamIDFor(aggregateType, aggregateID)

	commits, err := s.queryCommits(ctx, s.db, "stream_id = ?", []interface{}{streamID}, 0)
	if err != nil {
		return 0, es.Unavailable("load stream", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "stream loaded",
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"commits", len(commits))
	}

	var version int64
	for i := range commits {
		for _, event := range es.Decode(commits[i], s.config.Source) {
			if err := fn(event); err != nil {
				return version, err
			}
		}
		version = commits[i].Version
	}
	return version, nil
}

// ReadCommits implements store.CommitReader.
func (s *Store) ReadCommits(ctx context.Context, q store.Query, limit int) ([]es.Commit, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading commits",
			"after", q.After,
			"up_to", q.UpTo,
			"event_types", q.EventTypes,
			"limit", limit)
	}

	where := "(position_sec, position_ord) > (?, ?)"
	args := []interface{}{q.After.Seconds, q.After.Ordinal}

	if !q.UpTo.IsZero() {
		where += " AND (position_sec, position_ord) <= (?, ?)"
		args = append(args, q.UpTo.Seconds, q.UpTo.Ordinal)
	}

	if len(q.EventTypes) > 0 {
		placeholders := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where += fmt.Sprintf(" AND position_ord IN (SELECT commit_ord FROM %s WHERE event_type IN (%s))",
			s.config.CommitEventsTable, strings.Join(placeholders, ", "))
	}

	commits, err := s.queryCommits(ctx, s.db, where, args, limit)
	if err != nil {
		return nil, es.Unavailable("query commits", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "commits read", "count", len(commits))
	}
	return commits, nil
}

// queryCommits selects the commits matching where, in position order, with their events.
// A limit of zero means no limit.
func (s *Store) queryCommits(ctx context.Context, tx es.DBTX, where string, args []interface{}, limit int) ([]es.Commit, error) {
	limitClause := ""
	if limit > 0 {
		limitClause = "LIMIT ?"
		args = append(args, limit)
	}

	query := fmt.Sprintf(`
		SELECT
			c.position_sec, c.position_ord, c.stream_id, c.aggregate_id, c.aggregate_type,
			c.version, c.command_metadata, c.created_at,
			e.event_id, e.event_type, e.payload
		FROM (
			SELECT * FROM %s
			WHERE %s
			ORDER BY position_sec ASC, position_ord ASC
			%s
		) c
		JOIN %s e ON e.commit_ord = c.position_ord
		ORDER BY c.position_sec ASC, c.position_ord ASC, e.event_index ASC
	`, s.config.CommitsTable, where, limitClause, s.config.CommitEventsTable)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	var commits []es.Commit
	for rows.Next() {
		var (
			c         es.Commit
			createdAt string
			eventID   string
			rec       es.EventRecord
		)
		err := rows.Scan(
			&c.Position.Seconds,
			&c.Position.Ordinal,
			&c.StreamID,
			&c.AggregateID,
			&c.AggregateType,
			&c.Version,
			&c.CommandMetadata,
			&createdAt,
			&eventID,
			&rec.Type,
			&rec.Payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}

		rec.ID, err = uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event ID: %w", err)
		}

		// Rows of one commit are adjacent; start a new commit when the position changes
		if n := len(commits); n > 0 && commits[n-1].Position == c.Position {
			commits[n-1].Events = append(commits[n-1].Events, rec)
			continue
		}

		c.CreatedAt, err = parseTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		c.Events = []es.EventRecord{rec}
		commits = append(commits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return commits, nil
}

// HeadPosition implements store.CommitReader.
func (s *Store) HeadPosition(ctx context.Context) (es.Position, error) {
	query := fmt.Sprintf(`
		SELECT position_sec, position_ord
		FROM %s
		ORDER BY position_sec DESC, position_ord DESC
		LIMIT 1
	`, s.config.CommitsTable)

	var pos es.Position
	err := s.db.QueryRowContext(ctx, query).Scan(&pos.Seconds, &pos.Ordinal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Position{}, nil
		}
		return es.Position{}, es.Unavailable("read head position", err)
	}
	return pos, nil
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

func (s *Store) migrationConfig() migrations.Config {
	return migrations.Config{
		CommitsTable:       s.config.CommitsTable,
		CommitEventsTable:  s.config.CommitEventsTable,
		WatermarksTable:    s.config.WatermarksTable,
		AppliedEventsTable: s.config.AppliedEventsTable,
	}
}

// InitializeIndexes implements store.Admin. It creates the tables and indexes if missing.
func (s *Store) InitializeIndexes(ctx context.Context) error {
	config := s.migrationConfig()
	for _, stmt := range migrations.Statements(migrations.SQLiteSQL(&config)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return es.Unavailable("initialize schema", err)
		}
	}
	return nil
}

// Reset implements store.Admin. It deletes every commit and consumer record.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{
		s.config.CommitEventsTable,
		s.config.CommitsTable,
		s.config.WatermarksTable,
		s.config.AppliedEventsTable,
	} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return es.Unavailable("reset "+table, err)
		}
	}
	return nil
}

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(ctx context.Context, consumer, source string) (es.Position, bool, error) {
	query := fmt.Sprintf(`
		SELECT position_sec, position_ord
		FROM %s
		WHERE consumer_name = ? AND source = ?
	`, s.config.WatermarksTable)

	var pos es.Position
	err := s.db.QueryRowContext(ctx, query, consumer, source).Scan(&pos.Seconds, &pos.Ordinal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Position{}, false, nil
		}
		return es.Position{}, false, es.Unavailable("get watermark", err)
	}
	return pos, true, nil
}

// SaveWatermark implements store.WatermarkStore.
func (s *Store) SaveWatermark(ctx context.Context, consumer, source string, pos es.Position) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (consumer_name, source, position_sec, position_ord, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (consumer_name, source)
		DO UPDATE SET
			position_sec = excluded.position_sec,
			position_ord = excluded.position_ord,
			updated_at = excluded.updated_at
	`, s.config.WatermarksTable)

	if _, err := s.db.ExecContext(ctx, query, consumer, source, pos.Seconds, pos.Ordinal); err != nil {
		return es.Unavailable("save watermark", err)
	}
	return nil
}

// IsApplied implements store.GuardStore.
func (s *Store) IsApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`
		SELECT 1 FROM %s WHERE consumer_name = ? AND event_id = ?
	`, s.config.AppliedEventsTable)

	var one int
	err := s.db.QueryRowContext(ctx, query, consumer, eventID.String()).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, es.Unavailable("check applied event", err)
	}
	return true, nil
}

// MarkApplied implements store.GuardStore.
func (s *Store) MarkApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (consumer_name, event_id, applied_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (consumer_name, event_id) DO NOTHING
	`, s.config.AppliedEventsTable)

	result, err := s.db.ExecContext(ctx, query, consumer, eventID.String())
	if err != nil {
		return false, es.Unavailable("mark applied event", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, es.Unavailable("mark applied event", err)
	}
	return n == 1, nil
}
