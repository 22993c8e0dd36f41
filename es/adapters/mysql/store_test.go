package mysql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "duplicate entry", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "other mysql error", err: &mysql.MySQLError{Number: 1452}, want: false},
		{name: "wrapped", err: fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), want: true},
		{name: "message only", err: errors.New("Error 1062: Duplicate entry 'x' for key 'unique_event_id'"), want: true},
		{name: "unrelated", err: errors.New("bad connection"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewStoreConfig(t *testing.T) {
	config := NewStoreConfig(WithSource("billing"), WithCommitsTable("c"), WithCommitEventsTable("ce"))

	if config.Source != "billing" {
		t.Errorf("Expected source billing, got %q", config.Source)
	}
	if config.CommitsTable != "c" || config.CommitEventsTable != "ce" {
		t.Errorf("Custom table names not applied: %+v", config)
	}
	if config.WatermarksTable != "consumer_watermarks" || config.AppliedEventsTable != "consumer_applied_events" {
		t.Errorf("Expected default consumer tables, got %+v", config)
	}
}
