// Command migrate-gen writes SQL migration files for the commit store, so the
// schema can be applied by an external migration tool instead of InitializeIndexes.
//
// Usage:
//
//	go run github.com/getpup/pupstream/cmd/migrate-gen --adapter postgres --output migrations
//	go run github.com/getpup/pupstream/cmd/migrate-gen --adapter mysql --filename init.sql
//	go run github.com/getpup/pupstream/cmd/migrate-gen --adapter postgres --snapshots
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupstream/cmd/migrate-gen --output migrations
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstream/es/migrations"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	config := migrations.DefaultConfig()
	snapshotsConfig := migrations.DefaultSnapshotsConfig()
	var (
		adapter   string
		filename  string
		snapshots bool
	)

	cmd := &cobra.Command{
		Use:          "migrate-gen",
		Short:        "Generate commit store migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if snapshots {
				if adapter != string(migrations.Postgres) {
					return fmt.Errorf("the snapshot read model is only available for postgres, got %q", adapter)
				}
				snapshotsConfig.OutputFolder = config.OutputFolder
				if filename != "" {
					snapshotsConfig.OutputFilename = filename
				}
				if err := migrations.GenerateSnapshotsPostgres(snapshotsConfig); err != nil {
					return fmt.Errorf("generate snapshots migration: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated snapshots migration: %s/%s\n", snapshotsConfig.OutputFolder, snapshotsConfig.OutputFilename)
				return nil
			}

			if filename != "" {
				config.OutputFilename = filename
			}
			if err := migrations.Generate(migrations.Dialect(adapter), &config); err != nil {
				return fmt.Errorf("generate migration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", adapter, config.OutputFolder, config.OutputFilename)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&adapter, "adapter", string(migrations.Postgres), "database adapter: postgres, mysql, or sqlite")
	flags.StringVar(&config.OutputFolder, "output", config.OutputFolder, "output folder for the migration file")
	flags.StringVar(&filename, "filename", "", "output filename (default: timestamp-based)")
	flags.StringVar(&config.CommitsTable, "commits-table", config.CommitsTable, "name of the commits table")
	flags.StringVar(&config.CommitEventsTable, "commit-events-table", config.CommitEventsTable, "name of the commit events table")
	flags.StringVar(&config.WatermarksTable, "watermarks-table", config.WatermarksTable, "name of the consumer watermarks table")
	flags.StringVar(&config.AppliedEventsTable, "applied-events-table", config.AppliedEventsTable, "name of the consumer applied events table")
	flags.BoolVar(&snapshots, "snapshots", false, "generate the snapshot read model table instead (postgres only)")
	flags.StringVar(&snapshotsConfig.SnapshotsTable, "snapshots-table", snapshotsConfig.SnapshotsTable, "name of the snapshots table")
	return cmd
}
