package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/dispatch"
	"github.com/getpup/pupstream/es/feed/kafka"
	"github.com/getpup/pupstream/es/projection"
)

func (c *cli) migrateCommand() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the store schema (idempotent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				script, err := schemaSQL(c.cfg.Store.Driver)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), script)
				return nil
			}

			b, err := openBackend(c.cfg, c.logger)
			if err != nil {
				return err
			}
			//nolint:errcheck // cleanup on exit
			defer b.Close()

			if err := b.store.InitializeIndexes(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", c.cfg.Store.Driver)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the SQL schema instead of applying it")
	return cmd
}

func (c *cli) appendCommand() *cobra.Command {
	var (
		expectedVersion int64
		metadata        string
	)
	cmd := &cobra.Command{
		Use:   "append <aggregate-type> <aggregate-id> <event-type> [payload]",
		Short: "Append a single-event commit to a stream",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if len(args) == 4 {
				payload = []byte(args[3])
			}
			var cmdMeta []byte
			if metadata != "" {
				cmdMeta = []byte(metadata)
			}

			b, err := openBackend(c.cfg, c.logger)
			if err != nil {
				return err
			}
			//nolint:errcheck // cleanup on exit
			defer b.Close()

			commit, err := b.store.Append(cmd.Context(), args[1], args[0], expectedVersion,
				[]es.EventRecord{{ID: uuid.New(), Type: args[2], Payload: payload}}, cmdMeta)
			if err != nil {
				if errors.Is(err, es.ErrConcurrencyConflict) {
					return fmt.Errorf("stream %s/%s is not at version %d: %w", args[0], args[1], expectedVersion, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version=%d position=%s\n", commit.StreamID, commit.Version, commit.Position)
			return nil
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "current stream version (0 for a new stream)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "command metadata stored with the commit")
	return cmd
}

func (c *cli) loadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <aggregate-type> <aggregate-id>",
		Short: "Print the events of a stream as JSON lines",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(c.cfg, c.logger)
			if err != nil {
				return err
			}
			//nolint:errcheck // read-only cleanup
			defer b.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			version, err := b.store.LoadEvents(cmd.Context(), args[1], args[0], func(e es.Event) error {
				return enc.Encode(newEventLine(e))
			})
			if err != nil {
				return err
			}
			if version == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "stream %s/%s is empty\n", args[0], args[1])
			}
			return nil
		},
	}
}

func (c *cli) tailCommand() *cobra.Command {
	var (
		name    string
		types   []string
		after   string
		once    bool
		persist bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Catch up on the store and follow new commits as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(c.cfg, c.logger)
			if err != nil {
				return err
			}
			//nolint:errcheck // cleanup on exit
			defer b.Close()

			opts := []projection.Option{projection.WithLogger(c.logger)}
			if persist {
				opts = append(opts,
					projection.WithGuard(projection.NewStoreGuard(b.store, name)),
					projection.WithWatermarks(projection.NewStoreWatermarks(b.store, name)))
			}
			rm := projection.NewReadModel(name, opts...)

			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(_ context.Context, e es.Event) error {
				return enc.Encode(newEventLine(e))
			}
			if len(types) == 0 {
				rm.OnAny(emit)
			}
			for _, t := range types {
				rm.On(t, emit)
			}
			if once {
				rm.StopAfterInitialProcessing()
			}

			config := dispatch.DefaultConfig()
			config.Logger = c.logger
			config.BatchSize = c.cfg.Feed.BatchSize
			engine := dispatch.New(c.cfg.Store.Source, b.store, b.feed, config).Subscribe(rm)
			if after != "" {
				pos, err := es.ParsePosition(after)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
				engine.After(pos)
			}

			err = engine.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "pupstream-tail", "consumer name, used for persisted progress")
	cmd.Flags().StringSliceVar(&types, "types", nil, "event types to print (default all)")
	cmd.Flags().StringVar(&after, "after", "", "start after this position (sec.ord)")
	cmd.Flags().BoolVar(&once, "once", false, "stop after catching up")
	cmd.Flags().BoolVar(&persist, "persist", false, "store progress and dedup history in the store")
	return cmd
}

func (c *cli) relayCommand() *cobra.Command {
	var (
		name  string
		after string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay commits to the configured kafka topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(c.cfg.Kafka.Brokers) == 0 {
				return errors.New("kafka.brokers is required")
			}
			var start es.Position
			if after != "" {
				pos, err := es.ParsePosition(after)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
				start = pos
			}

			b, err := openBackend(c.cfg, c.logger)
			if err != nil {
				return err
			}
			//nolint:errcheck // cleanup on exit
			defer b.Close()

			relay, err := kafka.NewRelay(kafkaConfig(c.cfg, c.logger), b.sourceFeed(c.cfg, c.logger))
			if err != nil {
				return err
			}
			defer relay.Close()

			err = relay.WithWatermarks(b.store, name).Run(cmd.Context(), start)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "kafka-relay", "relay name, used for persisted progress")
	cmd.Flags().StringVar(&after, "after", "", "relay commits after this position (sec.ord)")
	return cmd
}

type eventLine struct {
	Payload       json.RawMessage `json:"payload,omitempty"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Position      string          `json:"position"`
	StreamID      string          `json:"stream_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	PayloadText   string          `json:"payload_text,omitempty"`
	Version       int64           `json:"version"`
}

//nolint:gocritic // hugeParam: events are passed by value
func newEventLine(e es.Event) eventLine {
	line := eventLine{
		ID:            e.ID.String(),
		Type:          e.Type,
		Source:        e.Source,
		Position:      e.Meta.Position.String(),
		StreamID:      e.Aggregate.StreamID,
		AggregateType: e.Aggregate.Type,
		AggregateID:   e.Aggregate.ID,
		Version:       e.Aggregate.Version,
	}
	if json.Valid(e.Payload) {
		line.Payload = e.Payload
	} else {
		line.PayloadText = strings.ToValidUTF8(string(e.Payload), "?")
	}
	return line
}
