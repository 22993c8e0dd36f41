// Command pupstream manages a commit store and tails it from the shell.
//
// Usage:
//
//	pupstream --config pupstream.yaml migrate
//	pupstream append Order order-1 OrderPlaced '{"total":42}' --expected-version 0
//	pupstream load Order order-1
//	pupstream tail --types OrderPlaced,OrderShipped
//	pupstream relay --name kafka-relay
//
// Every setting can also come from PUPSTREAM_* variables, e.g. PUPSTREAM_STORE_DSN.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/internal/config"
	"github.com/getpup/pupstream/pkg"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by all subcommands.
type cli struct {
	out        io.Writer
	errOut     io.Writer
	logger     es.Logger
	configPath string
	cfg        config.Config
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "pupstream",
		Short:         "Commit store and distribution engine CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			c.logger = newLogger(errOut, cfg.Log)
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (yaml, toml or json)")

	root.AddCommand(
		c.migrateCommand(),
		c.appendCommand(),
		c.loadCommand(),
		c.tailCommand(),
		c.relayCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), pupstream.Version())
			},
		},
	)
	return root
}

func newLogger(w io.Writer, cfg config.LogConfig) es.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return es.NewSlogLogger(slog.New(handler))
}
