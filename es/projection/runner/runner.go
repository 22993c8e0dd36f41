// Package runner runs several distribution engines together. Running one engine
// per source with the same consumers subscribed merges multiple logical event
// stores into one set of read models, each with independent watermarks per source.
// The package is explicit and deterministic: no scheduling, no retries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupstream/es/dispatch"
)

var (
	// ErrNoEngines indicates that no engines were provided to run.
	ErrNoEngines = errors.New("no engines provided")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// Engine is the part of dispatch.Engine the runner needs.
type Engine interface {
	Source() string
	Run(ctx context.Context, opts ...dispatch.RunOption) error
}

// Runner orchestrates multiple engines concurrently.
//
// Example with two sources feeding the same read model:
//
//	rm := projection.NewReadModel("dashboard").OnAny(update)
//	orders := dispatch.New("orders", ordersStore, feed.NewPoller(ordersStore, feed.DefaultPollerConfig()), dispatch.DefaultConfig())
//	billing := dispatch.New("billing", billingStore, feed.NewPoller(billingStore, feed.DefaultPollerConfig()), dispatch.DefaultConfig())
//	orders.Subscribe(rm)
//	billing.Subscribe(rm)
//
//	err := runner.New().Run(ctx, []runner.Engine{orders, billing})
type Runner struct{}

// New creates a new engine runner.
func New() *Runner {
	return &Runner{}
}

// Run runs every engine in its own goroutine and returns when all of them
// stopped. opts are passed to each engine's Run.
//
// If an engine returns an error, all other engines are canceled and the error
// is returned. Run returns nil when every engine finished catch-up without
// tailing, and ctx.Err() when ctx is canceled.
func (r *Runner) Run(ctx context.Context, engines []Engine, opts ...dispatch.RunOption) error {
	if len(engines) == 0 {
		return ErrNoEngines
	}

	for i, engine := range engines {
		if engine == nil {
			return fmt.Errorf("engine at index %d is nil", i)
		}
	}

	// Create a context that we can cancel if any engine fails
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(engines))

	for _, engine := range engines {
		wg.Add(1)
		go func(e Engine) {
			defer wg.Done()

			err := e.Run(runCtx, opts...)

			// Cancellation caused by another engine's failure is not reported
			if err != nil && !(errors.Is(err, context.Canceled) && runCtx.Err() != nil) {
				errChan <- fmt.Errorf("engine for source %q failed: %w", e.Source(), err)
			}
		}(engine)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	// First error wins; a closed channel means every engine stopped cleanly
	err, failed := <-errChan
	if failed {
		cancel()
		//nolint:revive // drain so the remaining goroutines finish before returning
		for range errChan {
		}
		return err
	}
	return ctx.Err()
}

// RunPartitioned builds totalPartitions engines with build and runs them
// together. Each engine is expected to feed read models configured with
// projection.WithPartition for its partition key, so every aggregate is handled
// by exactly one of them.
func RunPartitioned(ctx context.Context, totalPartitions int, build func(partitionKey, totalPartitions int) (Engine, error), opts ...dispatch.RunOption) error {
	if totalPartitions <= 0 {
		return fmt.Errorf("%w: totalPartitions must be positive, got %d", ErrInvalidPartitionConfig, totalPartitions)
	}

	engines := make([]Engine, totalPartitions)
	for i := 0; i < totalPartitions; i++ {
		engine, err := build(i, totalPartitions)
		if err != nil {
			return fmt.Errorf("failed to build engine for partition %d: %w", i, err)
		}
		engines[i] = engine
	}

	return New().Run(ctx, engines, opts...)
}
