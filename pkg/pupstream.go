// Package pupstream is the entry point of the pupstream library.
//
// The functionality lives in the es package and its subpackages:
//
//	es                   - positions, commits, events, errors, logging
//	es/store             - append store, catch-up query and persistence contracts
//	es/projection        - consumers, read models, idempotency guards
//	es/dispatch          - the distribution engine
//	es/projection/runner - several engines at once
//	es/feed              - live change feeds (polling, kafka)
//	es/adapters/...      - sqlite, postgres, mysql and pebble stores
//	es/migrations        - schema generation
//
// Quick start:
//
//  1. Create the schema:
//     go run github.com/getpup/pupstream/cmd/pupstream migrate
//
//  2. Append a commit:
//     commit, err := s.Append(ctx, "order-1", "Order", 0, records, nil)
//
//  3. Distribute commits to read models:
//     rm := projection.NewReadModel("orders").On("OrderPlaced", handle)
//     err := dispatch.New("main", s, feed.NewPoller(s, feed.DefaultPollerConfig()), dispatch.DefaultConfig()).
//     Subscribe(rm).Run(ctx)
//
// See the examples directory for complete working examples.
package pupstream

// Version returns the current version of the library.
func Version() string {
	return "0.2.0-dev"
}
