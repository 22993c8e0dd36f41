// Package es provides core event sourcing infrastructure.
//
// # Overview
//
// This package defines the fundamental types shared by stores, feeds and
// consumers:
//   - Commit: one durable write of one or more events to a single aggregate stream
//   - Event: the decoded unit delivered to consumers
//   - Position: the totally ordered log position assigned at commit time
//   - Decode: the pure commit-to-events transform
//   - StreamIDFor: deterministic stream addressing
//
// # Design Philosophy
//
// Commits, not events, are the unit of storage. An aggregate's history is a
// stream of commits, each holding an ordered batch of events written in a
// single append. Consumers never see commits: the distribution engine decodes
// each commit into events stamped with the aggregate metadata, the commit
// position and the name of the source log.
//
// Positions are compared, never subtracted. A Position pairs coarse seconds
// with an ordinal, so sorting, filtering and resume watermarks work the same
// for every store.
//
// # Quick Start
//
// 1. Create the schema:
//
//	go run github.com/getpup/pupstream/cmd/pupstream migrate -adapter sqlite -output migrations
//
// 2. Append a commit:
//
//	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())
//
//	commit, err := store.Append(ctx, orderID, "Order", 0, []es.EventRecord{
//	    {ID: uuid.New(), Type: "OrderPlaced", Payload: payload},
//	}, []byte(`{"command":"PlaceOrder"}`))
//	if errors.Is(err, es.ErrConcurrencyConflict) {
//	    // reload and retry
//	}
//
// 3. Rebuild an aggregate:
//
//	version, err := store.LoadEvents(ctx, orderID, "Order", func(e es.Event) error {
//	    return order.Apply(e)
//	})
//
// 4. Feed read models:
//
//	rm := projection.NewReadModel("orders").
//	    On("OrderPlaced", onOrderPlaced)
//
//	engine := dispatch.New("orders-db", store, feed.NewPoller(store, feed.DefaultPollerConfig()), dispatch.DefaultConfig())
//	engine.Subscribe(rm)
//	err := engine.Run(ctx)
//
// # Optimistic Concurrency
//
// Append takes the version the caller last saw. The commit is written with
// version expectedVersion+1; a uniqueness constraint on (stream, version)
// rejects concurrent writers with ErrConcurrencyConflict. The store never
// pre-reads the current version.
//
// # Error Taxonomy
//
//   - ErrConcurrencyConflict: expected version mismatch, recoverable by the caller
//   - ErrStoreUnavailable: storage could not complete the operation
//   - ErrFeedFatal: the live feed failed or ended
//   - ConsumerApplyError: one consumer failed to apply one event
//
// Nothing is retried internally.
package es
