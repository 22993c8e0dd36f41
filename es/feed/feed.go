// Package feed defines the live change-feed contract used by the distribution
// engine once catch-up is exhausted, plus a polling feed that works over any
// store.CommitReader.
package feed

import (
	"context"
	"errors"

	"github.com/getpup/pupstream/es"
)

// ErrEnded indicates the feed closed and will deliver no more commits.
var ErrEnded = errors.New("change feed ended")

// ChangeFeed opens live subscriptions to newly appended commits.
type ChangeFeed interface {
	// Subscribe returns a subscription delivering commits with a position
	// greater than after, in position order. eventTypes is a hint; feeds may
	// deliver commits of other types and consumers filter client-side.
	Subscribe(ctx context.Context, after es.Position, eventTypes []string) (Subscription, error)
}

// Subscription is an open change feed.
type Subscription interface {
	// Next blocks until the next commit is available.
	// Feed failures are returned wrapped in es.ErrFeedFatal and the subscription
	// must not be used again. A canceled ctx returns ctx.Err().
	Next(ctx context.Context) (es.Commit, error)

	// Close releases the subscription. Close is idempotent.
	Close() error
}
