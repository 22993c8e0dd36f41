// Package projection defines the consumer (read model) contract and the
// building blocks consumers use: idempotency guards, resume watermarks and
// partitioning.
package projection

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
)

// Consumer is a read model fed by a distribution engine.
//
// A consumer may be subscribed to several engines at once, one per source, so
// implementations must be safe for concurrent use across sources.
type Consumer interface {
	// Name returns the unique name of this consumer.
	// It keys persisted watermarks and guard records.
	Name() string

	// InterestedEventTypes returns the event types this consumer handles.
	// An empty result means every type.
	InterestedEventTypes() []string

	// ResumeWatermark returns the position after which the consumer wants to be
	// fed for source, or ok=false to start from the beginning.
	ResumeWatermark(ctx context.Context, source string) (pos es.Position, ok bool, err error)

	// RunsContinuously reports whether the consumer wants live tailing after catch-up.
	RunsContinuously() bool

	// Guard returns the idempotency guard owned by this consumer.
	Guard() Guard

	// Apply handles a single event. The engine invokes it at most once per
	// event id per consumer instance. Ordering holds within one source only.
	//
	//nolint:gocritic // hugeParam: events are passed by value to enforce immutability
	Apply(ctx context.Context, event es.Event) error

	// NotifyTailingStarted tells the consumer it has caught up on source.
	// Live events from source may follow, interleaved with catch-up of other sources.
	NotifyTailingStarted(source string)
}

// WatermarkAdvancer is implemented by consumers that track their own progress.
// The engine calls AdvanceWatermark after every event of a commit was handled
// by the consumer without error.
type WatermarkAdvancer interface {
	AdvanceWatermark(ctx context.Context, source string, pos es.Position) error
}

// Guard is a per-consumer set of already-applied event ids.
type Guard interface {
	// Seen reports whether id was already marked.
	Seen(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkSeen marks id and reports whether this call marked it first.
	// Check and mark happen atomically, so concurrent deliveries of the same
	// event cannot both observe true.
	MarkSeen(ctx context.Context, id uuid.UUID) (bool, error)
}

// Watermarks is a per-consumer map from source name to resume position.
type Watermarks interface {
	// Watermark returns the position stored for source, or ok=false.
	Watermark(ctx context.Context, source string) (pos es.Position, ok bool, err error)

	// SetWatermark stores pos for source.
	SetWatermark(ctx context.Context, source string, pos es.Position) error
}

// PartitionStrategy defines how events are partitioned across consumer instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this consumer instance should process the given event.
	// aggregateID is the aggregate ID of the event.
	// partitionKey identifies this instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of instances.
	ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Events are distributed across partitions based on a hash of the aggregate ID.
// This ensures:
// - All events for the same aggregate go to the same partition
// - Even distribution across partitions
// - Deterministic assignment (same aggregate always goes to same partition)
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}
