package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/getpup/pupstream/es"
)

// Callback handles one event for a read model.
//
//nolint:gocritic // hugeParam: events are values
type Callback func(ctx context.Context, event es.Event) error

// ListenerKind tags which callbacks a Listener carries.
type ListenerKind int

const (
	// ListenerNone means no callbacks are registered.
	ListenerNone ListenerKind = iota
	// ListenerPerType means only per-type callbacks are registered.
	ListenerPerType
	// ListenerWildcard means only wildcard callbacks are registered.
	ListenerWildcard
	// ListenerBoth means per-type and wildcard callbacks are registered.
	ListenerBoth
)

// Listener holds the callbacks of a read model: callbacks per event type and
// wildcard callbacks that see every event.
type Listener struct {
	PerType  map[string][]Callback
	Wildcard []Callback
}

// Kind reports which variant the listener is.
func (l *Listener) Kind() ListenerKind {
	switch {
	case len(l.PerType) > 0 && len(l.Wildcard) > 0:
		return ListenerBoth
	case len(l.PerType) > 0:
		return ListenerPerType
	case len(l.Wildcard) > 0:
		return ListenerWildcard
	default:
		return ListenerNone
	}
}

// EventTypes returns the types the listener filters on, sorted.
// A listener with wildcard callbacks needs every type and returns nil.
func (l *Listener) EventTypes() []string {
	if len(l.Wildcard) > 0 || len(l.PerType) == 0 {
		return nil
	}
	types := make([]string, 0, len(l.PerType))
	for t := range l.PerType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// callbacksFor returns per-type callbacks for eventType followed by wildcard callbacks.
func (l *Listener) callbacksFor(eventType string) []Callback {
	perType := l.PerType[eventType]
	callbacks := make([]Callback, 0, len(perType)+len(l.Wildcard))
	callbacks = append(callbacks, perType...)
	return append(callbacks, l.Wildcard...)
}

// ReadModel is the standard Consumer: a named set of callbacks with an
// injected idempotency guard and watermark map.
//
// Example:
//
//	rm := projection.NewReadModel("order_totals",
//	    projection.WithGuard(projection.NewStoreGuard(store, "order_totals")),
//	    projection.WithWatermarks(projection.NewStoreWatermarks(store, "order_totals")),
//	).
//	    On("OrderPlaced", onPlaced).
//	    OnAny(audit).
//	    StopAfterInitialProcessing()
type ReadModel struct {
	guard      Guard
	watermarks Watermarks
	logger     es.Logger
	partition  PartitionStrategy
	overrides  map[string]es.Position
	tailing    map[string]bool
	listener   Listener
	name       string

	partitionKey    int
	totalPartitions int

	mu              sync.RWMutex
	runContinuously bool
}

// Option configures a ReadModel.
type Option func(*ReadModel)

// WithGuard injects the idempotency guard. Defaults to a MemoryGuard.
func WithGuard(g Guard) Option {
	return func(rm *ReadModel) {
		rm.guard = g
	}
}

// WithWatermarks injects the watermark map. Defaults to MemoryWatermarks.
func WithWatermarks(w Watermarks) Option {
	return func(rm *ReadModel) {
		rm.watermarks = w
	}
}

// WithLogger sets a logger for the read model.
func WithLogger(logger es.Logger) Option {
	return func(rm *ReadModel) {
		rm.logger = logger
	}
}

// WithPartition makes this instance handle only aggregates assigned to
// partitionKey out of totalPartitions. A nil strategy uses HashPartitionStrategy.
func WithPartition(partitionKey, totalPartitions int, strategy PartitionStrategy) Option {
	return func(rm *ReadModel) {
		if strategy == nil {
			strategy = HashPartitionStrategy{}
		}
		rm.partition = strategy
		rm.partitionKey = partitionKey
		rm.totalPartitions = totalPartitions
	}
}

// NewReadModel creates a read model that keeps tailing after catch-up.
func NewReadModel(name string, opts ...Option) *ReadModel {
	rm := &ReadModel{
		name:            name,
		guard:           NewMemoryGuard(),
		watermarks:      NewMemoryWatermarks(),
		overrides:       make(map[string]es.Position),
		tailing:         make(map[string]bool),
		listener:        Listener{PerType: make(map[string][]Callback)},
		runContinuously: true,
		totalPartitions: 1,
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// On registers fn for events of eventType.
func (rm *ReadModel) On(eventType string, fn Callback) *ReadModel {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.listener.PerType[eventType] = append(rm.listener.PerType[eventType], fn)
	return rm
}

// OnAny registers fn for every event.
func (rm *ReadModel) OnAny(fn Callback) *ReadModel {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.listener.Wildcard = append(rm.listener.Wildcard, fn)
	return rm
}

// StopAfterInitialProcessing makes the read model stop after catch-up.
func (rm *ReadModel) StopAfterInitialProcessing() *ReadModel {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.runContinuously = false
	return rm
}

// ContinueAfterInitialProcessing makes the read model tail after catch-up.
func (rm *ReadModel) ContinueAfterInitialProcessing() *ReadModel {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.runContinuously = true
	return rm
}

// After overrides the resume watermark for source, for example to rebuild
// from an earlier position. The override holds until the watermark advances.
func (rm *ReadModel) After(pos es.Position, source string) *ReadModel {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.overrides[source] = pos
	return rm
}

// Name implements Consumer.
func (rm *ReadModel) Name() string {
	return rm.name
}

// Listener returns a copy of the registered callbacks.
func (rm *ReadModel) Listener() Listener {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	perType := make(map[string][]Callback, len(rm.listener.PerType))
	for t, cbs := range rm.listener.PerType {
		perType[t] = append([]Callback(nil), cbs...)
	}
	return Listener{PerType: perType, Wildcard: append([]Callback(nil), rm.listener.Wildcard...)}
}

// InterestedEventTypes implements Consumer.
func (rm *ReadModel) InterestedEventTypes() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.listener.EventTypes()
}

// RunsContinuously implements Consumer.
func (rm *ReadModel) RunsContinuously() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.runContinuously
}

// Guard implements Consumer.
func (rm *ReadModel) Guard() Guard {
	return rm.guard
}

// ResumeWatermark implements Consumer.
func (rm *ReadModel) ResumeWatermark(ctx context.Context, source string) (es.Position, bool, error) {
	rm.mu.RLock()
	override, ok := rm.overrides[source]
	rm.mu.RUnlock()
	if ok {
		return override, true, nil
	}
	pos, ok, err := rm.watermarks.Watermark(ctx, source)
	if err != nil {
		return es.Position{}, false, fmt.Errorf("failed to get watermark for %q: %w", source, err)
	}
	return pos, ok, nil
}

// AdvanceWatermark implements WatermarkAdvancer. The stored watermark only moves forward.
func (rm *ReadModel) AdvanceWatermark(ctx context.Context, source string, pos es.Position) error {
	current, ok, err := rm.watermarks.Watermark(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to get watermark for %q: %w", source, err)
	}
	if ok && es.Compare(pos, current) <= 0 {
		return nil
	}
	if err := rm.watermarks.SetWatermark(ctx, source, pos); err != nil {
		return fmt.Errorf("failed to save watermark for %q: %w", source, err)
	}

	rm.mu.Lock()
	delete(rm.overrides, source)
	rm.mu.Unlock()
	return nil
}

// Apply implements Consumer. Per-type callbacks run first, then wildcard
// callbacks, in registration order. The first error stops the remaining callbacks.
//
//nolint:gocritic // hugeParam: events are values
func (rm *ReadModel) Apply(ctx context.Context, event es.Event) error {
	if rm.partition != nil && !rm.partition.ShouldProcess(event.Aggregate.ID, rm.partitionKey, rm.totalPartitions) {
		return nil
	}

	rm.mu.RLock()
	callbacks := rm.listener.callbacksFor(event.Type)
	rm.mu.RUnlock()

	for _, fn := range callbacks {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}

	if rm.logger != nil && len(callbacks) > 0 {
		rm.logger.Debug(ctx, "event applied",
			"read_model", rm.name,
			"event_type", event.Type,
			"event_id", event.ID,
			"source", event.Source,
			"position", event.Meta.Position)
	}
	return nil
}

// NotifyTailingStarted implements Consumer.
func (rm *ReadModel) NotifyTailingStarted(source string) {
	rm.mu.Lock()
	rm.tailing[source] = true
	rm.mu.Unlock()

	if rm.logger != nil {
		rm.logger.Info(context.Background(), "tailing started",
			"read_model", rm.name,
			"source", source)
	}
}

// HasTailingStarted reports whether catch-up finished for source.
func (rm *ReadModel) HasTailingStarted(source string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.tailing[source]
}
