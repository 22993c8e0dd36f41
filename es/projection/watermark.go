package projection

import (
	"context"
	"sync"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// MemoryWatermarks keeps watermarks in memory.
type MemoryWatermarks struct {
	mu        sync.Mutex
	positions map[string]es.Position
}

// NewMemoryWatermarks creates an empty in-memory watermark map.
func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{positions: make(map[string]es.Position)}
}

// Watermark implements Watermarks.
func (w *MemoryWatermarks) Watermark(_ context.Context, source string) (es.Position, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos, ok := w.positions[source]
	return pos, ok, nil
}

// SetWatermark implements Watermarks.
func (w *MemoryWatermarks) SetWatermark(_ context.Context, source string, pos es.Position) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[source] = pos
	return nil
}

// StoreWatermarks persists watermarks through a store.WatermarkStore.
type StoreWatermarks struct {
	store    store.WatermarkStore
	consumer string
}

// NewStoreWatermarks creates a watermark map for consumer backed by s.
func NewStoreWatermarks(s store.WatermarkStore, consumer string) *StoreWatermarks {
	return &StoreWatermarks{store: s, consumer: consumer}
}

// Watermark implements Watermarks.
func (w *StoreWatermarks) Watermark(ctx context.Context, source string) (es.Position, bool, error) {
	return w.store.GetWatermark(ctx, w.consumer, source)
}

// SetWatermark implements Watermarks.
func (w *StoreWatermarks) SetWatermark(ctx context.Context, source string, pos es.Position) error {
	return w.store.SaveWatermark(ctx, w.consumer, source, pos)
}
