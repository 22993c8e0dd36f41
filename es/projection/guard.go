package projection

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es/store"
)

// MemoryGuard is an in-memory Guard. Its history lives as long as the
// consumer instance; use StoreGuard to survive restarts.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[uuid.UUID]struct{})}
}

// Seen implements Guard.
func (g *MemoryGuard) Seen(_ context.Context, id uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[id]
	return ok, nil
}

// MarkSeen implements Guard.
func (g *MemoryGuard) MarkSeen(_ context.Context, id uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[id]; ok {
		return false, nil
	}
	g.seen[id] = struct{}{}
	return true, nil
}

// Len returns the number of marked ids.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// StoreGuard is a Guard persisted through a store.GuardStore, keyed by consumer name.
type StoreGuard struct {
	store    store.GuardStore
	consumer string
}

// NewStoreGuard creates a guard for consumer backed by s.
func NewStoreGuard(s store.GuardStore, consumer string) *StoreGuard {
	return &StoreGuard{store: s, consumer: consumer}
}

// Seen implements Guard.
func (g *StoreGuard) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	return g.store.IsApplied(ctx, g.consumer, id)
}

// MarkSeen implements Guard.
func (g *StoreGuard) MarkSeen(ctx context.Context, id uuid.UUID) (bool, error) {
	return g.store.MarkApplied(ctx, g.consumer, id)
}
