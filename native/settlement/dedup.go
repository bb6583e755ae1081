package settlement

import (
	"context"
	"sync"
)

// Deduper records notification keys so transport retries are forwarded once.
type Deduper interface {
	// Reserve returns true the first time key is seen.
	Reserve(ctx context.Context, key string) (bool, error)
	// Release forgets key so a notification whose forward failed can be
	// delivered again.
	Release(ctx context.Context, key string) error
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper constructs an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

// Reserve implements Deduper.
func (d *MemoryDeduper) Reserve(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
