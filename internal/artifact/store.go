// Package artifact stores oversized step output snapshots outside the
// ledger, keeping only a reference in the step record.
package artifact

import (
	"context"
	"fmt"
	"sync"
)

// Store is the snapshot offload contract. Put returns an opaque reference
// that Get later resolves.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return "mem://" + key, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := ref
	if len(ref) > 6 && ref[:6] == "mem://" {
		key = ref[6:]
	}
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found", ref)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref
	if len(ref) > 6 && ref[:6] == "mem://" {
		key = ref[6:]
	}
	delete(s.data, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
