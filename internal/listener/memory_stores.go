package listener

import (
	"context"
	"sync"
)

// MemoryWatermarkStore is an in-memory WatermarkStore for tests and
// database-less development mode.
type MemoryWatermarkStore struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{blocks: make(map[string]uint64)}
}

func (s *MemoryWatermarkStore) Get(ctx context.Context, name string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.blocks[name]
	return block, ok, nil
}

func (s *MemoryWatermarkStore) Set(ctx context.Context, name string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[name] = block
	return nil
}

// MemoryDedupStore is an in-memory DedupStore.
type MemoryDedupStore struct {
	mu   sync.Mutex
	keys map[string]uint64
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{keys: make(map[string]uint64)}
}

func (s *MemoryDedupStore) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryDedupStore) Mark(ctx context.Context, key string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = block
	return nil
}

func (s *MemoryDedupStore) PruneBefore(ctx context.Context, block uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, b := range s.keys {
		if b < block {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}

var (
	_ WatermarkStore = (*MemoryWatermarkStore)(nil)
	_ DedupStore     = (*MemoryDedupStore)(nil)
)
