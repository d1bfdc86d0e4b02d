// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// KVStore implements outbound.KVStore with an in-memory map.
// Thread-safe for concurrent access. Values are copied on the way in and out.
type KVStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewKVStore creates an empty in-memory store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string][]byte)}
}

// Get implements outbound.KVStore.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, outbound.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements outbound.KVStore.
func (s *KVStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements outbound.KVStore.
func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Keys implements outbound.Lister.
func (s *KVStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Compile-time interface verification.
var (
	_ outbound.KVStore = (*KVStore)(nil)
	_ outbound.Lister  = (*KVStore)(nil)
)
