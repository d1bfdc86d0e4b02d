package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// FailureFunc is called when the primary store fails. err is always an
// *outbound.StoreError.
type FailureFunc func(ctx context.Context, err error)

// FallbackStore wraps a durable store and keeps an in-memory copy of every
// write. When the primary fails, operations continue against memory and
// the failure is reported through the OnFailure hook instead of being
// returned to the caller.
type FallbackStore struct {
	primary   outbound.KVStore
	mem       *KVStore
	logger    *slog.Logger
	degraded  atomic.Bool
	onFailure atomic.Value // FailureFunc
}

// NewFallbackStore wraps primary.
func NewFallbackStore(primary outbound.KVStore, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		mem:     NewKVStore(),
		logger:  logger,
	}
}

// OnFailure sets the hook invoked on primary failures. It may be set after
// construction, which lets the error log that persists through this store
// also receive its failures.
func (s *FallbackStore) OnFailure(fn FailureFunc) {
	s.onFailure.Store(fn)
}

// Degraded reports whether the primary has failed at least once.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) fail(ctx context.Context, op, key string, err error) {
	wrapped := &outbound.StoreError{Op: op, Key: key, Err: err}
	if !s.degraded.Swap(true) {
		s.logger.Warn("storage backend failed, continuing in memory", "op", op, "key", key, "error", err)
	}
	if fn, ok := s.onFailure.Load().(FailureFunc); ok && fn != nil {
		fn(ctx, wrapped)
	}
}

// Get implements outbound.KVStore.
func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.primary.Get(ctx, key)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, outbound.ErrKeyNotFound):
		if s.degraded.Load() {
			return s.mem.Get(ctx, key)
		}
		return nil, err
	default:
		s.fail(ctx, "get", key, err)
		return s.mem.Get(ctx, key)
	}
}

// Set implements outbound.KVStore.
func (s *FallbackStore) Set(ctx context.Context, key string, value []byte) error {
	_ = s.mem.Set(ctx, key, value)
	if err := s.primary.Set(ctx, key, value); err != nil {
		s.fail(ctx, "set", key, err)
	}
	return nil
}

// Delete implements outbound.KVStore.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	_ = s.mem.Delete(ctx, key)
	if err := s.primary.Delete(ctx, key); err != nil {
		s.fail(ctx, "delete", key, err)
	}
	return nil
}

var _ outbound.KVStore = (*FallbackStore)(nil)
