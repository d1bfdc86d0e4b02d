package sqlite

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

func openTestStore(t *testing.T) *KVStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "kv.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, outbound.ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}

	big := bytes.Repeat([]byte("x"), 256*1024)
	if err := s.Set(ctx, "offline.cache/big", big); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "offline.cache/big")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Errorf("Get() returned %d bytes, want %d", len(got), len(big))
	}

	// Upsert replaces.
	_ = s.Set(ctx, "offline.cache/big", []byte("small"))
	if got, _ := s.Get(ctx, "offline.cache/big"); string(got) != "small" {
		t.Errorf("after upsert Get() = %q", got)
	}

	if err := s.Delete(ctx, "offline.cache/big"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "offline.cache/big"); !errors.Is(err, outbound.ErrKeyNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestKVStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"offline.cache/b", "offline.cache/a", "session.state"} {
		_ = s.Set(ctx, k, []byte("1"))
	}
	keys, err := s.Keys(ctx, "offline.cache/")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "offline.cache/a" || keys[1] != "offline.cache/b" {
		t.Errorf("Keys() = %v", keys)
	}
}
