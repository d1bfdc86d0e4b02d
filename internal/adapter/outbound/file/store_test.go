package file

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *KVStore {
	t.Helper()
	s, err := NewKVStore(filepath.Join(t.TempDir(), "store"), testLogger())
	if err != nil {
		t.Fatalf("NewKVStore() error = %v", err)
	}
	return s
}

func TestKVStore_MissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), outbound.KeySessionState); !errors.Is(err, outbound.ErrKeyNotFound) {
		t.Fatalf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestKVStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, outbound.KeyOfflineQueue, []byte(`[{"id":"1"}]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, outbound.KeyOfflineQueue)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `[{"id":"1"}]` {
		t.Errorf("Get() = %s", got)
	}

	// Survives a new store over the same directory.
	reopened, err := NewKVStore(s.Dir(), testLogger())
	if err != nil {
		t.Fatalf("NewKVStore() error = %v", err)
	}
	if got, _ := reopened.Get(ctx, outbound.KeyOfflineQueue); string(got) != `[{"id":"1"}]` {
		t.Errorf("reopened Get() = %s", got)
	}
}

func TestKVStore_BackupAndPermissions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Set(ctx, "k", []byte("v1"))
	_ = s.Set(ctx, "k", []byte("v2"))

	bak, err := os.ReadFile(s.path("k") + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(bak) != "v1" {
		t.Errorf("backup = %q, want v1", bak)
	}
	if _, err := os.Stat(s.path("k") + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(s.path("k"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("permissions = %04o, want 0600", perm)
		}
	}
}

func TestKVStore_DeleteRemovesBackup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Set(ctx, "k", []byte("v1"))
	_ = s.Set(ctx, "k", []byte("v2"))
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(s.path("k") + ".bak"); !os.IsNotExist(err) {
		t.Error("backup not removed")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestKVStore_KeysEscaping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Set(ctx, "cache/GET /users", []byte("1"))
	_ = s.Set(ctx, "cache/GET /items", []byte("1"))
	_ = s.Set(ctx, "other", []byte("1"))

	keys, err := s.Keys(ctx, "cache/")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "cache/GET /items" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestKVStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Set(ctx, "k", []byte(`{"ok":true}`)); err != nil {
				t.Errorf("Set() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != `{"ok":true}` {
		t.Errorf("Get() = %s, %v", got, err)
	}
}
