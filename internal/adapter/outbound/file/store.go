// Package file provides a directory-backed outbound.KVStore. Each key is a
// separate file, written atomically with a backup of the previous value.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

const fileExt = ".json"

// KVStore stores each key in <dir>/<key>.json.
// It provides atomic writes (write-tmp-then-rename), a ".bak" copy of the
// previous value, and file locking (flock for cross-process, mutex for
// in-process).
type KVStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewKVStore creates the directory if needed and returns a store rooted there.
func NewKVStore(dir string, logger *slog.Logger) (*KVStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &KVStore{dir: dir, logger: logger}, nil
}

// Dir returns the storage directory.
func (s *KVStore) Dir() string { return s.dir }

func (s *KVStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileExt)
}

// Get implements outbound.KVStore.
// Warns if an existing file has permissions more open than 0600.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, outbound.ErrKeyNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	// Skip on Windows where Unix file permission bits are not supported.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("storage file has too-open permissions, should be 0600",
					"path", path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}
	return data, nil
}

// Set writes value to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on <dir>/.lock
//  3. Copy current file to path+".bak" (ignored if no current file)
//  4. Write to path+".tmp" with 0600 permissions
//  5. Fsync the temp file
//  6. Rename path+".tmp" -> path
//  7. Release flock
//  8. Release mutex
func (s *KVStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	path := s.path(key)
	if currentData, readErr := os.ReadFile(path); readErr == nil {
		if writeErr := os.WriteFile(path+".bak", currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "key", key, "error", writeErr)
		}
	}

	if err := writeAtomic(path, value); err != nil {
		return err
	}

	// Ensure 0600 after rename in case the file pre-existed with other bits.
	if err := os.Chmod(path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on storage file", "key", key, "error", err)
	}

	s.logger.Debug("storage key saved", "key", key)
	return nil
}

// Delete implements outbound.KVStore. The backup is removed as well.
func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	path := s.path(key)
	var errs []error
	for _, p := range []string{path, path + ".bak"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// Keys implements outbound.Lister.
func (s *KVStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// lock acquires the cross-process lock for the storage directory.
func (s *KVStore) lock() (func(), error) {
	lockFile, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockLock(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
	}, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var (
	_ outbound.KVStore = (*KVStore)(nil)
	_ outbound.Lister  = (*KVStore)(nil)
)
