// Package outbound defines the outbound port interfaces the services use to
// reach storage, the authentication server and the log collector.
package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
)

// ErrKeyNotFound is returned by KVStore.Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Well-known storage keys. Every value is a complete JSON document.
const (
	KeyAccessToken       = "auth.access_token"
	KeyRefreshToken      = "auth.refresh_token"
	KeySessionState      = "session.state"
	KeyDeviceFingerprint = "session.device_fingerprint"
	KeyActivityLog       = "session.activity_log"
	KeyRememberMe        = "session.remember_me"
	KeyOfflineQueue      = "offline.queue"
	KeyOfflineCache      = "offline.cache"
	KeyErrorLog          = "errorlog.entries"
)

// SessionKeys are wiped when a session is invalidated.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeySessionState,
	KeyActivityLog,
	KeyRememberMe,
}

// KVStore is durable key-value storage for small JSON documents.
// Implementations: memory, file, sqlite, redis.
type KVStore interface {
	// Get returns the value for key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Lister is implemented by stores that can enumerate keys with a prefix.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StoreError wraps a failure of a storage backend with the operation and key.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the backend error.
func (e *StoreError) Unwrap() error { return e.Err }

// Category places storage failures in the storage log category.
func (e *StoreError) Category() errlog.Category { return errlog.CategoryStorage }
