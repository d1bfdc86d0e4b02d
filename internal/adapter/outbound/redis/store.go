// Package redis provides an outbound.KVStore on Redis, for deployments where
// several client processes share one session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key: "<prefix>:<key>".
	Prefix string
}

// KVStore implements outbound.KVStore on Redis.
type KVStore struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*KVStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	logger.Debug("redis store connected", "addr", opts.Addr, "db", opts.DB)
	return &KVStore{client: client, prefix: opts.Prefix, logger: logger}, nil
}

func (s *KVStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get implements outbound.KVStore.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, outbound.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements outbound.KVStore. Values never expire; lifetimes are
// enforced by the services that own each key.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements outbound.KVStore.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys implements outbound.Lister using SCAN.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if s.prefix != "" {
			k = strings.TrimPrefix(k, s.prefix+":")
		}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Close closes the client.
func (s *KVStore) Close() error {
	return s.client.Close()
}

// Compile-time interface verification.
var (
	_ outbound.KVStore = (*KVStore)(nil)
	_ outbound.Lister  = (*KVStore)(nil)
)
