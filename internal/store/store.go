// Package store is the shared, TTL-capable key-value store the gateway keeps
// cached responses and single-flight locks in. Redis backs production; the
// in-memory backend serves development and tests.
package store

import (
	"context"
	"strings"
	"time"
)

// Store is the contract the cache core relies on. Keys are logical keys
// ("resp:<fp>", "lock:<fp>"); backends may namespace them further.
type Store interface {
	// Get returns (nil, false, nil) on a clean miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsentWithExpiry reports whether the key was created by this call.
	SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Ping(ctx context.Context) error
}

// Inspector exposes the store's native scan/ttl/delete/info operations for
// the administrative surface.
type Inspector interface {
	Keys(ctx context.Context, limit int) ([]KeyInfo, error)
	Flush(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// Backend is a full store implementation. Close releases what the backend
// itself owns; a Redis client passed in from outside stays open.
type Backend interface {
	Store
	Inspector
	Close() error
}

// KeyInfo describes one stored key. TTLSeconds is -1 when the key has no expiry.
type KeyInfo struct {
	Key        string `json:"key"`
	TTLSeconds int64  `json:"ttl_seconds"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Stats aggregates the gateway's namespace.
type Stats struct {
	Backend    string `json:"backend"`
	Responses  int    `json:"responses"`
	Locks      int    `json:"locks"`
	Other      int    `json:"other"`
	TotalBytes int64  `json:"total_bytes"`
	DBSize     int64  `json:"db_size,omitempty"`
	UsedMemory string `json:"used_memory,omitempty"`
}

const (
	ResponsePrefix = "resp:"
	LockPrefix     = "lock:"
)

func (s *Stats) count(key string, size int64) {
	switch {
	case strings.HasPrefix(key, ResponsePrefix):
		s.Responses++
	case strings.HasPrefix(key, LockPrefix):
		s.Locks++
	default:
		s.Other++
	}
	s.TotalBytes += size
}
