package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a single-process Backend. It gives the same semantics as
// Redis within one process, which is what development and tests need; it
// does not coordinate separate gateway processes.
type MemoryStore struct {
	mu              sync.Mutex
	items           map[string]memoryEntry
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore creates an in-memory store. Expired entries are swept every
// cleanupInterval (default 5 minutes) and are never returned in between.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &MemoryStore{
		items:           make(map[string]memoryEntry),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go c.cleanupExpired()

	return c
}

// lookup returns a live entry; the caller holds mu.
func (c *MemoryStore) lookup(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := c.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(now) {
		delete(c.items, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

func (c *MemoryStore) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.items[key] = memoryEntry{
		value:     bytes.Clone(value),
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

func (c *MemoryStore) SetIfAbsentWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lookup(key, now); ok {
		return false, nil
	}

	entry := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	c.items[key] = entry
	return true, nil
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryStore) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(key, time.Now())
	if !ok || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	delete(c.items, key)
	return true, nil
}

func (c *MemoryStore) Ping(context.Context) error {
	return nil
}

// Keys lists live keys in lexical order.
func (c *MemoryStore) Keys(_ context.Context, limit int) ([]KeyInfo, error) {
	now := time.Now()

	c.mu.Lock()
	out := make([]KeyInfo, 0, len(c.items))
	for k, e := range c.items {
		if e.expired(now) {
			continue
		}
		info := KeyInfo{Key: k, TTLSeconds: -1, SizeBytes: int64(len(e.value))}
		if !e.expiresAt.IsZero() {
			info.TTLSeconds = int64(e.expiresAt.Sub(now) / time.Second)
		}
		out = append(out, info)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Flush removes every entry.
func (c *MemoryStore) Flush(context.Context) (int, error) {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[string]memoryEntry)
	c.mu.Unlock()
	return n, nil
}

func (c *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "memory"}
	keys, _ := c.Keys(ctx, 0)
	for _, k := range keys {
		stats.count(k.Key, k.SizeBytes)
	}
	stats.DBSize = int64(len(keys))
	return stats, nil
}

// cleanupExpired runs periodically to remove expired entries.
func (c *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if v.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (c *MemoryStore) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// Len returns the number of items currently held, expired or not.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
