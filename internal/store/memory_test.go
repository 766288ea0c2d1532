package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_TTL(t *testing.T) {
	c := NewMemoryStore(10 * time.Millisecond)
	defer c.Close()

	ctx := context.Background()
	key := "resp:abc"
	val := []byte("hello")

	if err := c.SetWithExpiry(ctx, key, val, 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, hit, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	time.Sleep(30 * time.Millisecond)

	_, hit, err = c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after TTL failed: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	c := NewMemoryStore(time.Minute)
	defer c.Close()
	ctx := context.Background()

	ok, err := c.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("t1"), 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent should win: ok=%v err=%v", ok, err)
	}

	ok, err = c.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("t2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent should lose: ok=%v err=%v", ok, err)
	}

	time.Sleep(70 * time.Millisecond)

	ok, err = c.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("t3"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetIfAbsent after expiry should win: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_CompareAndDelete(t *testing.T) {
	c := NewMemoryStore(time.Minute)
	defer c.Close()
	ctx := context.Background()

	_, _ = c.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("mine"), time.Minute)

	if ok, _ := c.CompareAndDelete(ctx, "lock:a", []byte("theirs")); ok {
		t.Fatalf("foreign token must not release the lock")
	}
	if ok, _ := c.CompareAndDelete(ctx, "lock:a", []byte("mine")); !ok {
		t.Fatalf("owner token should release the lock")
	}
	if _, hit, _ := c.Get(ctx, "lock:a"); hit {
		t.Fatalf("lock should be gone")
	}
}

func TestMemoryStore_Inspect(t *testing.T) {
	c := NewMemoryStore(time.Minute)
	defer c.Close()
	ctx := context.Background()

	_ = c.SetWithExpiry(ctx, "resp:b", []byte("12345"), time.Hour)
	_ = c.SetWithExpiry(ctx, "resp:a", []byte("1"), time.Hour)
	_, _ = c.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("x"), time.Minute)

	keys, err := c.Keys(ctx, 2)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0].Key != "lock:a" || keys[1].Key != "resp:a" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if keys[1].TTLSeconds <= 0 || keys[1].SizeBytes != 1 {
		t.Fatalf("unexpected key info: %+v", keys[1])
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Responses != 2 || stats.Locks != 1 || stats.TotalBytes != 7 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	n, err := c.Flush(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Flush: n=%d err=%v", n, err)
	}
	if c.Len() != 0 {
		t.Fatalf("store should be empty after flush")
	}
}
