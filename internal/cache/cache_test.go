package cache

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "WORD_LIST"); ok || err != nil {
		t.Fatalf("Get on empty = %v, %v, want miss", ok, err)
	}

	if err := s.Put(ctx, "WORD_LIST", "robot\nfuture", time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "WORD_LIST")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, want hit", ok, err)
	}
	if v != "robot\nfuture" {
		t.Errorf("Get = %q, want %q", v, "robot\nfuture")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Put(ctx, "k", "v", 21600*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = now.Add(21599 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Error("entry should still be valid before TTL")
	}

	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("entry should expire at TTL")
	}
}

func TestMemoryStore_PerEntryTTL(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = s.Put(ctx, "short", "1", time.Minute)
	_ = s.Put(ctx, "long", "2", time.Hour)

	now = now.Add(time.Minute)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("short should expire after its own TTL")
	}
	if _, ok, _ := s.Get(ctx, "long"); !ok {
		t.Error("long should remain until its own TTL")
	}
	// 期限切れのエントリは取得時に取り除かれる
	if n := s.lru.Len(); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestMemoryStore_ValueTooLarge(t *testing.T) {
	s := NewMemoryStore(0, 10)
	ctx := context.Background()

	err := s.Put(ctx, "k", strings.Repeat("x", 11), time.Hour)
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("Put = %v, want ErrValueTooLarge", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("oversized value should not be stored")
	}

	if err := s.Put(ctx, "k", strings.Repeat("x", 10), time.Hour); err != nil {
		t.Errorf("Put at limit = %v, want nil", err)
	}
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewMemoryStore(2, 0)
	ctx := context.Background()

	_ = s.Put(ctx, "a", "1", time.Hour)
	_ = s.Put(ctx, "b", "2", time.Hour)
	_, _, _ = s.Get(ctx, "a")
	_ = s.Put(ctx, "c", "3", time.Hour)

	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Error("a should remain")
	}
}

// TestRedisStore_PutGet はREDIS_URLが設定されている場合のみ実行する。
func TestRedisStore_PutGet(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL が未設定のためスキップ")
	}
	client, err := NewRedisClient(url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	s := NewRedisStore(client, 10)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("Redisに接続できません（スキップ）: %v", err)
	}

	if err := s.Put(ctx, "test-key", "value", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "test-key")
	if err != nil || !ok || v != "value" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
	if err := s.Put(ctx, "test-key", strings.Repeat("x", 11), time.Minute); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("Put oversized = %v, want ErrValueTooLarge", err)
	}
	if _, ok, _ := s.Get(ctx, "missing-key"); ok {
		t.Error("missing key should miss")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient("://bad"); err == nil {
		t.Error("expected error for invalid url")
	}
}
