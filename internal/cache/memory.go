package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries はメモリキャッシュが保持する最大エントリ数。
const DefaultMemoryEntries = 128

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore はLRUを使用したプロセス内キャッシュ。
// 容量超過時はLRUが最も古いエントリを追い出す。TTLはPutごとに異なるため、
// エントリに期限を持たせて取得時に判定する。
type MemoryStore struct {
	lru           *lru.Cache[string, memoryEntry]
	maxValueBytes int
	now           func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。maxValueBytesが0以下の場合はサイズ上限なし。
func NewMemoryStore(maxEntries, maxValueBytes int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	// サイズが正であればlru.Newはエラーを返さない
	c, _ := lru.New[string, memoryEntry](maxEntries)
	return &MemoryStore{
		lru:           c,
		maxValueBytes: maxValueBytes,
		now:           time.Now,
	}
}

// Get はキーに対応する値を返す。
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	entry, ok := s.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		s.lru.Remove(key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Put はキーに値を保存する。
func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return ErrValueTooLarge
	}
	s.lru.Add(key, memoryEntry{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
