package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix は他用途のキーとの衝突を避けるための接頭辞。
const keyPrefix = "attendance:cache:"

// RedisStore はRedisを使用した共有キャッシュ。
// serveとworkerが別プロセスで動作する場合でも同じ語彙リストを参照できる。
type RedisStore struct {
	client        redis.Cmdable
	maxValueBytes int
}

// NewRedisStore はRedisStoreを生成する。クライアントのライフサイクルは呼び出し側が管理する。
func NewRedisStore(client redis.Cmdable, maxValueBytes int) *RedisStore {
	return &RedisStore{client: client, maxValueBytes: maxValueBytes}
}

// NewRedisClient はREDIS_URL形式の接続URLからクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Get はキーに対応する値を返す。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}
	return v, true, nil
}

// Put はキーに値をTTL付きで保存する。
func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return ErrValueTooLarge
	}
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// Ping はRedisへの接続を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
