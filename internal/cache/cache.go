// Package cache はTTL付きの文字列キャッシュを提供する。
// 単一プロセスではメモリ上のLRU、複数プロセスではRedisを使用する。
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrValueTooLarge は値がキャッシュの1エントリ上限を超えた場合に返される。
var ErrValueTooLarge = errors.New("cache value exceeds size limit")

// Store はキャッシュのインターフェース。
type Store interface {
	// Get はキーに対応する値を返す。存在しないか期限切れの場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)

	// Put はキーに値をttlの有効期限付きで保存する。
	// 値がmaxValueBytesを超える場合はErrValueTooLargeを返し、何も保存しない。
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}
