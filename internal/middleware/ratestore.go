package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore はレート制限ウィンドウのカウンタストアを抽象化する。
// 単一プロセスではインメモリ実装を使い、水平スケール時は
// Redis実装に差し替えることで状態をプロセス間で共有できる。
type WindowStore interface {
	// Incr はキーのカウンタをインクリメントし、現在値とウィンドウの
	// リセット時刻を返す。ウィンドウが存在しないか期限切れの場合は
	// 新しいウィンドウを開始する。
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)

	// Decr はキーのカウンタをデクリメントする。0未満にはしない。
	// 「成功したリクエストはカウントしない」モードで使用する。
	Decr(ctx context.Context, key string) error

	// Sweep は期限切れウィンドウを削除する。TTLで自動失効する
	// 実装ではno-opでよい。
	Sweep(ctx context.Context)
}

// --- インメモリ実装 ---

// rateWindow は1つの(識別キー, ポリシー)のウィンドウ状態。
type rateWindow struct {
	count   int
	resetAt time.Time
}

// MemoryWindowStore はプロセス内マップによるWindowStore実装。
// プロセス再起動で状態は失われる（単一インスタンス構成の既知の制約）。
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

// NewMemoryWindowStore はMemoryWindowStoreを生成する。
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: make(map[string]*rateWindow),
	}
}

// Incr はカウンタをインクリメントする。
func (s *MemoryWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		// ウィンドウが存在しないか期限切れの場合は新規開始
		w = &rateWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Decr はカウンタをデクリメントする。0未満にはしない。
func (s *MemoryWindowStore) Decr(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}

// Sweep はresetAtを過ぎたウィンドウを削除する。
func (s *MemoryWindowStore) Sweep(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
}

// Len は現在保持しているウィンドウ数を返す。テストおよびメトリクス用。
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// --- Redis実装 ---

// decrScript はカウンタが正の場合のみデクリメントするLuaスクリプト。
var decrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisWindowStore はRedisによるWindowStore実装。
// 複数プロセスでレート制限状態を共有する場合に使用する。
// ウィンドウの失効はRedisのTTLに委ねるためSweepはno-op。
type RedisWindowStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisWindowStore はRedisWindowStoreを生成する。
func NewRedisWindowStore(rdb *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{
		rdb:    rdb,
		prefix: "numgate:rate:",
	}
}

// Incr はカウンタをインクリメントする。ウィンドウの最初のヒットで
// TTLを設定する。
func (s *RedisWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	k := s.prefix + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to incr rate window: %w", err)
	}

	count := int(incr.Val())
	ttl := pttl.Val()

	if ttl <= 0 {
		// 最初のヒット（またはTTL未設定のキー）にウィンドウ長を設定
		if err := s.rdb.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to set rate window ttl: %w", err)
		}
		ttl = window
	}

	return count, time.Now().Add(ttl), nil
}

// Decr はカウンタをデクリメントする。0未満にはしない。
func (s *RedisWindowStore) Decr(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, s.rdb, []string{s.prefix + key}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to decr rate window: %w", err)
	}
	return nil
}

// Sweep はno-op。失効はRedisのTTLに委ねる。
func (s *RedisWindowStore) Sweep(ctx context.Context) {}

// compile-time interface check
var _ WindowStore = (*MemoryWindowStore)(nil)
var _ WindowStore = (*RedisWindowStore)(nil)
