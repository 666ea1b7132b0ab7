package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/numgate/internal/model"
)

// Policy はレート制限ポリシーを定義する。
// ウィンドウ長とウィンドウ内の最大リクエスト数の組。
type Policy struct {
	Name        string        // ポリシー名。ストアのキープレフィックスとログに使用する
	Window      time.Duration // ウィンドウ長
	MaxRequests int           // ウィンドウ内の最大リクエスト数
}

// Result はレート制限判定の結果。
type Result struct {
	Allowed    bool
	Remaining  int           // ウィンドウ内の残り許容リクエスト数
	RetryAfter time.Duration // 拒否時、ウィンドウリセットまでの残り時間
	ResetAt    time.Time
}

// RejectionRecorder はレート制限拒否のメトリクス記録インターフェース。
// metricsパッケージのCollectorが実装する。
type RejectionRecorder interface {
	RecordRateLimitRejected(policy string)
}

// RateLimiterConfig はRateLimiterの設定を保持する。
type RateLimiterConfig struct {
	// PrivilegedIDs はレート制限を無条件に免除する識別キー（管理者など）。
	PrivilegedIDs []string
	// SweepInterval は期限切れウィンドウの掃除間隔。
	SweepInterval time.Duration
}

// RateLimiter は識別キーごとのウィンドウカウンタ型レートリミッタ。
// ブロックせず同期的に判定し、I/Oはストア実装に委ねる。
type RateLimiter struct {
	store      WindowStore
	privileged map[string]struct{}
	rejections RejectionRecorder // nilの場合は記録しない
	stopCh     chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れウィンドウのクリーンアップを開始する。
func NewRateLimiter(store WindowStore, cfg RateLimiterConfig) *RateLimiter {
	privileged := make(map[string]struct{}, len(cfg.PrivilegedIDs))
	for _, id := range cfg.PrivilegedIDs {
		privileged[id] = struct{}{}
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		store:      store,
		privileged: privileged,
		stopCh:     make(chan struct{}),
	}

	go rl.sweepLoop(sweepInterval)

	return rl
}

// SetRejectionRecorder は拒否メトリクスの記録先を設定する。
func (rl *RateLimiter) SetRejectionRecorder(r RejectionRecorder) {
	rl.rejections = r
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Allow は識別キーに対してポリシーを適用し、許可可否を判定する。
// 特権識別キーは無条件に許可する。ストア障害時はフェイルオープン
// （許可）とし、ログに記録する。
func (rl *RateLimiter) Allow(ctx context.Context, identity string, p Policy) Result {
	if _, ok := rl.privileged[identity]; ok {
		return Result{Allowed: true, Remaining: p.MaxRequests}
	}

	count, resetAt, err := rl.store.Incr(ctx, p.Name+":"+identity, p.Window)
	if err != nil {
		slog.Error("レート制限ストアへのアクセスに失敗しました",
			slog.String("policy", p.Name),
			slog.String("identity", identity),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Remaining: p.MaxRequests}
	}

	if count > p.MaxRequests {
		if rl.rejections != nil {
			rl.rejections.RecordRateLimitRejected(p.Name)
		}
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Until(resetAt),
			ResetAt:    resetAt,
		}
	}

	return Result{
		Allowed:   true,
		Remaining: p.MaxRequests - count,
		ResetAt:   resetAt,
	}
}

// Forgive は成功したリクエストのカウントを取り消す。
// 「失敗したリクエストのみ制限に計上する」モードで、呼び出し側が
// 下流呼び出しの成功を確認した後に呼ぶ。
func (rl *RateLimiter) Forgive(ctx context.Context, identity string, p Policy) {
	if _, ok := rl.privileged[identity]; ok {
		return
	}
	if err := rl.store.Decr(ctx, p.Name+":"+identity); err != nil {
		slog.Warn("レート制限カウントの取り消しに失敗しました",
			slog.String("policy", p.Name),
			slog.String("identity", identity),
			slog.String("error", err.Error()),
		)
	}
}

// Middleware は指定ポリシーのレート制限ミドルウェアを返す。
// 識別キーはリクエストコンテキストから取得する（IdentityMiddlewareの後に配置）。
// 拒否時は429とRetry-After、X-RateLimit-*ヘッダーを返す。
func (rl *RateLimiter) Middleware(p Policy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := UserIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			result := rl.Allow(r.Context(), identity, p)
			if !result.Allowed {
				writeRateLimitResponse(w, p, result)
				slog.Warn("rate limit exceeded",
					slog.String("identity", identity),
					slog.String("policy", p.Name),
				)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// sweepLoop はバックグラウンドで期限切れウィンドウを定期的に掃除する。
func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.store.Sweep(context.Background())
		case <-rl.stopCh:
			return
		}
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはウィンドウがリセットされるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, p Policy, result Result) {
	retryAfterSec := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	apiErr := model.NewRateLimitedError(retryAfterSec)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}
