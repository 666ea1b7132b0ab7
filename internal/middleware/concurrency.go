package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/numgate/internal/model"
)

// ErrQueueTimeout は空き待ちがタイムアウトしたことを示す。
// 呼び出し側は503に変換してユーザーに再試行を促す。
var ErrQueueTimeout = errors.New("queue timeout: server busy")

// QueueTimeoutRecorder は空き待ちタイムアウトのメトリクス記録インターフェース。
type QueueTimeoutRecorder interface {
	RecordQueueTimeout(class string)
}

// ConcurrencyLimiter は同時実行数を上限付きで制御するセマフォ。
// 上限到達時は空きが出るまで待機し、タイムアウトで拒否する。
// 待機者はチャネルの送信ブロック順（FIFO）で公平に解放される。
//
// クライアントが待機中に切断した場合もコンテキストが配線されていなければ
// タイムアウトまでスロットを待ち続ける（ベストエフォートのキャンセル）。
type ConcurrencyLimiter struct {
	name     string
	sem      chan struct{}
	timeout  time.Duration
	timeouts QueueTimeoutRecorder // nilの場合は記録しない
}

// NewConcurrencyLimiter はConcurrencyLimiterを生成する。
// maxが0以下の場合はデフォルト値10を使用する。
func NewConcurrencyLimiter(name string, max int, timeout time.Duration) *ConcurrencyLimiter {
	if max <= 0 {
		max = 10
	}
	return &ConcurrencyLimiter{
		name:    name,
		sem:     make(chan struct{}, max),
		timeout: timeout,
	}
}

// SetTimeoutRecorder はタイムアウトメトリクスの記録先を設定する。
func (cl *ConcurrencyLimiter) SetTimeoutRecorder(r QueueTimeoutRecorder) {
	cl.timeouts = r
}

// Acquire はスロットを取得する。空きがなければ空きが出るか
// タイムアウトまで待機する。取得できた場合は解放関数を返す。
// 解放関数は複数回呼んでも1回しか解放しない（冪等）。
// 取得できなかった場合はErrQueueTimeoutを返す。
func (cl *ConcurrencyLimiter) Acquire(ctx context.Context) (func(), error) {
	// 空きがあれば即時取得
	select {
	case cl.sem <- struct{}{}:
		return cl.releaseFunc(), nil
	default:
	}

	timer := time.NewTimer(cl.timeout)
	defer timer.Stop()

	select {
	case cl.sem <- struct{}{}:
		return cl.releaseFunc(), nil
	case <-timer.C:
		cl.recordTimeout()
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		cl.recordTimeout()
		return nil, ErrQueueTimeout
	}
}

// releaseFunc は1回だけスロットを解放する関数を返す。
// ハンドラが正常終了・panic・早期returnのいずれでも解放は
// ちょうど1回になる。
func (cl *ConcurrencyLimiter) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.sem
		})
	}
}

func (cl *ConcurrencyLimiter) recordTimeout() {
	if cl.timeouts != nil {
		cl.timeouts.RecordQueueTimeout(cl.name)
	}
}

// Active は現在使用中のスロット数を返す。テストおよびメトリクス用。
func (cl *ConcurrencyLimiter) Active() int {
	return len(cl.sem)
}

// Capacity はスロットの上限を返す。
func (cl *ConcurrencyLimiter) Capacity() int {
	return cap(cl.sem)
}

// Middleware は同時実行制御ミドルウェアを返す。
// スロットを取得できなかったリクエストには503と
// Retry-Afterヘッダーを返す。
func (cl *ConcurrencyLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := cl.Acquire(r.Context())
			if err != nil {
				writeCapacityResponse(w, cl.timeout)
				slog.Warn("concurrency limit exceeded",
					slog.String("class", cl.name),
					slog.Int("active", cl.Active()),
					slog.Int("capacity", cl.Capacity()),
				)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

// writeCapacityResponse は503 Service Unavailableレスポンスを書き込む。
func writeCapacityResponse(w http.ResponseWriter, timeout time.Duration) {
	retryAfterSec := int(timeout.Seconds())
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)

	apiErr := model.NewCapacityExceededError()
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}
