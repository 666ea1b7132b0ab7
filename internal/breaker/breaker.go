// Package breaker は外部依存ごとのサーキットブレーカーを提供する。
// 依存先が不調なときは即座に失敗させ、一定時間後に回復を試験する。
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen は遮断中のため呼び出しを実行しなかったことを示す。
// 呼び出し側はerrors.Isで判別し、即時のユーザー向けエラーに変換する。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State はブレーカーの状態を表す。
type State string

const (
	// StateClosed は通常状態。呼び出しを実行し、失敗を数える。
	StateClosed State = "closed"
	// StateOpen は遮断状態。タイムアウトまで呼び出しを実行しない。
	StateOpen State = "open"
	// StateHalfOpen は試験状態。成功が閾値に達すればclosedへ戻る。
	StateHalfOpen State = "half_open"
)

// Settings はブレーカーの閾値設定。依存先ごとに調整できる。
type Settings struct {
	// FailureThreshold はclosed状態でopenへ遷移する連続失敗数。
	FailureThreshold int
	// SuccessThreshold はhalf_open状態でclosedへ戻る成功数。
	SuccessThreshold int
	// OpenTimeout はopen状態からhalf_openへ移るまでの時間。
	OpenTimeout time.Duration
	// FailureMaxAge は最後の失敗からこの時間が経過したら失敗カウントを
	// 破棄する。長い空白期間の後の1失敗が古い失敗を引き継がないための
	// エージング。成功・失敗いずれのイベントでも経過時間で発動する。
	FailureMaxAge time.Duration
}

// DefaultSettings はデフォルトの閾値設定を返す。
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		FailureMaxAge:    60 * time.Second,
	}
}

// Stats はブレーカーの現在の統計情報。運用者向けの観測用。
type Stats struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	TotalCalls    int64     `json:"total_calls"`
	TotalFailures int64     `json:"total_failures"`
	FailureRate   float64   `json:"failure_rate"`
	LastFailureAt time.Time `json:"last_failure_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// TransitionFunc は状態遷移時に呼ばれるフック。メトリクス記録に使う。
type TransitionFunc func(name string, state State)

// Breaker は1つの外部依存に対するサーキットブレーカー。
// 状態遷移はバックグラウンドタイマーではなく、各Execute呼び出し時に
// 遅延評価する。呼び出しの合間は状態が古く見えることがあるが、
// 判定前には必ず補正される。
type Breaker struct {
	name     string
	settings Settings

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	totalCalls    int64
	totalFailures int64
	lastFailureAt time.Time
	nextAttemptAt time.Time

	onTransition TransitionFunc // nilの場合は通知しない
}

// New は指定した名前と設定のBreakerを生成する。
// 閾値が0以下の場合はデフォルト値で補う。
func New(name string, settings Settings) *Breaker {
	def := DefaultSettings()
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = def.OpenTimeout
	}
	if settings.FailureMaxAge <= 0 {
		settings.FailureMaxAge = def.FailureMaxAge
	}
	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
	}
}

// SetTransitionFunc は状態遷移フックを設定する。
func (b *Breaker) SetTransitionFunc(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Execute はブレーカーを通してfnを実行する。
// open状態で再試行時刻前の場合はfnを呼ばずにErrCircuitOpenを返す。
// fnのエラーは失敗として数えた上でそのまま返す。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// beforeCall は呼び出し可否を判定し、必要な遅延状態遷移を行う。
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttemptAt) {
			return ErrCircuitOpen
		}
		// タイムアウト経過。次の呼び出しを試験として通す
		b.transition(StateHalfOpen)
		b.successCount = 0
	case StateClosed:
		b.ageFailuresLocked(now)
	}

	b.totalCalls++
	return nil
}

// recordSuccess は成功を記録する。
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			// 回復確認。失敗履歴を破棄してclosedへ戻す
			b.failureCount = 0
			b.successCount = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// recordFailure は失敗を記録する。
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.ageFailuresLocked(now)

	b.totalFailures++
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		// 試験中の失敗は1回で即座に再遮断する
		b.openLocked(now)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.openLocked(now)
		}
	}
}

// ageFailuresLocked は最後の失敗からFailureMaxAgeが経過していれば
// 失敗カウントを破棄する。呼び出し元がロックを保持していること。
func (b *Breaker) ageFailuresLocked(now time.Time) {
	if b.failureCount > 0 && !b.lastFailureAt.IsZero() &&
		now.Sub(b.lastFailureAt) >= b.settings.FailureMaxAge {
		b.failureCount = 0
	}
}

// openLocked はopen状態へ遷移し、再試行時刻を設定する。
// 呼び出し元がロックを保持していること。
func (b *Breaker) openLocked(now time.Time) {
	b.nextAttemptAt = now.Add(b.settings.OpenTimeout)
	b.transition(StateOpen)
}

// transition は状態を変更し、ログとフックに通知する。
// 呼び出し元がロックを保持していること。
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	slog.Warn("サーキットブレーカーの状態が遷移しました",
		slog.String("dependency", b.name),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Int("failure_count", b.failureCount),
	)

	if b.onTransition != nil {
		b.onTransition(b.name, next)
	}
}

// State は現在の状態を返す。遅延遷移は反映済みの値を返す。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// open状態でタイムアウト経過済みなら観測上はhalf_open相当だが、
	// 遷移自体は次のExecuteで行う
	return b.state
}

// Stats は現在の統計情報を返す。
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalCalls > 0 {
		rate = float64(b.totalFailures) / float64(b.totalCalls)
	}

	return Stats{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		FailureRate:   rate,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
	}
}

// Reset はブレーカーをclosed状態に戻し、カウンタをクリアする。
// 運用者の手動操作用。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.transition(StateClosed)
}

// ForceOpen はブレーカーを強制的にopen状態にする。
// 依存先のメンテナンス時などの運用者の手動操作用。
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openLocked(time.Now())
}
