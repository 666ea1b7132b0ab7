// Package rental は電話番号レンタルのドメインロジックを提供する。
// プロバイダファミリー全体で共有される保留番号の上限と、ユーザーごとの
// ペーシング・成功回数ウィンドウを組み合わせた複合リミッタを含む。
package rental

import (
	"log/slog"
	"sync"
	"time"
)

// Reason は拒否理由を表す。CheckAllowedは判定の優先順位
// （ハードブロック → ペーシング → 成功ウィンドウ → 全体保留上限）に
// 従って最も具体的な理由を返す。
type Reason string

const (
	// ReasonBlocked は過去の上限超過による有効なブロック中を示す。
	ReasonBlocked Reason = "blocked"
	// ReasonPacing はユーザーごとの最低リクエスト間隔の違反を示す。
	ReasonPacing Reason = "pacing"
	// ReasonWindowCap はローリングウィンドウ内の成功回数上限超過を示す。
	ReasonWindowCap Reason = "window_cap"
	// ReasonPendingCap は全ユーザー合計の保留番号上限超過を示す。
	ReasonPendingCap Reason = "pending_cap"
)

// CheckResult はCheckAllowedの判定結果。
type CheckResult struct {
	Allowed  bool
	WaitTime time.Duration // 拒否時、再試行までの推定待機時間
	Reason   Reason
}

// GovernorConfig はGovernorの設定パラメータ。
type GovernorConfig struct {
	// MaxPendingGlobal は全ユーザー合計の保留番号上限（例: 30）。
	MaxPendingGlobal int
	// PacingInterval はユーザーごとのリクエスト最低間隔（例: 3秒）。
	PacingInterval time.Duration
	// Window は成功回数を数えるローリングウィンドウ長（例: 6分）。
	Window time.Duration
	// WindowMax はウィンドウ内のユーザーごとの成功回数上限（例: 30）。
	WindowMax int
	// SweepInterval はアイドルユーザーレコードの掃除間隔。
	SweepInterval time.Duration
}

// DefaultGovernorConfig はデフォルト設定を返す。
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxPendingGlobal: 30,
		PacingInterval:   3 * time.Second,
		Window:           6 * time.Minute,
		WindowMax:        30,
		SweepInterval:    10 * time.Minute,
	}
}

// userRecord はユーザーごとのガバナー状態。初回アクセス時に遅延生成する。
type userRecord struct {
	successTimes     []time.Time // ウィンドウ内の成功時刻（昇順）
	lastRequestAt    time.Time
	blockedUntil     time.Time
	blockedByPending bool // ブロックの原因が保留上限のみかどうか
	pending          map[string]struct{}
}

// Governor はレンタル番号取得の複合リミッタ。
// 状態は全てプロセス内メモリにあり、再起動で失われる
// （単一インスタンス構成の既知の制約）。
type Governor struct {
	cfg GovernorConfig

	mu           sync.Mutex
	users        map[string]*userRecord
	pendingTotal int

	stopCh chan struct{}
}

// NewGovernor はGovernorを生成し、バックグラウンドで
// アイドルレコードの掃除を開始する。
func NewGovernor(cfg GovernorConfig) *Governor {
	def := DefaultGovernorConfig()
	if cfg.MaxPendingGlobal <= 0 {
		cfg.MaxPendingGlobal = def.MaxPendingGlobal
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = def.PacingInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.WindowMax <= 0 {
		cfg.WindowMax = def.WindowMax
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	g := &Governor{
		cfg:    cfg,
		users:  make(map[string]*userRecord),
		stopCh: make(chan struct{}),
	}

	go g.sweepLoop()

	return g
}

// Stop は掃除のバックグラウンドゴルーチンを停止する。
func (g *Governor) Stop() {
	close(g.stopCh)
}

// CheckAllowed は番号取得を試みてよいかを判定する。
// 判定の優先順位: ハードブロック → ペーシング → 成功ウィンドウ →
// 全体保留上限。許可した場合はペーシング用の最終リクエスト時刻を
// 更新する。
func (g *Governor) CheckAllowed(userID string) CheckResult {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getOrCreateLocked(userID)
	g.pruneWindowLocked(rec, now)

	// (a) 有効なハードブロック
	if now.Before(rec.blockedUntil) {
		return CheckResult{
			Allowed:  false,
			WaitTime: rec.blockedUntil.Sub(now),
			Reason:   ReasonBlocked,
		}
	}
	rec.blockedByPending = false

	// (b) ユーザーごとのペーシング間隔
	if !rec.lastRequestAt.IsZero() {
		if since := now.Sub(rec.lastRequestAt); since < g.cfg.PacingInterval {
			return CheckResult{
				Allowed:  false,
				WaitTime: g.cfg.PacingInterval - since,
				Reason:   ReasonPacing,
			}
		}
	}

	// (c) ローリングウィンドウの成功回数上限
	if len(rec.successTimes) >= g.cfg.WindowMax {
		// 最古の成功がウィンドウから抜けるまでの時間
		wait := rec.successTimes[0].Add(g.cfg.Window).Sub(now)
		return CheckResult{
			Allowed:  false,
			WaitTime: wait,
			Reason:   ReasonWindowCap,
		}
	}

	// (d) 全ユーザー合計の保留番号上限
	if g.pendingTotal >= g.cfg.MaxPendingGlobal {
		// 保留が掃けるまでユーザーをブロックする。Releaseで保留が減り、
		// 他に違反がなければ即座に解除される
		rec.blockedUntil = now.Add(g.cfg.Window)
		rec.blockedByPending = true
		slog.Warn("全体の保留番号上限に達したためユーザーをブロックします",
			slog.String("user_id", userID),
			slog.Int("pending_total", g.pendingTotal),
			slog.Int("max_pending", g.cfg.MaxPendingGlobal),
		)
		return CheckResult{
			Allowed:  false,
			WaitTime: g.cfg.Window,
			Reason:   ReasonPendingCap,
		}
	}

	rec.lastRequestAt = now
	return CheckResult{Allowed: true}
}

// RecordSuccess は番号の取得成功を記録する。
// 成功時刻をローリングウィンドウに追加し、番号を保留集合へ加える。
func (g *Governor) RecordSuccess(userID, number string) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.getOrCreateLocked(userID)
	rec.successTimes = append(rec.successTimes, now)

	if _, ok := rec.pending[number]; !ok {
		rec.pending[number] = struct{}{}
		g.pendingTotal++
	}
}

// Release はセッションが終端状態（完了・失効・キャンセル）に達した
// 番号を保留集合から取り除く。番号が保留集合を抜けるのはちょうど1回。
// ブロックの原因が保留上限のみで、ウィンドウ違反が残っていなければ
// ウィンドウの自然失効を待たずに即座にブロックを解除する。
func (g *Governor) Release(userID, number string) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.users[userID]
	if !ok {
		return
	}

	if _, ok := rec.pending[number]; ok {
		delete(rec.pending, number)
		g.pendingTotal--
	}

	// 全体上限に余裕が戻ったら、保留上限のみが原因のブロックを
	// ウィンドウの自然失効を待たずに即時解除する。全体上限は
	// ユーザー横断の制約のため、解放したユーザー以外も対象になる
	if g.pendingTotal < g.cfg.MaxPendingGlobal {
		for id, r := range g.users {
			if !r.blockedByPending || !now.Before(r.blockedUntil) {
				continue
			}
			g.pruneWindowLocked(r, now)
			if len(r.successTimes) < g.cfg.WindowMax {
				r.blockedUntil = time.Time{}
				r.blockedByPending = false
				slog.Info("保留番号の解放によりユーザーのブロックを解除しました",
					slog.String("user_id", id),
					slog.Int("pending_total", g.pendingTotal),
				)
			}
		}
	}
}

// ResetSuccessfulRequests はOTP受信成功時にローリングウィンドウの
// 成功回数を前倒しで赦免する。成功完了はウィンドウの自然失効より
// 早く容量を解放するため。
func (g *Governor) ResetSuccessfulRequests(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.users[userID]; ok {
		rec.successTimes = rec.successTimes[:0]
	}
}

// PendingTotal は現在の全ユーザー合計の保留番号数を返す。
// テストおよびメトリクス用。
func (g *Governor) PendingTotal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingTotal
}

// PendingByUser は指定ユーザーの保留番号数を返す。
func (g *Governor) PendingByUser(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.users[userID]; ok {
		return len(rec.pending)
	}
	return 0
}

// getOrCreateLocked はユーザーレコードを取得または遅延生成する。
// 呼び出し元がロックを保持していること。
func (g *Governor) getOrCreateLocked(userID string) *userRecord {
	rec, ok := g.users[userID]
	if !ok {
		rec = &userRecord{pending: make(map[string]struct{})}
		g.users[userID] = rec
	}
	return rec
}

// pruneWindowLocked はウィンドウ外に出た成功時刻を取り除く。
// 呼び出し元がロックを保持していること。
func (g *Governor) pruneWindowLocked(rec *userRecord, now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(rec.successTimes) && !rec.successTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rec.successTimes = rec.successTimes[i:]
	}
}

// sweepLoop はバックグラウンドでアイドルユーザーレコードを定期的に
// 掃除する。保留番号やブロックが残っているレコードは削除しない。
func (g *Governor) sweepLoop() {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCh:
			return
		}
	}
}

// sweep はアイドルレコードを削除する。
func (g *Governor) sweep() {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for userID, rec := range g.users {
		g.pruneWindowLocked(rec, now)
		idle := len(rec.pending) == 0 &&
			len(rec.successTimes) == 0 &&
			!now.Before(rec.blockedUntil) &&
			now.Sub(rec.lastRequestAt) > g.cfg.SweepInterval
		if idle {
			delete(g.users, userID)
		}
	}
}
