// Package expire は期限切れの保留セッションを失効させるスイープを提供する。
// OTPが届かずキャンセルもされないまま放置されたセッションを終端状態へ
// 遷移させ、ガバナーの保留枠を返却する。これがないと放置セッションが
// 全体の保留上限を占有し続ける。
package expire

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/numgate/internal/model"
)

// SessionStore は失効スイープが必要とするセッション永続化インターフェース。
type SessionStore interface {
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.RentalSession, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error
}

// Releaser は保留番号の解放インターフェース。rental.Governorが実装する。
type Releaser interface {
	Release(userID, number string)
}

// Job は期限切れセッションの失効スイープジョブ。
type Job struct {
	store    SessionStore
	governor Releaser
	logger   *slog.Logger

	// BatchSize は1回のクエリで処理する最大セッション数。
	BatchSize int
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(store SessionStore, governor Releaser, logger *slog.Logger) *Job {
	return &Job{
		store:     store,
		governor:  governor,
		logger:    logger,
		BatchSize: 100,
	}
}

// RunOnce は期限切れの保留セッションを1回スイープし、失効させた
// 件数を返す。状態更新に失敗したセッションはスキップして続行し、
// 次回のスイープで再処理される。
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	expired := 0
	for {
		sessions, err := j.store.ListExpiredPending(ctx, time.Now(), j.BatchSize)
		if err != nil {
			return expired, err
		}
		if len(sessions) == 0 {
			break
		}

		progressed := 0
		for _, session := range sessions {
			if err := j.store.UpdateStatus(ctx, session.ID, model.SessionStatusExpired); err != nil {
				j.logger.Error("セッションの失効に失敗しました",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			j.governor.Release(session.UserID, session.PhoneNumber)
			expired++
			progressed++

			j.logger.Info("保留セッションを失効させました",
				slog.String("session_id", session.ID),
				slog.String("user_id", session.UserID),
				slog.Time("expired_at", session.ExpiresAt),
			)
		}

		// 更新が1件も進まなかったバッチは次回スイープに委ねる。
		// 同じ失敗行で回り続けるのを防ぐ。
		if progressed == 0 || len(sessions) < j.BatchSize {
			break
		}
	}
	return expired, nil
}

// Start は指定間隔のティッカーでスイープを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("失効スイープを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("失効スイープを停止しました")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("失効スイープに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
