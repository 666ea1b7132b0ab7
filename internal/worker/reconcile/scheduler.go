// Package reconcile は監査・是正サイクルのバックグラウンド実行を提供する。
// 監査 → 是正 → 機構検証を1サイクルとして定期実行する。
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/numgate/internal/reconciler"
)

// AuditRunner は監査フェーズの実行インターフェース。
type AuditRunner interface {
	RunAudit(ctx context.Context) (*reconciler.AuditReport, error)
}

// RecoveryRunner は是正フェーズの実行インターフェース。
type RecoveryRunner interface {
	RunRecovery(ctx context.Context) (int, error)
}

// MechanismValidator は返金機構検証の実行インターフェース。
type MechanismValidator interface {
	ValidateRefundMechanism(ctx context.Context) (*reconciler.ValidationReport, error)
}

// Scheduler は監査・是正サイクルの定期実行を行う。
// 各フェーズは独立しており、監査が失敗しても既存の未是正指摘に
// 対する是正は実行する。
type Scheduler struct {
	auditor   AuditRunner
	recoverer RecoveryRunner
	validator MechanismValidator
	logger    *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	auditor AuditRunner,
	recoverer RecoveryRunner,
	validator MechanismValidator,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		auditor:   auditor,
		recoverer: recoverer,
		validator: validator,
		logger:    logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("監査スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("監査サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("監査スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("監査サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は監査 → 是正 → 機構検証を1回実行する。
// 最初に発生したエラーを返すが、後続フェーズの実行は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	var firstErr error

	report, err := s.auditor.RunAudit(ctx)
	if err != nil {
		s.logger.Error("監査フェーズに失敗しました",
			slog.String("error", err.Error()),
		)
		firstErr = err
	} else {
		s.logger.Info("監査フェーズが完了しました",
			slog.Int("duplicate_findings", report.DuplicateFindings),
			slog.Int("over_refund_findings", report.OverRefundFindings),
		)
	}

	applied, err := s.recoverer.RunRecovery(ctx)
	if err != nil {
		s.logger.Error("是正フェーズに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("applied", applied),
		)
		if firstErr == nil {
			firstErr = err
		}
	}

	validation, err := s.validator.ValidateRefundMechanism(ctx)
	if err != nil {
		s.logger.Error("機構検証に失敗しました",
			slog.String("error", err.Error()),
		)
		if firstErr == nil {
			firstErr = err
		}
	} else if !validation.OK {
		s.logger.Warn("機構検証でドリフトを検出しました",
			slog.Int("drifts", len(validation.Drifts)),
		)
	}

	s.logger.Info("監査サイクルが完了しました",
		slog.Int("recovery_applied", applied),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return firstErr
}
