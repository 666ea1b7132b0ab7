package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/repository"
)

// RecoveryRecorder は是正メトリクスの記録インターフェース。
type RecoveryRecorder interface {
	RecordRecoveryApplied()
}

// Recoverer は未是正の監査指摘に対して残高是正を適用する。
// 是正は指摘ごとに: 負のadjustment取引の作成、残高への差分適用、
// 監査ログの記録、指摘への是正済みマーカー設定を行う。
// RecoveredAtが設定済みの指摘はスキップするため再実行は安全。
type Recoverer struct {
	txRepo      repository.TransactionRepository
	balanceRepo repository.BalanceRepository
	auditRepo   repository.AuditRepository
	logger      *slog.Logger
	metrics     RecoveryRecorder
}

// NewRecoverer はRecovererの新しいインスタンスを生成する。
func NewRecoverer(
	txRepo repository.TransactionRepository,
	balanceRepo repository.BalanceRepository,
	auditRepo repository.AuditRepository,
	logger *slog.Logger,
	metrics RecoveryRecorder,
) *Recoverer {
	return &Recoverer{
		txRepo:      txRepo,
		balanceRepo: balanceRepo,
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
	}
}

// RunRecovery は未是正の指摘を1件ずつ是正し、適用件数を返す。
// 途中でストア障害が起きた場合はバッチを中断する。未適用の指摘は
// 未是正のまま残り、次回の実行で再処理される。
func (r *Recoverer) RunRecovery(ctx context.Context) (int, error) {
	findings, err := r.auditRepo.ListUnrecoveredFindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("未是正指摘の取得に失敗しました: %w", err)
	}

	if len(findings) == 0 {
		r.logger.Info("是正対象の指摘はありません")
		return 0, nil
	}

	r.logger.Info("是正を開始します", slog.Int("findings", len(findings)))

	applied := 0
	for _, finding := range findings {
		if finding.RecoveredAt != nil {
			continue
		}
		if err := r.recoverOne(ctx, finding); err != nil {
			return applied, err
		}
		applied++
	}

	r.logger.Info("是正が完了しました", slog.Int("applied", applied))
	return applied, nil
}

// recoverOne は1件の指摘に対する是正を適用する。
func (r *Recoverer) recoverOne(ctx context.Context, finding *model.AuditFinding) error {
	delta := -finding.Amount

	balanceAfter, err := r.balanceRepo.ApplyDelta(ctx, finding.UserID, delta)
	if err != nil {
		return fmt.Errorf("残高の是正適用に失敗しました: %w", err)
	}

	adjustment := &model.Transaction{
		ID:            uuid.NewString(),
		UserID:        finding.UserID,
		Type:          model.TxTypeAdjustment,
		Amount:        delta,
		Reference:     finding.SessionRef,
		Description:   fmt.Sprintf("監査是正: %s 指摘 %s", finding.Kind, finding.ID),
		BalanceBefore: balanceAfter - delta,
		BalanceAfter:  balanceAfter,
		CreatedAt:     time.Now(),
	}
	if err := r.txRepo.Create(ctx, adjustment); err != nil {
		return fmt.Errorf("是正取引の作成に失敗しました: %w", err)
	}

	logEntry := &model.AuditLogEntry{
		ID:     uuid.NewString(),
		Actor:  "reconciler",
		Action: "recovery_applied",
		Detail: fmt.Sprintf("finding=%s kind=%s user=%s amount=%d adjustment=%s",
			finding.ID, finding.Kind, finding.UserID, finding.Amount, adjustment.ID),
		CreatedAt: time.Now(),
	}
	if err := r.auditRepo.CreateLog(ctx, logEntry); err != nil {
		return fmt.Errorf("監査ログの記録に失敗しました: %w", err)
	}

	if err := r.auditRepo.MarkFindingRecovered(ctx, finding.ID); err != nil {
		return fmt.Errorf("是正マーカーの設定に失敗しました: %w", err)
	}

	r.logger.Info("是正を適用しました",
		slog.String("finding_id", finding.ID),
		slog.String("kind", string(finding.Kind)),
		slog.String("user_id", finding.UserID),
		slog.Int64("amount", finding.Amount),
		slog.Int64("balance_after", balanceAfter),
	)
	if r.metrics != nil {
		r.metrics.RecordRecoveryApplied()
	}
	return nil
}
