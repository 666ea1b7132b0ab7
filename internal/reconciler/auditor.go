// Package reconciler は返金取引の監査と是正を行う。
// 検出（audit）と是正（recovery）は独立したフェーズで、監査は
// 読み取り専用、是正は指摘1件につき最大1回だけ適用される。
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/repository"
)

// ErrSafetyCeiling はスキャン件数が安全上限を超えたことを示す。
// 上限超過は設定ミスかデータ異常の兆候であり、黙って打ち切らず
// 監査自体を失敗させる。
var ErrSafetyCeiling = errors.New("監査スキャンが安全上限を超えました")

// Config はAuditorの設定。
type Config struct {
	// BatchSize は1回のクエリで取得する行数。
	BatchSize int
	// SafetyCeiling は1回の監査でスキャンする行数の上限。
	SafetyCeiling int
}

// DefaultConfig はAuditorのデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		SafetyCeiling: 200000,
	}
}

// AuditReport は1回の監査実行の結果サマリ。
type AuditReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	ScannedRefunds     int           `json:"scanned_refunds"`
	ScannedSessions    int           `json:"scanned_sessions"`
	DuplicateFindings  int           `json:"duplicate_findings"`
	OverRefundFindings int           `json:"over_refund_findings"`
	SkippedExisting    int           `json:"skipped_existing"`
	UnparsedReferences int           `json:"unparsed_references"`
}

// FindingsRecorder は監査メトリクスの記録インターフェース。
type FindingsRecorder interface {
	RecordAuditFinding(kind string)
	ObserveAuditDuration(seconds float64)
}

// Auditor は返金取引をスキャンして重複返金・過剰返金を検出する。
// 監査フェーズは読み取り専用で、残高には一切触れない。同一データに
// 対する再実行は冪等で、既存の指摘を重複して作成しない。
type Auditor struct {
	txRepo      repository.TransactionRepository
	sessionRepo repository.RentalSessionRepository
	auditRepo   repository.AuditRepository
	logger      *slog.Logger
	metrics     FindingsRecorder
	cfg         Config
}

// NewAuditor はAuditorの新しいインスタンスを生成する。
func NewAuditor(
	txRepo repository.TransactionRepository,
	sessionRepo repository.RentalSessionRepository,
	auditRepo repository.AuditRepository,
	logger *slog.Logger,
	metrics FindingsRecorder,
	cfg Config,
) *Auditor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.SafetyCeiling <= 0 {
		cfg.SafetyCeiling = DefaultConfig().SafetyCeiling
	}
	return &Auditor{
		txRepo:      txRepo,
		sessionRepo: sessionRepo,
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// refundGroup は(ユーザー, セッション参照)単位の返金グループ。
type refundGroup struct {
	userID  string
	ref     string
	refunds []*model.Transaction
}

// RunAudit は監査を1回実行し、検出結果のサマリを返す。
// 重複返金パスと過剰返金パスを順に実行する。どちらのパスも
// バッチサイズ単位で読み進め、合計スキャン件数がSafetyCeilingを
// 超えた時点でErrSafetyCeilingで中断する。
func (a *Auditor) RunAudit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{StartedAt: time.Now()}

	a.logger.Info("監査を開始します",
		slog.Int("batch_size", a.cfg.BatchSize),
		slog.Int("safety_ceiling", a.cfg.SafetyCeiling),
	)

	groups, err := a.collectRefundGroups(ctx, report)
	if err != nil {
		return report, err
	}

	if err := a.detectDuplicates(ctx, groups, report); err != nil {
		return report, err
	}

	if err := a.detectOverRefunds(ctx, groups, report); err != nil {
		return report, err
	}

	report.Duration = time.Since(report.StartedAt)
	if a.metrics != nil {
		a.metrics.ObserveAuditDuration(report.Duration.Seconds())
	}

	a.logger.Info("監査が完了しました",
		slog.Int("scanned_refunds", report.ScannedRefunds),
		slog.Int("scanned_sessions", report.ScannedSessions),
		slog.Int("duplicate_findings", report.DuplicateFindings),
		slog.Int("over_refund_findings", report.OverRefundFindings),
		slog.Int("unparsed_references", report.UnparsedReferences),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)
	return report, nil
}

// collectRefundGroups は全返金取引をバッチで読み進め、
// (ユーザー, セッション参照)単位にグルーピングする。
func (a *Auditor) collectRefundGroups(ctx context.Context, report *AuditReport) (map[string]*refundGroup, error) {
	groups := make(map[string]*refundGroup)
	offset := 0

	for {
		batch, err := a.txRepo.ListByTypes(ctx, []model.TxType{model.TxTypeRefund}, a.cfg.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("返金取引の取得に失敗しました: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		report.ScannedRefunds += len(batch)
		if report.ScannedRefunds > a.cfg.SafetyCeiling {
			a.logger.Error("返金スキャンが安全上限を超えました",
				slog.Int("scanned", report.ScannedRefunds),
				slog.Int("ceiling", a.cfg.SafetyCeiling),
			)
			return nil, fmt.Errorf("%w: scanned=%d ceiling=%d",
				ErrSafetyCeiling, report.ScannedRefunds, a.cfg.SafetyCeiling)
		}

		for _, tx := range batch {
			ref, err := model.ParseReference(tx.Reference)
			if err != nil {
				report.UnparsedReferences++
				a.logger.Warn("参照文字列をパースできない返金を検出しました",
					slog.String("transaction_id", tx.ID),
					slog.String("reference", tx.Reference),
				)
				continue
			}
			key := tx.UserID + "|" + ref.SessionKey()
			g, ok := groups[key]
			if !ok {
				g = &refundGroup{userID: tx.UserID, ref: ref.String()}
				groups[key] = g
			}
			g.refunds = append(g.refunds, tx)
		}

		if len(batch) < a.cfg.BatchSize {
			break
		}
		offset += a.cfg.BatchSize
	}

	return groups, nil
}

// detectDuplicates は同一(ユーザー, セッション参照)に対する2件目以降の
// 返金を重複として指摘する。最も古い返金を正とし、それ以降の各行に
// 1件ずつ指摘を作成する。
func (a *Auditor) detectDuplicates(ctx context.Context, groups map[string]*refundGroup, report *AuditReport) error {
	for _, g := range groups {
		if len(g.refunds) < 2 {
			continue
		}

		sort.Slice(g.refunds, func(i, j int) bool {
			if g.refunds[i].CreatedAt.Equal(g.refunds[j].CreatedAt) {
				return g.refunds[i].ID < g.refunds[j].ID
			}
			return g.refunds[i].CreatedAt.Before(g.refunds[j].CreatedAt)
		})

		for _, dup := range g.refunds[1:] {
			created, err := a.createFindingIfAbsent(ctx, &model.AuditFinding{
				ID:            uuid.NewString(),
				Kind:          model.FindingDuplicate,
				UserID:        g.userID,
				SessionRef:    g.ref,
				TransactionID: dup.ID,
				Amount:        dup.Amount,
				Evidence: fmt.Sprintf("セッション %s に対する %d 件目の返金（正本: %s）",
					g.ref, len(g.refunds), g.refunds[0].ID),
				DetectedAt: time.Now(),
			})
			if err != nil {
				return err
			}
			if created {
				report.DuplicateFindings++
			} else {
				report.SkippedExisting++
			}
		}
	}
	return nil
}

// detectOverRefunds はプロバイダごとにセッションをバッチで読み進め、
// 各セッションの課金合計と返金合計を比較する。同一ユーザーの取引は
// 1回の監査実行につき1度だけロードする。
func (a *Auditor) detectOverRefunds(ctx context.Context, groups map[string]*refundGroup, report *AuditReport) error {
	providers, err := a.sessionRepo.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("プロバイダ一覧の取得に失敗しました: %w", err)
	}

	// ユーザーごとの取引キャッシュ。実行内で1回だけロードする。
	txCache := make(map[string][]*model.Transaction)

	for _, provider := range providers {
		offset := 0
		for {
			sessions, err := a.sessionRepo.ListByProvider(ctx, provider, a.cfg.BatchSize, offset)
			if err != nil {
				return fmt.Errorf("セッションの取得に失敗しました: %w", err)
			}
			if len(sessions) == 0 {
				break
			}

			report.ScannedSessions += len(sessions)
			if report.ScannedRefunds+report.ScannedSessions > a.cfg.SafetyCeiling {
				a.logger.Error("セッションスキャンが安全上限を超えました",
					slog.Int("scanned", report.ScannedRefunds+report.ScannedSessions),
					slog.Int("ceiling", a.cfg.SafetyCeiling),
				)
				return fmt.Errorf("%w: scanned=%d ceiling=%d",
					ErrSafetyCeiling, report.ScannedRefunds+report.ScannedSessions, a.cfg.SafetyCeiling)
			}

			for _, session := range sessions {
				if err := a.checkSession(ctx, session, groups, txCache, report); err != nil {
					return err
				}
			}

			if len(sessions) < a.cfg.BatchSize {
				break
			}
			offset += a.cfg.BatchSize
		}
	}

	return nil
}

// checkSession は1セッションの課金額と返金額を突き合わせる。
// 超過分は最後の返金取引をキーとするover_refund指摘として記録する。
// 重複返金が既に指摘されているグループは、重複分の是正と二重計上
// しないためスキップする。
func (a *Auditor) checkSession(
	ctx context.Context,
	session *model.RentalSession,
	groups map[string]*refundGroup,
	txCache map[string][]*model.Transaction,
	report *AuditReport,
) error {
	ref := model.NewReference(session.Provider, session.ID).String()
	key := session.UserID + "|" + ref

	g := groups[key]
	if g == nil || len(g.refunds) == 0 {
		return nil
	}
	// 重複グループはdetectDuplicatesが既に超過分を指摘している
	if len(g.refunds) > 1 {
		return nil
	}

	txs, ok := txCache[session.UserID]
	if !ok {
		var err error
		txs, err = a.txRepo.ListByUser(ctx, session.UserID)
		if err != nil {
			return fmt.Errorf("ユーザー取引の取得に失敗しました: %w", err)
		}
		txCache[session.UserID] = txs
	}

	var charged, refunded int64
	var lastRefund *model.Transaction
	for _, tx := range txs {
		if tx.Reference != ref {
			continue
		}
		switch tx.Type {
		case model.TxTypeCharge:
			charged += -tx.Amount // chargeは負で記録される
		case model.TxTypeRefund:
			refunded += tx.Amount
			lastRefund = tx
		}
	}

	excess := refunded - charged
	if excess <= 0 || lastRefund == nil {
		return nil
	}

	created, err := a.createFindingIfAbsent(ctx, &model.AuditFinding{
		ID:            uuid.NewString(),
		Kind:          model.FindingOverRefund,
		UserID:        session.UserID,
		SessionRef:    ref,
		TransactionID: lastRefund.ID,
		Amount:        excess,
		Evidence: fmt.Sprintf("課金額 %d に対して返金額 %d（超過 %d）",
			charged, refunded, excess),
		DetectedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if created {
		report.OverRefundFindings++
	} else {
		report.SkippedExisting++
	}
	return nil
}

// createFindingIfAbsent は同一取引への指摘が未登録の場合のみ作成する。
// 作成した場合はtrueを返す。
func (a *Auditor) createFindingIfAbsent(ctx context.Context, finding *model.AuditFinding) (bool, error) {
	existing, err := a.auditRepo.FindFindingByTransactionID(ctx, finding.TransactionID)
	if err != nil {
		return false, fmt.Errorf("既存指摘の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	if err := a.auditRepo.CreateFinding(ctx, finding); err != nil {
		return false, fmt.Errorf("指摘の作成に失敗しました: %w", err)
	}

	a.logger.Warn("監査指摘を作成しました",
		slog.String("finding_id", finding.ID),
		slog.String("kind", string(finding.Kind)),
		slog.String("user_id", finding.UserID),
		slog.String("session_ref", finding.SessionRef),
		slog.String("transaction_id", finding.TransactionID),
		slog.Int64("amount", finding.Amount),
	)
	if a.metrics != nil {
		a.metrics.RecordAuditFinding(string(finding.Kind))
	}
	return true, nil
}
