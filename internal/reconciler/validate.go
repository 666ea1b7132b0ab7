package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/repository"
)

// validateSampleSize は機構検証でサンプリングする直近返金の件数。
const validateSampleSize = 50

// DriftKind は検証で検出されるドリフトの種別を表す。
type DriftKind string

const (
	// DriftUnparsedReference は参照文字列がパース不能な返金を示す。
	DriftUnparsedReference DriftKind = "unparsed_reference"
	// DriftMissingPricing は価格設定が存在しないサービス種別を示す。
	DriftMissingPricing DriftKind = "missing_pricing"
)

// DriftItem は検証で検出された1件のドリフト。
type DriftItem struct {
	Kind   DriftKind `json:"kind"`
	Detail string    `json:"detail"`
}

// ValidationReport は返金機構検証の結果。
type ValidationReport struct {
	CheckedRefunds      int         `json:"checked_refunds"`
	CheckedServiceTypes int         `json:"checked_service_types"`
	Drifts              []DriftItem `json:"drifts"`
	OK                  bool        `json:"ok"`
}

// Validator は返金機構の前提条件が維持されているかを検査する。
// 読み取り専用で、指摘の作成も残高の変更も行わない。
type Validator struct {
	txRepo      repository.TransactionRepository
	sessionRepo repository.RentalSessionRepository
	pricingRepo repository.PricingRepository
	logger      *slog.Logger
}

// NewValidator はValidatorの新しいインスタンスを生成する。
func NewValidator(
	txRepo repository.TransactionRepository,
	sessionRepo repository.RentalSessionRepository,
	pricingRepo repository.PricingRepository,
	logger *slog.Logger,
) *Validator {
	return &Validator{
		txRepo:      txRepo,
		sessionRepo: sessionRepo,
		pricingRepo: pricingRepo,
		logger:      logger,
	}
}

// ValidateRefundMechanism は直近の返金をサンプリングして参照文字列の
// パース可能性を確認し、既知の全サービス種別に価格設定が存在するか
// を検査する。ドリフトの一覧を含むレポートを返す。
func (v *Validator) ValidateRefundMechanism(ctx context.Context) (*ValidationReport, error) {
	report := &ValidationReport{}

	refunds, err := v.txRepo.ListRecentByType(ctx, model.TxTypeRefund, validateSampleSize)
	if err != nil {
		return nil, fmt.Errorf("返金サンプルの取得に失敗しました: %w", err)
	}
	report.CheckedRefunds = len(refunds)

	for _, tx := range refunds {
		if _, err := model.ParseReference(tx.Reference); err != nil {
			report.Drifts = append(report.Drifts, DriftItem{
				Kind:   DriftUnparsedReference,
				Detail: fmt.Sprintf("transaction=%s reference=%q", tx.ID, tx.Reference),
			})
		}
	}

	// 既知のサービス種別は実際に使われたセッションから導出する。
	// 価格テーブル自身を列挙すると、価格行が消えた種別を検出できない。
	serviceTypes, err := v.sessionRepo.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("サービス種別一覧の取得に失敗しました: %w", err)
	}
	report.CheckedServiceTypes = len(serviceTypes)

	for _, serviceType := range serviceTypes {
		pricing, err := v.pricingRepo.GetServicePricing(ctx, serviceType)
		if err != nil {
			return nil, fmt.Errorf("価格設定の取得に失敗しました: %w", err)
		}
		if pricing == nil {
			report.Drifts = append(report.Drifts, DriftItem{
				Kind:   DriftMissingPricing,
				Detail: fmt.Sprintf("service_type=%s", serviceType),
			})
		}
	}

	report.OK = len(report.Drifts) == 0
	if !report.OK {
		v.logger.Warn("返金機構の検証でドリフトを検出しました",
			slog.Int("drifts", len(report.Drifts)),
		)
	} else {
		v.logger.Info("返金機構の検証が完了しました",
			slog.Int("checked_refunds", report.CheckedRefunds),
			slog.Int("checked_service_types", report.CheckedServiceTypes),
		)
	}
	return report, nil
}
