// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/numgate/internal/model"
)

// TransactionRepository は取引データの永続化インターフェース。
// 取引は追記のみで、既存行の更新は行わない。
type TransactionRepository interface {
	// Create は取引を作成する。
	Create(ctx context.Context, tx *model.Transaction) error

	// ListByTypes は指定種別の取引をcreated_at昇順でページ取得する。
	// Reconcilerのバッチスキャン用。limitは必須で、無制限の取得は
	// サポートしない。
	ListByTypes(ctx context.Context, types []model.TxType, limit, offset int) ([]*model.Transaction, error)

	// ListByUser は指定ユーザーの全取引をcreated_at昇順で取得する。
	ListByUser(ctx context.Context, userID string) ([]*model.Transaction, error)

	// FindByReference は参照文字列が一致する最初の取引を返す。
	// 見つからない場合はnilを返す。
	FindByReference(ctx context.Context, ref string) (*model.Transaction, error)

	// ListRecentByType は指定種別の直近の取引をcreated_at降順で
	// limit件取得する。返金機構の検証でのサンプリング用。
	ListRecentByType(ctx context.Context, txType model.TxType, limit int) ([]*model.Transaction, error)
}

// BalanceRepository はユーザー残高の永続化インターフェース。
type BalanceRepository interface {
	// Get は指定ユーザーの現在残高を返す。
	Get(ctx context.Context, userID string) (int64, error)

	// ApplyDelta は残高に差分を適用し、適用後の残高を返す。
	// 長時間のロックを持たない単一UPDATEで行う。
	ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error)
}

// RentalSessionRepository はレンタルセッションの永続化インターフェース。
type RentalSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.RentalSession) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.RentalSession, error)

	// ListByProvider は指定プロバイダファミリーのセッションを
	// created_at昇順でページ取得する。Reconcilerのバッチスキャン用。
	ListByProvider(ctx context.Context, provider string, limit, offset int) ([]*model.RentalSession, error)

	// UpdateStatus はセッションの状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error

	// ListProviders は記録されている全プロバイダファミリー名を返す。
	ListProviders(ctx context.Context) ([]string, error)

	// ListServices は利用実績のある全サービス種別を返す。
	// 価格設定の検証対象の母集合として使う。
	ListServices(ctx context.Context) ([]string, error)

	// ListExpiredPending は期限を過ぎた保留中セッションを
	// expires_at昇順でlimit件まで返す。失効スイープ用。
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.RentalSession, error)
}

// AuditRepository は監査ログと監査指摘の永続化インターフェース。
type AuditRepository interface {
	// CreateLog は監査ログエントリを作成する。
	CreateLog(ctx context.Context, entry *model.AuditLogEntry) error

	// CreateFinding は監査指摘を作成する。
	CreateFinding(ctx context.Context, finding *model.AuditFinding) error

	// FindFindingByTransactionID は対象取引IDに対する既存の指摘を返す。
	// 見つからない場合はnilを返す。スキャンの冪等性判定用。
	FindFindingByTransactionID(ctx context.Context, txID string) (*model.AuditFinding, error)

	// ListUnrecoveredFindings は未是正の指摘をdetected_at昇順で返す。
	ListUnrecoveredFindings(ctx context.Context) ([]*model.AuditFinding, error)

	// MarkFindingRecovered は指摘に是正済みマーカーを設定する。
	MarkFindingRecovered(ctx context.Context, findingID string) error

	// PurgeOldEntries は保持期間を超過した監査ログと是正済み指摘を
	// 削除し、削除件数を返す。
	PurgeOldEntries(ctx context.Context, retentionDays int) (int64, error)
}

// PricingRepository はサービス価格設定の読み取りインターフェース。
// 価格設定は管理画面（スコープ外）が管理し、本コアは読み取りのみ行う。
type PricingRepository interface {
	// GetServicePricing は指定サービス種別の価格設定を返す。
	// 未設定の場合はnilを返す。
	GetServicePricing(ctx context.Context, serviceType string) (*model.ServicePricing, error)
}
