package model

import "time"

// FindingKind は監査指摘の種別を表す。
type FindingKind string

const (
	// FindingDuplicate は同一セッションへの重複返金を示す。
	FindingDuplicate FindingKind = "duplicate"
	// FindingOverRefund は課金額を超える返金を示す。
	FindingOverRefund FindingKind = "over_refund"
)

// AuditFinding は監査フェーズが検出した1件の不整合を表す。
// 一度書き込まれた指摘は変更せず、新しいスキャン実行で上書きもしない。
// RecoveredAtは是正フェーズが適用済みであることを示すマーカーで、
// 同一指摘への二重是正を防ぐ（TransactionIDをキーに冪等）。
type AuditFinding struct {
	ID            string
	Kind          FindingKind
	UserID        string
	SessionRef    string // Reference.String() 形式
	TransactionID string // 問題の返金取引のID
	Amount        int64  // 過剰に付与された金額（正の値）
	Evidence      string
	DetectedAt    time.Time
	RecoveredAt   *time.Time
}

// AuditLogEntry は監査ログの1エントリを表す。
type AuditLogEntry struct {
	ID        string
	Actor     string // "reconciler" または操作者ID
	Action    string
	Detail    string
	CreatedAt time.Time
}

// ServicePricing はサービス種別ごとの価格設定を表す。
type ServicePricing struct {
	ServiceType string
	Price       int64
	UpdatedAt   time.Time
}
