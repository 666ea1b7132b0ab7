package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, capacity, provider, billing, system
	Action   string // ユーザー向け対処方法

	// RetryAfterSec は再試行までの推奨待機秒数。0の場合は
	// Retry-Afterヘッダーを付与しない。
	RetryAfterSec int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	ErrCodeQueueTimeout      = "QUEUE_TIMEOUT"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRentalBlocked     = "RENTAL_BLOCKED"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSessionClosed     = "SESSION_CLOSED"
	ErrCodeServiceNotFound   = "SERVICE_NOT_FOUND"
	ErrCodeNoNumbers         = "NO_NUMBERS_AVAILABLE"
	ErrCodeAuditViolation    = "AUDIT_INTEGRITY_VIOLATION"
	ErrCodeSafetyCeiling     = "SAFETY_CEILING_EXCEEDED"
)

// NewRateLimitedError はレート制限超過エラーを生成する。
// retryAfterSecは再試行までの推奨待機秒数。
func NewRateLimitedError(retryAfterSec int) *APIError {
	return &APIError{
		Code:          ErrCodeRateLimited,
		Message:       "リクエスト数が制限を超えました。",
		Category:      "capacity",
		Action:        fmt.Sprintf("%d秒待ってから再度お試しください。", retryAfterSec),
		RetryAfterSec: retryAfterSec,
	}
}

// NewCapacityExceededError はサーバー容量超過エラーを生成する。
func NewCapacityExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeCapacityExceeded,
		Message:  "サーバーが混雑しています。",
		Category: "capacity",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCircuitOpenError は外部依存の遮断中エラーを生成する。
func NewCircuitOpenError(dependency string) *APIError {
	return &APIError{
		Code:     ErrCodeCircuitOpen,
		Message:  fmt.Sprintf("外部サービスが一時的に利用できません: %s", dependency),
		Category: "provider",
		Action:   "時間をおいてから再度お試しください。",
	}
}

// NewRentalBlockedError はレンタル制限中エラーを生成する。
// reasonは制限理由、waitSecは解除までの推定秒数。
func NewRentalBlockedError(reason string, waitSec int) *APIError {
	return &APIError{
		Code:          ErrCodeRentalBlocked,
		Message:       fmt.Sprintf("番号レンタルが制限されています: %s", reason),
		Category:      "capacity",
		Action:        fmt.Sprintf("%d秒待ってから再度お試しください。保留中の番号がある場合は完了またはキャンセルしてください。", waitSec),
		RetryAfterSec: waitSec,
	}
}

// NewInsufficientFundsError は残高不足エラーを生成する。
func NewInsufficientFundsError() *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientFunds,
		Message:  "残高が不足しています。",
		Category: "billing",
		Action:   "残高をチャージしてから再度お試しください。",
	}
}

// NewServiceNotConfiguredError は価格未設定のサービス種別エラーを生成する。
func NewServiceNotConfiguredError(serviceType string) *APIError {
	return &APIError{
		Code:     ErrCodeServiceNotFound,
		Message:  fmt.Sprintf("指定されたサービス種別は利用できません: %s", serviceType),
		Category: "validation",
		Action:   "サービス種別を確認してください。",
	}
}

// NewNoNumbersError はプロバイダ在庫切れエラーを生成する。
func NewNoNumbersError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeNoNumbers,
		Message:  fmt.Sprintf("現在利用可能な番号がありません: %s", provider),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSessionClosedError は終端状態セッションへの操作エラーを生成する。
func NewSessionClosedError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionClosed,
		Message:  fmt.Sprintf("このレンタルセッションは既に終了しています: %s", sessionID),
		Category: "validation",
		Action:   "新しいレンタルを開始してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたレンタルセッションが見つかりません: %s", sessionID),
		Category: "validation",
		Action:   "セッションIDを確認してください。",
	}
}
