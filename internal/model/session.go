package model

import "time"

// SessionStatus はレンタルセッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusPending は番号取得済みでOTP待ちの状態を示す。
	SessionStatusPending SessionStatus = "pending"
	// SessionStatusCompleted はOTP受信に成功した終端状態を示す。
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusExpired は待機時間超過で失効した終端状態を示す。
	SessionStatusExpired SessionStatus = "expired"
	// SessionStatusCancelled はユーザーがキャンセルした終端状態を示す。
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal は終端状態（completed/expired/cancelled）かどうかを返す。
// 終端状態に達したセッションの番号はRentalGovernorのpending集合から
// ちょうど1回だけ取り除かれる。
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusCancelled:
		return true
	}
	return false
}

// RentalSession は電話番号レンタルの1セッションを表す。
type RentalSession struct {
	ID          string
	UserID      string
	Provider    string // プロバイダファミリー（例: "smsrent"）
	Service     string // 対象サービス種別（例: "shoptop"）
	PhoneNumber string
	Status      SessionStatus
	Price       int64     // 課金額（最小通貨単位）
	ExpiresAt   time.Time // この時刻を過ぎた保留セッションは失効スイープの対象
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
