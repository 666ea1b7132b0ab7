// Package model はドメインモデルを定義する。
package model

import "time"

// TxType は取引の種別を表す。
type TxType string

const (
	// TxTypeCharge はレンタル代金の引き落としを示す。
	TxTypeCharge TxType = "charge"
	// TxTypeRefund はレンタル失敗・キャンセル時の返金を示す。
	TxTypeRefund TxType = "refund"
	// TxTypeAdjustment は監査による是正取引を示す。
	TxTypeAdjustment TxType = "adjustment"
	// TxTypeDeposit は残高チャージを示す。
	TxTypeDeposit TxType = "deposit"
)

// Transaction はユーザー残高に対する1件の取引を表す。
// 金額は最小通貨単位（円/セント）の符号付き整数で保持する。
// 取引は追記のみで、既存行の更新は行わない。是正は新しい
// adjustment行として記録する（Reconcilerの前提条件）。
type Transaction struct {
	ID            string
	UserID        string
	Type          TxType
	Amount        int64 // 符号付き。chargeは負、refund/depositは正、adjustmentは負
	Reference     string
	Description   string
	BalanceBefore int64
	BalanceAfter  int64
	CreatedAt     time.Time
}
