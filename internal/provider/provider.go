// Package provider は電話番号プロバイダとの連携を提供する。
// 番号の取得、OTPの確認、番号のキャンセルをプロバイダAPI経由で行う。
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrOTPNotReady はOTPがまだ届いていないことを示す。
// セッションが生きている間、呼び出し元はポーリングを継続してよい。
var ErrOTPNotReady = errors.New("OTPはまだ届いていません")

// ErrNoNumbersAvailable はプロバイダに在庫がないことを示す。
var ErrNoNumbersAvailable = errors.New("利用可能な番号がありません")

// Number はプロバイダから取得した番号を表す。
type Number struct {
	SessionID   string
	PhoneNumber string
	ExpiresAt   time.Time
}

// Client はプロバイダAPIのインターフェース。
// 全メソッドはネットワークを伴うため、サーキットブレーカー越しに
// 呼び出されることを前提とする。
type Client interface {
	// Name はプロバイダファミリー名を返す（例: "smsrent"）。
	Name() string

	// AcquireNumber は指定サービス向けの番号を1つ取得する。
	AcquireNumber(ctx context.Context, serviceType string) (*Number, error)

	// GetOTP はセッションに届いたOTPを返す。
	// 未着の場合はErrOTPNotReadyを返す。
	GetOTP(ctx context.Context, sessionID string) (string, error)

	// CancelNumber はセッションをキャンセルし番号を返却する。
	CancelNumber(ctx context.Context, sessionID string) error
}
