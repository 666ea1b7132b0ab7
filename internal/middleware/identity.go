// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// identityHeaderName は認証済みユーザーIDを運ぶヘッダー名。
// 認証・セッション処理は外側のWebレイヤーが担当し、検証済みの
// ユーザーIDをこのヘッダーで引き渡す。
const identityHeaderName = "X-User-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 未設定の場合はエラーを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// WithUserID はユーザーIDを格納したコンテキストを返す。テスト用。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// NewIdentityMiddleware はリクエストの識別キーをコンテキストに注入する
// ミドルウェアを返す。認証済みユーザーIDがヘッダーにあればそれを、
// なければ送信元アドレスを識別キーとして使用する。
// レート制限・同時実行制御はこの識別キーでバケットを分ける。
func NewIdentityMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := r.Header.Get(identityHeaderName)
			if identity == "" {
				identity = "addr:" + remoteHost(r)
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// remoteHost はRemoteAddrからホスト部を取り出す。
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
