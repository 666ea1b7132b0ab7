package model

import (
	"fmt"
	"strings"
)

// Reference は取引の参照文字列を構造化した型。
// 課金時にこの型で生成することで、Reconcilerが自由形式文字列の
// パースに依存しなくて済む。正規形式は "<provider>:<session-id>"。
// 既存行との互換のため、旧形式 "rental-<provider>-<session-id>" も
// パース時には受け付ける。
type Reference struct {
	Provider  string
	SessionID string
}

// NewReference は正規形式のReferenceを生成する。
func NewReference(provider, sessionID string) Reference {
	return Reference{Provider: provider, SessionID: sessionID}
}

// String は正規形式 "<provider>:<session-id>" を返す。
func (r Reference) String() string {
	return r.Provider + ":" + r.SessionID
}

// SessionKey は(userIDと組で)返金グルーピングに使うキーを返す。
func (r Reference) SessionKey() string {
	return r.String()
}

// ParseReference は参照文字列をReferenceにパースする。
// 正規形式と旧形式の両方を受け付け、どちらにも一致しない場合は
// エラーを返す。
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("参照文字列が空です")
	}

	// 正規形式: "<provider>:<session-id>"
	if i := strings.IndexByte(s, ':'); i > 0 && i < len(s)-1 {
		return Reference{Provider: s[:i], SessionID: s[i+1:]}, nil
	}

	// 旧形式: "rental-<provider>-<session-id>"（session-idにハイフンを含み得る）
	if rest, ok := strings.CutPrefix(s, "rental-"); ok {
		if j := strings.IndexByte(rest, '-'); j > 0 && j < len(rest)-1 {
			return Reference{Provider: rest[:j], SessionID: rest[j+1:]}, nil
		}
	}

	return Reference{}, fmt.Errorf("参照文字列の形式が不正です: %q", s)
}
