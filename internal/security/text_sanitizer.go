// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は予約者が入力した自由記述からHTMLを取り除き、
// 外部カレンダーの予定本文に埋め込める平文に変換する。
// CredentialCipher はプロバイダーのトークンを保存時に暗号化する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxFieldLength は1項目あたりの最大文字数（rune単位）。
const maxFieldLength = 2000

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// TextSanitizer は自由記述テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いた平文を返す。
	// 文字参照は元の文字に戻すが、山括弧は残さない。maxFieldLengthを超える部分は切り捨てる。
	Sanitize(input string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// タグを一切許可しないStrictPolicyを使用する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は全てのHTMLタグを除去した平文を返す。
func (s *textSanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}
	// 文字参照として渡されたタグをunescape後に復元させない
	out := angleBrackets.Replace(html.UnescapeString(s.policy.Sanitize(input)))
	out = strings.TrimSpace(out)
	if r := []rune(out); len(r) > maxFieldLength {
		out = string(r[:maxFieldLength])
	}
	return out
}
