// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はミーティングのタイトルと説明文をサニタイズし、
// 一覧画面に埋め込まれる文字列からスクリプトなどを取り除く。
// bluemondayの許可リストベースのポリシーを使用する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はミーティング入力のサニタイズ機能のインターフェース。
type TextSanitizerService interface {
	// SanitizeTitle はすべてのタグを除去したテキストを返す。
	SanitizeTitle(raw string) string
	// SanitizeDescription は簡単な書式タグのみを残したHTMLを返す。
	// 許可タグ: p, br, ul, ol, li, strong, em, a（httpsのhrefのみ）
	SanitizeDescription(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// ポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	title       *bluemonday.Policy
	description *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	d := bluemonday.NewPolicy()
	d.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	// リンクは会場案内などに使う。httpsの絶対URLのみ許可し、新しいタブで開く。
	d.AllowAttrs("href").OnElements("a")
	d.AllowURLSchemes("https")
	d.AllowRelativeURLs(false)
	d.AddTargetBlankToFullyQualifiedLinks(true)
	d.RequireNoReferrerOnLinks(true)

	return &textSanitizer{
		title:       bluemonday.StrictPolicy(),
		description: d,
	}
}

// SanitizeTitle はタグを除去し、前後の空白を取り除く。
// &や<などの記号はエスケープされた状態で返る。
func (s *textSanitizer) SanitizeTitle(raw string) string {
	return strings.TrimSpace(s.title.Sanitize(raw))
}

// SanitizeDescription は許可タグ以外を除去する。
func (s *textSanitizer) SanitizeDescription(raw string) string {
	return strings.TrimSpace(s.description.Sanitize(raw))
}
