// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はユーザー入力の自己紹介と、外部書籍APIから取得した
// 説明文をサニタイズする。bluemondayの許可リストベースのポリシーを使用する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxBioLength は自己紹介の最大文字数（rune単位）。
const MaxBioLength = 200

// ContentSanitizerService はテキストのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeBio は自己紹介から全てのHTMLを除去し、前後の空白を落として
	// MaxBioLength文字に切り詰める。
	SanitizeBio(raw string) string
	// SanitizeDescription は書籍の説明文を、段落・改行・強調・リスト・
	// 引用・httpsリンクのみ許可してサニタイズする。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	SanitizeDescription(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに使用できる。
type contentSanitizer struct {
	strict      *bluemonday.Policy
	description *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "strong", "em",
	)

	// 外部APIの説明文には相対URLが来ても解決先がないため許可しない
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		strict:      bluemonday.StrictPolicy(),
		description: p,
	}
}

// SanitizeBio は自己紹介をプレーンテキストにする。
// StrictPolicyがエスケープした文字実体参照は元の文字に戻す。
func (s *contentSanitizer) SanitizeBio(raw string) string {
	text := strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
	if utf8.RuneCountInString(text) <= MaxBioLength {
		return text
	}
	return strings.TrimSpace(string([]rune(text)[:MaxBioLength]))
}

// SanitizeDescription は書籍の説明文をサニタイズする。
func (s *contentSanitizer) SanitizeDescription(rawHTML string) string {
	return s.description.Sanitize(rawHTML)
}
