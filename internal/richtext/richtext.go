// Package richtext はドライバーコメントや集合場所などの利用者入力を
// Markdownから安全なHTMLとプレーンテキストに変換する。
package richtext

import (
	"bytes"
	"net/url"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
)

// Renderer はMarkdownのレンダリングとサニタイズを行う。並行利用可能。
type Renderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

var (
	defaultRenderer     *Renderer
	defaultRendererOnce sync.Once
)

// Default は共有のRendererを返す。
func Default() *Renderer {
	defaultRendererOnce.Do(func() {
		defaultRenderer = New()
	})
	return defaultRenderer
}

// New はRendererを生成する。
// 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, del
// aタグはhttp/httpsのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
// 画像は許可しない。
func New() *Renderer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "del",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.AllowURLSchemeWithCustomPolicy("http", func(*url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &Renderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		),
		policy: p,
	}
}

// Render はMarkdownをHTMLに変換し、許可リストでサニタイズして返す。
// 変換に失敗した場合は入力をエスケープしたテキストを返す。
func (r *Renderer) Render(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(markdown), &buf); err != nil {
		return html.EscapeString(markdown)
	}
	return strings.TrimSpace(r.policy.Sanitize(buf.String()))
}

// Sanitize は任意のHTMLを許可リストでサニタイズする。
func (r *Renderer) Sanitize(rawHTML string) string {
	return r.policy.Sanitize(rawHTML)
}

// PlainText はMarkdownを描画した結果からタグを除いたテキストを返す。
// 連続する空白は1つにまとめる。フィードの要約などに使う。
func (r *Renderer) PlainText(markdown string) string {
	return HTMLToText(r.Render(markdown))
}

// HTMLToText はHTMLからテキストノードだけを取り出して連結する。
func HTMLToText(fragment string) string {
	if fragment == "" {
		return ""
	}
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var sb strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(tokenizer.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "p", "br", "li", "blockquote", "pre":
				sb.WriteByte(' ')
			}
		}
	}
}
