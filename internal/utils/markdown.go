package utils

import (
	"bytes"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldhtml "github.com/yuin/goldmark/renderer/html"
)

// 通知正文只在站内信箱里展示，不需要标题、表格这类排版元素
var (
	noticeMarkdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(
			goldhtml.WithHardWraps(),
			goldhtml.WithXHTML(),
		),
	)
	noticePolicy = newNoticePolicy()
)

func newNoticePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "strong", "em", "del", "code", "pre", "ul", "ol", "li", "blockquote")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	// 头图单独存 ImageURL，正文里的图片只保留地址和替代文字
	p.AllowAttrs("src", "alt").OnElements("img")
	return p
}

// RenderMarkdown 通知正文：markdown -> 过滤后的 HTML
func RenderMarkdown(source string) string {
	var buf bytes.Buffer
	if err := noticeMarkdown.Convert([]byte(source), &buf); err != nil {
		return "<p>" + html.EscapeString(source) + "</p>"
	}
	sanitized := noticePolicy.SanitizeBytes(buf.Bytes())
	return EnhanceHTMLContent(string(sanitized))
}
