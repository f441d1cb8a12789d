package services

import "devpath/internal/utils"

// MarkdownRenderer 通知正文按 markdown 渲染并过滤
type MarkdownRenderer struct{}

func (MarkdownRenderer) Render(message string) string {
	return utils.RenderMarkdown(message)
}
