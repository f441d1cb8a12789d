package utils

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// EnhanceHTMLContent 给图片加上懒加载和 no-referrer，外链只允许 http(s)
func EnhanceHTMLContent(htmlStr string) string {
	if htmlStr == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return htmlStr
	}

	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		s.SetAttr("referrerpolicy", "no-referrer")
		s.SetAttr("loading", "lazy")
	})

	doc.Find("a").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") && !strings.HasPrefix(href, "/") {
			s.RemoveAttr("href")
		}
	})

	// goquery 会补全 html/body，只取 body 内容
	out, _ := doc.Find("body").Html()
	if out == "" {
		out, _ = doc.Html()
	}
	return out
}
