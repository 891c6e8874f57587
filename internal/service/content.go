package service

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PreviewLength 实时事件中正文预览的最大字符数。
const PreviewLength = 200

// TextToHTML 把纯文本正文转换为 HTML：转义特殊字符并保留换行。
func TextToHTML(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(html.EscapeString(text), "\n")
	return strings.Join(lines, "<br>\n")
}

// Preview 提取 HTML 正文的纯文本并截断到 n 个字符。
func Preview(content string, n int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()

	text := strings.Join(strings.Fields(doc.Text()), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}
