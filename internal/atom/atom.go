// Package atom 把订阅源渲染为 Atom 1.0 文档。
//
// 文档由 gorilla/feeds 的 Atom 结构体构建并经 encoding/xml 序列化，所有文本字段在 XML 层转义一次。
package atom

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"mailfeed/backend/internal/domain"
)

// Namespace Atom 1.0 命名空间。
const Namespace = "http://www.w3.org/2005/Atom"

// ContentType Atom 文档的 HTTP Content-Type。
const ContentType = "application/atom+xml; charset=utf-8"

// Options 渲染所需的外部参数。
type Options struct {
	BaseURL      string // 站点根地址，如 https://mailfeed.example
	URNNamespace string // 生成 urn:<ns>:<reference> 形式的 ID
	EmailHost    string // 收件域名，用于副标题中的邮箱地址
}

// FeedURL 返回订阅源文档地址。
func FeedURL(baseURL, feedRef string) string {
	return strings.TrimSuffix(baseURL, "/") + "/feeds/" + feedRef + ".xml"
}

// AlternateURL 返回条目的 HTML 页面地址。
func AlternateURL(baseURL, entryRef string) string {
	return strings.TrimSuffix(baseURL, "/") + "/alternates/" + entryRef + ".html"
}

// URN 返回全局唯一的条目或订阅源 ID。
func URN(namespace, ref string) string {
	return fmt.Sprintf("urn:%s:%s", namespace, ref)
}

// Build 构建 Atom 文档结构，entries 必须已按最新在前排序。
func Build(feed *domain.Feed, entries []domain.Entry, opts Options) *feeds.AtomFeed {
	feedURL := FeedURL(opts.BaseURL, feed.Reference)

	doc := &feeds.AtomFeed{
		Xmlns:   Namespace,
		Title:   feed.Title,
		Id:      URN(opts.URNNamespace, feed.Reference),
		Updated: timestamp(feed.UpdatedAt),
		Link:    &feeds.AtomLink{Href: feedURL, Rel: "self", Type: "application/atom+xml"},
		Author:  &feeds.AtomAuthor{AtomPerson: feeds.AtomPerson{Name: domain.SystemAuthor}},
		Entries: make([]*feeds.AtomEntry, 0, len(entries)),
	}
	if opts.EmailHost != "" {
		doc.Subtitle = "Inbox " + feed.Address(opts.EmailHost)
	}

	for i := range entries {
		doc.Entries = append(doc.Entries, buildEntry(&entries[i], feedURL, opts))
	}
	return doc
}

func buildEntry(e *domain.Entry, feedURL string, opts Options) *feeds.AtomEntry {
	entry := &feeds.AtomEntry{
		Title:   e.Title,
		Updated: timestamp(e.CreatedAt),
		Id:      URN(opts.URNNamespace, e.Reference),
		Links: []feeds.AtomLink{
			{Href: feedURL, Rel: "self", Type: "application/atom+xml"},
			{Href: AlternateURL(opts.BaseURL, e.Reference), Rel: "alternate", Type: "text/html"},
		},
		Content: &feeds.AtomContent{Content: e.Content, Type: "html"},
	}
	if e.Author != "" {
		entry.Author = &feeds.AtomAuthor{AtomPerson: feeds.AtomPerson{Name: e.Author}}
	}
	return entry
}

// Render 渲染完整的 Atom XML 文档。
func Render(feed *domain.Feed, entries []domain.Entry, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := feeds.WriteXML(Build(feed, entries, opts), &buf); err != nil {
		return nil, fmt.Errorf("render atom feed %s: %w", feed.Reference, err)
	}
	return buf.Bytes(), nil
}

// Size 返回渲染后文档的字节数。
func Size(feed *domain.Feed, entries []domain.Entry, opts Options) (int, error) {
	data, err := Render(feed, entries, opts)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Fit 计算在不超过 maxBytes 的前提下最多能保留的最新条目数。
//
// entries 按最新在前排列，淘汰总是从末尾（最旧）开始。先按单条序列化长度估算，
// 再用完整渲染校正，返回值保证渲染结果不超过上限（全部淘汰后仍超限时返回 0）。
func Fit(feed *domain.Feed, entries []domain.Entry, opts Options, maxBytes int) (int, error) {
	size, err := Size(feed, entries, opts)
	if err != nil {
		return 0, err
	}
	if size <= maxBytes {
		return len(entries), nil
	}

	base, err := Size(feed, nil, opts)
	if err != nil {
		return 0, err
	}

	feedURL := FeedURL(opts.BaseURL, feed.Reference)
	keep, total := 0, base
	for i := range entries {
		data, err := xml.MarshalIndent(buildEntry(&entries[i], feedURL, opts), "  ", "  ")
		if err != nil {
			return 0, fmt.Errorf("measure atom entry %s: %w", entries[i].Reference, err)
		}
		if total+len(data)+1 > maxBytes {
			break
		}
		total += len(data) + 1
		keep++
	}

	// 校正：估算偏大时逐条放回，偏小时逐条淘汰。
	for keep < len(entries) {
		size, err := Size(feed, entries[:keep+1], opts)
		if err != nil {
			return 0, err
		}
		if size > maxBytes {
			break
		}
		keep++
	}
	for keep > 0 {
		size, err := Size(feed, entries[:keep], opts)
		if err != nil {
			return 0, err
		}
		if size <= maxBytes {
			break
		}
		keep--
	}
	return keep, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
