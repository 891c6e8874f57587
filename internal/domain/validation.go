package domain

import (
	"strings"
	"unicode/utf8"
)

// 验证常量
const (
	MinTitleLength = 1
	MaxTitleLength = 500
)

// NormalizeTitle 去除首尾空白并校验长度（按字符计）。
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	n := utf8.RuneCountInString(title)
	if n < MinTitleLength || n > MaxTitleLength {
		return "", ErrInvalidTitle
	}
	return title, nil
}

// SplitAddress 把邮箱地址拆成本地部分与域名。
//
// 本地部分统一转为小写，域名保持原样由调用方按大小写不敏感方式比较。
func SplitAddress(addr string) (localPart, domain string, ok bool) {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	return strings.ToLower(addr[:at]), addr[at+1:], true
}

// MatchesHost 判断地址域名是否为本服务的收件域名（大小写不敏感，忽略末尾的点）。
func MatchesHost(domain, emailHost string) bool {
	return strings.EqualFold(strings.TrimSuffix(domain, "."), strings.TrimSuffix(emailHost, "."))
}
