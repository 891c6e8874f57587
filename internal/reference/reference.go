// Package reference 生成订阅源与条目的公开引用。
//
// 引用由 a-z0-9 共 36 个字符组成，固定 16 位，可同时用作 URL 路径段与邮箱本地部分。
package reference

import (
	"crypto/rand"
	"fmt"
)

const (
	// Length 引用长度。
	Length = 16
	// Alphabet 引用字符集。
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// 252 = 36*7，超过该值的随机字节会被丢弃，保证每个字符概率相同。
	rejectAbove = 252
)

// New 使用加密安全随机源生成新的引用。
//
// 系统随机源不可用时直接 panic，这种情况下服务无法安全运行。
func New() string {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("reference: read random source: %v", err))
		}
		for _, b := range buf {
			if b >= rejectAbove {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out)
}

// Valid 判断字符串是否为格式正确的引用。
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
