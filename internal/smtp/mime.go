package smtp

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html/charset"

	"mailfeed/backend/internal/domain"
)

func init() {
	message.CharsetReader = charset.NewReaderLabel
}

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject string
	From    string // 发件人显示名，缺失时为地址
	Text    string
	HTML    string
}

// ParseEmail 解析邮件，提取主题、发件人以及第一个 HTML 与纯文本正文。
//
// 邮件结构无法解析时返回包装了 domain.ErrParse 的错误；未知字符集按原始字节保留。
func ParseEmail(r io.Reader) (*ParsedEmail, error) {
	entity, err := message.Read(r)
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("%w: read message: %w", domain.ErrParse, err)
	}

	header := mail.Header{Header: entity.Header}
	parsed := &ParsedEmail{
		Subject: subject(header),
		From:    author(header),
	}

	if err := walk(entity, parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
	}
	return parsed, nil
}

// walk 递归遍历 MIME 结构，跳过附件。
func walk(entity *message.Entity, parsed *ParsedEmail) error {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		// 缺失或无法识别的 Content-Type 视为纯文本
		mediaType = "text/plain"
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("read part: %w", err)
			}
			if err := walk(part, parsed); err != nil {
				return err
			}
		}
	}

	if isAttachment(entity) {
		return nil
	}

	switch {
	case mediaType == "text/html" && parsed.HTML == "":
		body, err := readBody(entity, params)
		if err != nil {
			return err
		}
		parsed.HTML = body
	case mediaType == "text/plain" && parsed.Text == "":
		body, err := readBody(entity, params)
		if err != nil {
			return err
		}
		parsed.Text = body
	}
	return nil
}

// tolerable 未知字符集或传输编码不影响解析，正文按原始字节保留。
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func readBody(entity *message.Entity, params map[string]string) (string, error) {
	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	// 未声明字符集且不是合法 UTF-8 的 HTML 才按 BOM 与 <meta charset> 探测编码
	if params["charset"] == "" && !utf8.Valid(data) {
		mediaType, _, _ := entity.Header.ContentType()
		if mediaType == "text/html" {
			enc, _, _ := charset.DetermineEncoding(data, "text/html")
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil {
				data = decoded
			}
		}
	}
	return string(data), nil
}

func isAttachment(entity *message.Entity) bool {
	disposition, _, err := entity.Header.ContentDisposition()
	if err != nil {
		return false
	}
	return strings.EqualFold(disposition, "attachment")
}

func subject(header mail.Header) string {
	s, err := header.Subject()
	if err != nil {
		return decodeHeader(header.Get("Subject"))
	}
	return s
}

// author 取第一个发件人的显示名，没有显示名时使用地址。
func author(header mail.Header) string {
	addrs, err := header.AddressList("From")
	if err == nil && len(addrs) > 0 {
		if name := strings.TrimSpace(addrs[0].Name); name != "" {
			return name
		}
		return addrs[0].Address
	}
	return strings.TrimSpace(decodeHeader(header.Get("From")))
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
