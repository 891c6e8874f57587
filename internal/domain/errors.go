package domain

import "errors"

var (
	// ErrInvalidTitle 订阅源名称不合法（为空或过长）。
	ErrInvalidTitle = errors.New("feed title must be between 1 and 500 characters")
	// ErrFeedNotFound 引用未对应任何订阅源。
	ErrFeedNotFound = errors.New("feed not found")
	// ErrEntryNotFound 条目不存在（可能已被淘汰）。
	ErrEntryNotFound = errors.New("entry not found")
	// ErrReferenceCollision 新生成的引用与已有记录冲突，调用方应重新生成后重试。
	ErrReferenceCollision = errors.New("reference collision")
	// ErrStorage 存储层故障。
	ErrStorage = errors.New("storage failure")
	// ErrParse 邮件无法解析。
	ErrParse = errors.New("malformed message")
)
