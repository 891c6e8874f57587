package domain

import (
	"time"
)

// Feed 表示一个可订阅的 Atom 订阅源，同时对应一个收件邮箱。
//
// Reference 既是邮箱地址的本地部分，也是订阅源 URL 的路径段，创建后不可修改。
type Feed struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Reference    string    `json:"reference" gorm:"type:varchar(16);uniqueIndex;not null"`
	Title        string    `json:"title" gorm:"type:varchar(2000);not null"`
	LastEntrySeq int64     `json:"-" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"autoUpdateTime:false"`
}

// TableName 固定表名。
func (Feed) TableName() string {
	return "feeds"
}

// Address 返回订阅源的收件地址。
func (f *Feed) Address(emailHost string) string {
	return f.Reference + "@" + emailHost
}

// FeedSummary 订阅源概要信息（API 展示用）。
type FeedSummary struct {
	Feed
	EntryCount int `json:"entryCount"`
}
