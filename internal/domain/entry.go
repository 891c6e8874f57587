package domain

import (
	"time"
)

// SystemAuthor 系统生成条目（如邮箱创建提示）使用的作者名。
const SystemAuthor = "mailfeed"

// Entry 表示订阅源中的一条记录，由一封邮件投递到一个订阅源生成，写入后不可修改。
type Entry struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Reference string    `json:"reference" gorm:"type:varchar(16);uniqueIndex;not null"`
	FeedID    string    `json:"feedId" gorm:"type:varchar(36);not null;index:idx_entries_feed_seq,priority:1"`
	Seq       int64     `json:"-" gorm:"not null;index:idx_entries_feed_seq,priority:2"`
	Title     string    `json:"title" gorm:"type:text;not null"`
	Author    string    `json:"author" gorm:"type:text;not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 固定表名。
func (Entry) TableName() string {
	return "entries"
}

// EntryEvent 新条目写入后推送给实时订阅者的事件。
type EntryEvent struct {
	Feed      string    `json:"feed"`
	Reference string    `json:"reference"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
}

// TrimFunc 在追加条目的原子操作内部被调用。
//
// entries 按插入顺序倒序排列（最新在前），返回值 keep 表示保留前 keep 条，
// 其余条目将在同一事务内被删除。
type TrimFunc func(feed *Feed, entries []Entry) (keep int, err error)
