package chat

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is a chat message's visibility state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusHidden  Status = "HIDDEN"
	StatusDeleted Status = "DELETED"
)

// Message is a persisted topic chat message. Rows are never physically removed.
type Message struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TopicID        int64          `gorm:"column:topic_id;not null;index:idx_chat_messages_topic_created,priority:1"`
	UserID         int64          `gorm:"column:user_id;not null;index"`
	Content        string         `gorm:"column:content;type:text;not null"`
	Status         Status         `gorm:"column:status;size:16;not null;default:ACTIVE"`
	ReportCount    int            `gorm:"column:report_count;not null;default:0"`
	ArticlePreview datatypes.JSON `gorm:"column:article_preview;not null"`
	TopicPreview   datatypes.JSON `gorm:"column:topic_preview;not null"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index:idx_chat_messages_topic_created,priority:2"`
}

var jsonNull = datatypes.JSON("null")

// BeforeCreate stores absent previews as JSON null so the columns never hold SQL NULL.
func (m *Message) BeforeCreate(*gorm.DB) error {
	if len(m.ArticlePreview) == 0 {
		m.ArticlePreview = jsonNull
	}
	if len(m.TopicPreview) == 0 {
		m.TopicPreview = jsonNull
	}
	return nil
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}
