package moderation

import "time"

// ReportRecord enforces at most one report per (message, reporter) pair.
type ReportRecord struct {
	MessageID int64     `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	UserID    int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Reason    string    `gorm:"column:reason;size:255"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing the report log.
func (ReportRecord) TableName() string {
	return "chat_report_logs"
}
