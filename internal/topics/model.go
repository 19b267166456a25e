package topics

import "time"

// Status is a topic's lifecycle state.
type Status string

const (
	StatusPreparing Status = "PREPARING"
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
)

// Topic is the lifecycle-relevant slice of a debate topic.
type Topic struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DisplayName string     `gorm:"column:display_name;size:255;not null" json:"display_name"`
	Status      Status     `gorm:"column:status;size:16;not null;default:PREPARING;index:idx_topics_status_vote_end,priority:1" json:"status"`
	VoteStartAt *time.Time `gorm:"column:vote_start_at" json:"vote_start_at"`
	VoteEndAt   *time.Time `gorm:"column:vote_end_at;index:idx_topics_status_vote_end,priority:2" json:"vote_end_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing topics.
func (Topic) TableName() string {
	return "topics"
}
