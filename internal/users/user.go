package users

import (
	"strings"
	"time"
)

// User is the slice of the platform's user record the realtime engine reads and
// the moderation penalty writes.
type User struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Nickname        string    `gorm:"column:nickname;size:64;not null"`
	ProfileImageURL string    `gorm:"column:profile_image_url;size:512"`
	WarningCount    int       `gorm:"column:warning_count;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Profile is the public author shape attached to chat messages.
type Profile struct {
	UserID          int64
	Nickname        string
	ProfileImageURL string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
