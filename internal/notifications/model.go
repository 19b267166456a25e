package notifications

import (
	"time"

	"gorm.io/datatypes"
)

// Preference is an explicit per-type opt-in or opt-out. A missing row means enabled.
type Preference struct {
	UserID           int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	NotificationType Type      `gorm:"column:notification_type;primaryKey;size:32"`
	IsEnabled        bool      `gorm:"column:is_enabled;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing notification preferences.
func (Preference) TableName() string {
	return "user_notification_settings"
}

// Notification is the durable delivery record kept for every targeted user.
type Notification struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        int64          `gorm:"column:user_id;not null;index:idx_notifications_user_created,priority:1"`
	Type          Type           `gorm:"column:type;size:32;not null"`
	Message       string         `gorm:"column:message;type:text;not null"`
	RelatedURL    *string        `gorm:"column:related_url;size:512"`
	Payload       datatypes.JSON `gorm:"column:payload;not null"`
	IsRead        bool           `gorm:"column:is_read;not null;default:false"`
	LiveDelivered bool           `gorm:"column:live_delivered;not null;default:false"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}
