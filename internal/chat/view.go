package chat

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
)

// MessageView is the wire shape shared by history responses and live broadcasts.
type MessageView struct {
	ID              int64           `json:"id"`
	TopicID         int64           `json:"topic_id"`
	UserID          int64           `json:"user_id"`
	Author          string          `json:"author"`
	Message         string          `json:"message"`
	ProfileImageURL string          `json:"profile_image_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ArticlePreview  json.RawMessage `json:"article_preview,omitempty"`
	TopicPreview    json.RawMessage `json:"topic_preview,omitempty"`
}

func newMessageView(message Message, profile users.Profile) MessageView {
	return MessageView{
		ID:              message.ID,
		TopicID:         message.TopicID,
		UserID:          message.UserID,
		Author:          profile.Nickname,
		Message:         message.Content,
		ProfileImageURL: profile.ProfileImageURL,
		CreatedAt:       message.CreatedAt.UTC(),
		ArticlePreview:  rawPreview(message.ArticlePreview),
		TopicPreview:    rawPreview(message.TopicPreview),
	}
}

func (v MessageView) event() realtime.ReceiveMessage {
	return realtime.ReceiveMessage{
		ID:              v.ID,
		Author:          v.Author,
		Message:         v.Message,
		ProfileImageURL: v.ProfileImageURL,
		CreatedAt:       v.CreatedAt,
		ArticlePreview:  v.ArticlePreview,
		TopicPreview:    v.TopicPreview,
	}
}

func rawPreview(value []byte) json.RawMessage {
	if len(value) == 0 || string(value) == "null" {
		return nil
	}
	return json.RawMessage(value)
}
