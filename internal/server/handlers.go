package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/topics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type postMessagePayload struct {
	Content        string          `json:"content"`
	ArticlePreview json.RawMessage `json:"article_preview"`
	TopicPreview   json.RawMessage `json:"topic_preview"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	topicID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic_id"})
		return
	}
	var request postMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(c.Request.Context(), userID) {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeLimited).Inc()
		h.logger.Info("chat post rate limited", zap.Int64("user_id", userID), zap.Int64("topic_id", topicID))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	view, err := h.chat.PostMessage(c.Request.Context(), chat.PostRequest{
		TopicID:        topicID,
		AuthorID:       userID,
		Content:        request.Content,
		ArticlePreview: request.ArticlePreview,
		TopicPreview:   request.TopicPreview,
	})
	if err != nil {
		h.respondError(c, err, "post_failed")
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	topicID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic_id"})
		return
	}
	limit, okLimit := queryInt(c, "limit", chat.DefaultHistoryLimit)
	offset, okOffset := queryInt(c, "offset", 0)
	if !okLimit || !okOffset {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination"})
		return
	}
	messages, err := h.chat.ListHistory(c.Request.Context(), topicID, limit, offset)
	if err != nil {
		h.respondError(c, err, "history_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	messageID, ok := pathID(c, "messageId")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}
	if err := h.chat.DeleteMessage(c.Request.Context(), messageID, userID); err != nil {
		h.respondError(c, err, "delete_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type reportPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleReportMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	messageID, ok := pathID(c, "messageId")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}
	var request reportPayload
	if err := bindOptionalJSON(c, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.moderation.Report(c.Request.Context(), messageID, userID, request.Reason)
	if err != nil {
		h.respondError(c, err, "report_failed")
		return
	}
	status := "reported"
	if !outcome.Recorded {
		status = "already_reported"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "hidden": outcome.Hidden})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	page, okPage := queryInt(c, "page", 1)
	limit, okLimit := queryInt(c, "limit", notifications.DefaultPageLimit)
	if !okPage || !okLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination"})
		return
	}
	result, err := h.notifications.List(c.Request.Context(), userID, page, limit)
	if err != nil {
		h.respondError(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	count, err := h.notifications.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "unread_count_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	notificationID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_id"})
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), userID, notificationID); err != nil {
		h.respondError(c, err, "mark_read_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "mark_all_read_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated_count": updated})
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	settings, err := h.notifications.Settings(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "settings_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type updateSettingsPayload struct {
	Settings []notifications.Setting `json:"settings"`
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request updateSettingsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Settings) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.notifications.UpdateSettings(c.Request.Context(), userID, request.Settings); err != nil {
		h.respondError(c, err, "settings_update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type sendNotificationPayload struct {
	NotificationType string          `json:"notification_type"`
	Data             json.RawMessage `json:"data"`
}

func (h *httpHandler) handleSendNotification(c *gin.Context) {
	var request sendNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.notifications.Trigger(request.NotificationType, request.Data); err != nil {
		h.respondError(c, err, "dispatch_rejected")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

const voteEndLayout = "2006-01-02 15:04 MST"

type publishTopicPayload struct {
	VoteStartAt *time.Time `json:"vote_start_at"`
	VoteEndAt   *time.Time `json:"vote_end_at"`
}

func (h *httpHandler) handlePublishTopic(c *gin.Context) {
	topicID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic_id"})
		return
	}
	var request publishTopicPayload
	if err := bindOptionalJSON(c, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	topic, err := h.topics.Publish(c.Request.Context(), topics.PublishRequest{
		TopicID:     topicID,
		VoteStartAt: request.VoteStartAt,
		VoteEndAt:   request.VoteEndAt,
	})
	if err != nil {
		h.respondError(c, err, "publish_failed")
		return
	}

	notificationPayload := notifications.Payload{
		"topicId":   topic.ID,
		"topicName": topic.DisplayName,
	}
	if topic.VoteEndAt != nil {
		notificationPayload["endDate"] = topic.VoteEndAt.UTC().Format(voteEndLayout)
	}
	payload, err := json.Marshal(notificationPayload)
	if err == nil {
		err = h.notifications.Trigger(string(notifications.TypeNewTopic), payload)
	}
	if err != nil {
		h.logger.Warn("new topic notification not dispatched",
			zap.Int64("topic_id", topic.ID),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, topic)
}

// bindOptionalJSON decodes a body that clients may omit entirely.
func bindOptionalJSON(c *gin.Context, target interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
