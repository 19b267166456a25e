package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/moderation"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/topics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "agora_user_id"
	internalKeyHeader = "X-Internal-Key"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingChatService    = errors.New("chat service dependency required")
	errMissingModeration     = errors.New("moderation service dependency required")
	errMissingNotifications  = errors.New("notification service dependency required")
	errMissingTopics         = errors.New("topic service dependency required")
	errMissingGateway        = errors.New("realtime gateway dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

type ChatService interface {
	PostMessage(ctx context.Context, request chat.PostRequest) (chat.MessageView, error)
	ListHistory(ctx context.Context, topicID int64, limit, offset int) ([]chat.MessageView, error)
	DeleteMessage(ctx context.Context, messageID, requesterID int64) error
}

type ModerationService interface {
	Report(ctx context.Context, messageID, reporterID int64, reason string) (moderation.ReportOutcome, error)
}

type NotificationService interface {
	Trigger(notificationType string, payload json.RawMessage) error
	List(ctx context.Context, userID int64, page, limit int) (notifications.Page, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Settings(ctx context.Context, userID int64) ([]notifications.Setting, error)
	UpdateSettings(ctx context.Context, userID int64, settings []notifications.Setting) error
}

type TopicPublisher interface {
	Publish(ctx context.Context, request topics.PublishRequest) (topics.Topic, error)
}

// RateLimiter throttles chat posting per user. A nil limiter allows everything.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) bool
}

type Dependencies struct {
	TokenValidator TokenValidator
	Chat           ChatService
	Moderation     ModerationService
	Notifications  NotificationService
	Topics         TopicPublisher
	Gateway        http.Handler
	Limiter        RateLimiter
	InternalAPIKey string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Moderation == nil {
		return nil, errMissingModeration
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Topics == nil {
		return nil, errMissingTopics
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:         deps.TokenValidator,
		chat:           deps.Chat,
		moderation:     deps.Moderation,
		notifications:  deps.Notifications,
		topics:         deps.Topics,
		limiter:        deps.Limiter,
		internalAPIKey: deps.InternalAPIKey,
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapH(deps.Gateway))
	router.GET("/topics/:id/chat", handler.handleListHistory)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/topics/:id/chat", handler.handlePostMessage)
	protected.DELETE("/chat/:messageId", handler.handleDeleteMessage)
	protected.POST("/chat/:messageId/report", handler.handleReportMessage)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.GET("/user/me/notification-settings", handler.handleGetSettings)
	protected.PUT("/user/me/notification-settings", handler.handleUpdateSettings)

	internal := router.Group("/internal")
	internal.Use(handler.authorizeInternal)
	internal.POST("/send-notification", handler.handleSendNotification)
	internal.POST("/topics/:id/publish", handler.handlePublishTopic)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens         TokenValidator
	chat           ChatService
	moderation     ModerationService
	notifications  NotificationService
	topics         TopicPublisher
	limiter        RateLimiter
	internalAPIKey string
	logger         *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// authorizeInternal guards collaborator-only routes when a shared key is configured.
func (h *httpHandler) authorizeInternal(c *gin.Context) {
	if h.internalAPIKey == "" {
		c.Next()
		return
	}
	provided := c.GetHeader(internalKeyHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.internalAPIKey)) != 1 {
		h.logger.Warn("internal request rejected", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func currentUserID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(int64)
	return userID, ok && userID > 0
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

type codedError interface {
	Code() string
}

// respondError maps service errors onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error, fallbackCode string) {
	status := statusForError(err)
	code := fallbackCode
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyContent),
		errors.Is(err, chat.ErrContentTooLong),
		errors.Is(err, chat.ErrInvalidPreview),
		errors.Is(err, chat.ErrInvalidTopic),
		errors.Is(err, notifications.ErrUnknownNotificationType),
		errors.Is(err, notifications.ErrInvalidPayload),
		errors.Is(err, notifications.ErrEmptyMessage),
		errors.Is(err, topics.ErrInvalidVoteWindow):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotAuthor):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrTopicNotFound),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, moderation.ErrMessageNotFound),
		errors.Is(err, notifications.ErrNotificationNotFound),
		errors.Is(err, topics.ErrTopicNotFound):
		return http.StatusNotFound
	case errors.Is(err, topics.ErrTopicNotPreparing):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
