package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultMaxContentLength = 1000
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 200
	topicLockStripes        = 64
)

var (
	ErrEmptyContent    = errors.New("chat: message content is empty")
	ErrContentTooLong  = errors.New("chat: message content exceeds the length limit")
	ErrInvalidPreview  = errors.New("chat: preview must be a JSON object")
	ErrInvalidTopic    = errors.New("chat: topic id must be positive")
	ErrTopicNotFound   = errors.New("chat: topic not found")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotAuthor       = errors.New("chat: only the author may delete a message")
	errMissingDatabase = errors.New("database handle is required")
	errMissingProfiles = errors.New("profile resolver is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "chat.service.new"
	opPostMessage   = "chat.post_message"
	opListHistory   = "chat.list_history"
	opDeleteMessage = "chat.delete_message"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ProfileResolver resolves author display data for messages.
type ProfileResolver interface {
	Profiles(ctx context.Context, userIDs []int64) (map[int64]users.Profile, error)
}

// TopicDirectory confirms that a topic exists before messages are accepted for it.
type TopicDirectory interface {
	Exists(ctx context.Context, topicID int64) (bool, error)
}

type ServiceConfig struct {
	Database         *gorm.DB
	Broadcaster      realtime.Broadcaster
	Profiles         ProfileResolver
	Topics           TopicDirectory
	Clock            func() time.Time
	Logger           *zap.Logger
	MaxContentLength int
}

// Service is the message pipeline: it persists chat messages and then broadcasts
// them to the topic room.
type Service struct {
	db               *gorm.DB
	broadcaster      realtime.Broadcaster
	profiles         ProfileResolver
	topics           TopicDirectory
	clock            func() time.Time
	logger           *zap.Logger
	maxContentLength int
	topicLocks       [topicLockStripes]sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Profiles == nil {
		return nil, newServiceError(opServiceNew, "missing_profiles", errMissingProfiles)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxContentLength := cfg.MaxContentLength
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Service{
		db:               cfg.Database,
		broadcaster:      cfg.Broadcaster,
		profiles:         cfg.Profiles,
		topics:           cfg.Topics,
		clock:            clock,
		logger:           logger,
		maxContentLength: maxContentLength,
	}, nil
}

// PostRequest is a chat submission from an authenticated author.
type PostRequest struct {
	TopicID        int64
	AuthorID       int64
	Content        string
	ArticlePreview json.RawMessage
	TopicPreview   json.RawMessage
}

// PostMessage validates and persists a message, then broadcasts the persisted
// shape to the topic room. Nothing is broadcast unless the insert committed.
func (s *Service) PostMessage(ctx context.Context, request PostRequest) (MessageView, error) {
	content := strings.TrimSpace(request.Content)
	if request.TopicID <= 0 {
		return MessageView{}, s.rejectPost("invalid_topic", ErrInvalidTopic, request)
	}
	if content == "" {
		return MessageView{}, s.rejectPost("empty_content", ErrEmptyContent, request)
	}
	if utf8.RuneCountInString(content) > s.maxContentLength {
		return MessageView{}, s.rejectPost("content_too_long", ErrContentTooLong, request)
	}
	articlePreview, err := normalizePreview(request.ArticlePreview)
	if err != nil {
		return MessageView{}, s.rejectPost("invalid_article_preview", err, request)
	}
	topicPreview, err := normalizePreview(request.TopicPreview)
	if err != nil {
		return MessageView{}, s.rejectPost("invalid_topic_preview", err, request)
	}

	if s.topics != nil {
		exists, err := s.topics.Exists(ctx, request.TopicID)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			s.logError(opPostMessage, "topic_lookup_failed", err, zap.Int64("topic_id", request.TopicID))
			return MessageView{}, newServiceError(opPostMessage, "topic_lookup_failed", err)
		}
		if !exists {
			return MessageView{}, s.rejectPost("topic_not_found", ErrTopicNotFound, request)
		}
	}

	profiles, err := s.profiles.Profiles(ctx, []int64{request.AuthorID})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.logError(opPostMessage, "profile_lookup_failed", err, zap.Int64("user_id", request.AuthorID))
		return MessageView{}, newServiceError(opPostMessage, "profile_lookup_failed", err)
	}

	// Insert and broadcast under one per-topic lock so room delivery order follows
	// commit order.
	unlock := s.lockTopic(request.TopicID)
	defer unlock()

	message := Message{
		TopicID:        request.TopicID,
		UserID:         request.AuthorID,
		Content:        content,
		Status:         StatusActive,
		ReportCount:    0,
		ArticlePreview: articlePreview,
		TopicPreview:   topicPreview,
		CreatedAt:      s.clock().UTC().Truncate(time.Millisecond),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.logError(opPostMessage, "insert_failed", err,
			zap.Int64("topic_id", request.TopicID),
			zap.Int64("user_id", request.AuthorID))
		return MessageView{}, newServiceError(opPostMessage, "insert_failed", err)
	}

	view := newMessageView(message, profiles[request.AuthorID])
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(realtime.TopicRoom(message.TopicID), view.event())
	}
	return view, nil
}

// SocketSender adapts PostMessage to the websocket send_message command.
func (s *Service) SocketSender() realtime.SendMessageFunc {
	return func(ctx context.Context, identity auth.Identity, topicID int64, content string) error {
		_, err := s.PostMessage(ctx, PostRequest{
			TopicID:  topicID,
			AuthorID: identity.UserID,
			Content:  content,
		})
		return err
	}
}

// ListHistory returns ACTIVE messages for a topic, most recent first.
func (s *Service) ListHistory(ctx context.Context, topicID int64, limit, offset int) ([]MessageView, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("topic_id = ? AND status = ?", topicID, StatusActive).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error; err != nil {
		s.logError(opListHistory, "query_failed", err, zap.Int64("topic_id", topicID))
		return nil, newServiceError(opListHistory, "query_failed", err)
	}

	authorIDs := make([]int64, 0, len(messages))
	for _, message := range messages {
		authorIDs = append(authorIDs, message.UserID)
	}
	profiles, err := s.profiles.Profiles(ctx, authorIDs)
	if err != nil {
		s.logError(opListHistory, "profile_lookup_failed", err, zap.Int64("topic_id", topicID))
		return nil, newServiceError(opListHistory, "profile_lookup_failed", err)
	}

	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, newMessageView(message, profiles[message.UserID]))
	}
	return views, nil
}

// DeleteMessage marks the requester's own ACTIVE message DELETED and broadcasts the
// removal to its topic room. Deleting a message that is already hidden or deleted
// succeeds without a broadcast.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID int64) error {
	var message Message
	transitioned := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Select("id", "topic_id", "user_id", "status").Where("id = ?", messageID).Take(&message).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteMessage, "not_found", ErrMessageNotFound)
		}
		if err != nil {
			s.logError(opDeleteMessage, "select_failed", err, zap.Int64("message_id", messageID))
			return newServiceError(opDeleteMessage, "select_failed", err)
		}
		if message.UserID != requesterID {
			return newServiceError(opDeleteMessage, "not_author", ErrNotAuthor)
		}
		result := tx.Model(&Message{}).
			Where("id = ? AND status = ?", messageID, StatusActive).
			Update("status", StatusDeleted)
		if result.Error != nil {
			s.logError(opDeleteMessage, "update_failed", result.Error, zap.Int64("message_id", messageID))
			return newServiceError(opDeleteMessage, "update_failed", result.Error)
		}
		transitioned = result.RowsAffected == 1
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotAuthor) {
			s.logger.Info("chat delete refused",
				zap.Int64("message_id", messageID),
				zap.Int64("user_id", requesterID))
		}
		return txErr
	}
	if transitioned && s.broadcaster != nil {
		s.broadcaster.Broadcast(realtime.TopicRoom(message.TopicID), realtime.MessageDeleted{MessageID: messageID})
	}
	return nil
}

// topicLock returns the stripe guarding a topic. Topics sharing a stripe serialize
// their posts; order within one topic is all that matters.
func (s *Service) topicLock(topicID int64) *sync.Mutex {
	return &s.topicLocks[uint64(topicID)%topicLockStripes]
}

func (s *Service) lockTopic(topicID int64) func() {
	mutex := s.topicLock(topicID)
	mutex.Lock()
	return mutex.Unlock
}

func (s *Service) rejectPost(reason string, cause error, request PostRequest) error {
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	s.logger.Debug("chat message rejected",
		zap.String("operation", opPostMessage),
		zap.String("reason", reason),
		zap.Int64("topic_id", request.TopicID),
		zap.Int64("user_id", request.AuthorID))
	return newServiceError(opPostMessage, reason, cause)
}

func normalizePreview(raw json.RawMessage) (datatypes.JSON, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var object map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &object); err != nil {
		return nil, ErrInvalidPreview
	}
	return datatypes.JSON(trimmed), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("chat service failure", allFields...)
}
