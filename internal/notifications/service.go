package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
	MaxPage          = 100000
	insertBatchSize  = 500
	dispatchTimeout  = 30 * time.Second
)

var (
	ErrInvalidPayload        = errors.New("notifications: payload must be a JSON object")
	ErrEmptyMessage          = errors.New("notifications: rendered message is empty")
	ErrNotificationNotFound  = errors.New("notifications: notification not found")
	errMissingDatabase       = errors.New("database handle is required")
	errMissingPresenceLookup = errors.New("presence lookup is required")
	noOpLogger               = zap.NewNop()
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
	opServiceNew      = "notifications.service.new"
	opDispatch        = "notifications.dispatch"
	opList            = "notifications.list"
	opUnreadCount     = "notifications.unread_count"
	opMarkRead        = "notifications.mark_read"
	opMarkAllRead     = "notifications.mark_all_read"
	opSettings        = "notifications.settings"
	opUpdateSettings  = "notifications.update_settings"
	fieldNotification = "notification_type"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// PresenceLookup finds the live connection for a user, if any.
type PresenceLookup interface {
	Lookup(userID int64) (realtime.Handle, bool)
}

type ServiceConfig struct {
	Database *gorm.DB
	Presence PresenceLookup
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores notifications, fans them out to connected recipients and serves
// the per-user inbox and preferences.
type Service struct {
	db       *gorm.DB
	presence PresenceLookup
	clock    func() time.Time
	logger   *zap.Logger
	inflight sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Presence == nil {
		return nil, newServiceError(opServiceNew, "missing_presence", errMissingPresenceLookup)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, presence: cfg.Presence, clock: clock, logger: logger}, nil
}

// DispatchResult summarises one fanout.
type DispatchResult struct {
	// Stored counts durable rows, one per user.
	Stored    int
	// Targets counts users who have not disabled the type.
	Targets   int
	Delivered int
	Missed    int
}

// Request is a validated dispatch ready to run.
type Request struct {
	Type       Type
	Payload    Payload
	rawPayload datatypes.JSON
	message    string
	relatedURL *string
}

// NewRequest validates the type and payload and renders the notification text.
func NewRequest(notificationType string, payload json.RawMessage) (Request, error) {
	parsedType, err := ParseType(notificationType)
	if err != nil {
		return Request{}, err
	}
	var decoded Payload
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded == nil {
		return Request{}, ErrInvalidPayload
	}
	message, relatedURL, err := Render(parsedType, decoded)
	if err != nil {
		return Request{}, err
	}
	if message == "" {
		return Request{}, ErrEmptyMessage
	}
	return Request{
		Type:       parsedType,
		Payload:    decoded,
		rawPayload: datatypes.JSON(append([]byte(nil), payload...)),
		message:    message,
		relatedURL: relatedURL,
	}, nil
}

// Trigger validates the request and dispatches it in the background. The caller
// does not wait for delivery.
func (s *Service) Trigger(notificationType string, payload json.RawMessage) error {
	request, err := NewRequest(notificationType, payload)
	if err != nil {
		return err
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if _, err := s.Dispatch(ctx, request); err != nil {
			s.logger.Warn("background notification dispatch failed",
				zap.String(fieldNotification, string(request.Type)),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every triggered dispatch has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Dispatch stores a notification for every user and pushes it to the connected
// users who have not disabled the type. Only pushed rows are marked live. A failed
// push to one recipient does not affect the others; offline recipients rely on
// the stored row.
func (s *Service) Dispatch(ctx context.Context, request Request) (DispatchResult, error) {
	var userIDs []int64
	if err := s.db.WithContext(ctx).
		Table("users").
		Order("id").
		Pluck("id", &userIDs).Error; err != nil {
		s.logError(opDispatch, "user_query_failed", err, zap.String(fieldNotification, string(request.Type)))
		return DispatchResult{}, newServiceError(opDispatch, "user_query_failed", err)
	}
	var disabledIDs []int64
	if err := s.db.WithContext(ctx).
		Model(&Preference{}).
		Where("notification_type = ? AND is_enabled = ?", request.Type, false).
		Pluck("user_id", &disabledIDs).Error; err != nil {
		s.logError(opDispatch, "preference_query_failed", err, zap.String(fieldNotification, string(request.Type)))
		return DispatchResult{}, newServiceError(opDispatch, "preference_query_failed", err)
	}
	disabled := make(map[int64]struct{}, len(disabledIDs))
	for _, userID := range disabledIDs {
		disabled[userID] = struct{}{}
	}

	result := DispatchResult{}
	if len(userIDs) == 0 {
		return result, nil
	}

	createdAt := s.clock().UTC().Truncate(time.Millisecond)
	rows := make([]Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, optedOut := disabled[userID]; !optedOut {
			result.Targets++
		}
		rows = append(rows, Notification{
			UserID:     userID,
			Type:       request.Type,
			Message:    request.message,
			RelatedURL: request.relatedURL,
			Payload:    request.rawPayload,
			CreatedAt:  createdAt,
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error; err != nil {
		s.logError(opDispatch, "insert_failed", err,
			zap.String(fieldNotification, string(request.Type)),
			zap.Int("row_count", len(rows)))
		return result, newServiceError(opDispatch, "insert_failed", err)
	}
	result.Stored = len(rows)
	metrics.NotificationsTotal.WithLabelValues(metrics.OutcomeStored).Add(float64(len(rows)))

	delivered := make([]int64, 0)
	for _, row := range rows {
		if _, optedOut := disabled[row.UserID]; optedOut {
			continue
		}
		handle, ok := s.presence.Lookup(row.UserID)
		if !ok {
			result.Missed++
			continue
		}
		frame, err := realtime.EncodeEvent(realtime.NewNotification{
			ID:         row.ID,
			Type:       string(row.Type),
			Message:    row.Message,
			RelatedURL: row.RelatedURL,
			Data:       json.RawMessage(row.Payload),
		})
		if err != nil {
			s.logError(opDispatch, "encode_failed", err, zap.Int64("user_id", row.UserID))
			result.Missed++
			continue
		}
		if !handle.Send(frame) {
			result.Missed++
			continue
		}
		result.Delivered++
		delivered = append(delivered, row.ID)
	}

	if len(delivered) > 0 {
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id IN ?", delivered).
			UpdateColumn("live_delivered", true).Error; err != nil {
			s.logger.Warn("mark live delivery failed",
				zap.String(fieldNotification, string(request.Type)),
				zap.Int("delivered_count", len(delivered)),
				zap.Error(err))
		}
	}
	metrics.NotificationsTotal.WithLabelValues(metrics.OutcomeDelivered).Add(float64(result.Delivered))
	metrics.NotificationsTotal.WithLabelValues(metrics.OutcomeMissed).Add(float64(result.Missed))
	s.logger.Info("notification dispatched",
		zap.String(fieldNotification, string(request.Type)),
		zap.Int("stored_count", result.Stored),
		zap.Int("target_count", result.Targets),
		zap.Int("delivered_count", result.Delivered),
		zap.Int("missed_count", result.Missed))
	return result, nil
}

// View is the inbox shape of a stored notification.
type View struct {
	ID         int64     `json:"id"`
	Type       Type      `json:"type"`
	Message    string    `json:"message"`
	RelatedURL *string   `json:"related_url"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page is one page of a user's inbox.
type Page struct {
	Notifications []View `json:"notifications"`
	Total         int64  `json:"total"`
	UnreadCount   int64  `json:"unread_count"`
	Page          int    `json:"page"`
	Limit         int    `json:"limit"`
}

// List returns a page of the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID int64, page, limit int) (Page, error) {
	if page <= 0 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	var rows []Notification
	if err := s.db.WithContext(ctx).
		Select("id", "type", "message", "related_url", "is_read", "created_at").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.Int64("user_id", userID))
		return Page{}, newServiceError(opList, "query_failed", err)
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Notification{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err, zap.Int64("user_id", userID))
		return Page{}, newServiceError(opList, "count_failed", err)
	}
	unread, err := s.UnreadCount(ctx, userID)
	if err != nil {
		return Page{}, err
	}

	views := make([]View, 0, len(rows))
	for _, row := range rows {
		views = append(views, View{
			ID:         row.ID,
			Type:       row.Type,
			Message:    row.Message,
			RelatedURL: row.RelatedURL,
			IsRead:     row.IsRead,
			CreatedAt:  row.CreatedAt.UTC(),
		})
	}
	return Page{Notifications: views, Total: total, UnreadCount: unread, Page: page, Limit: limit}, nil
}

// UnreadCount returns the number of unread notifications for the user.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	var unread int64
	if err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&unread).Error; err != nil {
		s.logError(opUnreadCount, "count_failed", err, zap.Int64("user_id", userID))
		return 0, newServiceError(opUnreadCount, "count_failed", err)
	}
	return unread, nil
}

// MarkRead marks one of the user's notifications read. Notifications owned by
// someone else are reported as not found.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID int64) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", notificationID, userID, false).
		UpdateColumn("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.Int64("notification_id", notificationID))
		return newServiceError(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var owned int64
	if err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Count(&owned).Error; err != nil {
		s.logError(opMarkRead, "ownership_check_failed", err, zap.Int64("notification_id", notificationID))
		return newServiceError(opMarkRead, "ownership_check_failed", err)
	}
	if owned == 0 {
		return newServiceError(opMarkRead, "not_found", ErrNotificationNotFound)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user read and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		UpdateColumn("is_read", true)
	if result.Error != nil {
		s.logError(opMarkAllRead, "update_failed", result.Error, zap.Int64("user_id", userID))
		return 0, newServiceError(opMarkAllRead, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Setting is one user-facing preference toggle.
type Setting struct {
	NotificationType Type `json:"notification_type"`
	IsEnabled        bool `json:"is_enabled"`
}

// Settings returns every user-configurable type, defaulting to enabled.
func (s *Service) Settings(ctx context.Context, userID int64) ([]Setting, error) {
	var rows []Preference
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		s.logError(opSettings, "query_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opSettings, "query_failed", err)
	}
	stored := make(map[Type]bool, len(rows))
	for _, row := range rows {
		stored[row.NotificationType] = row.IsEnabled
	}
	settings := make([]Setting, 0, len(UserConfigurableTypes))
	for _, notificationType := range UserConfigurableTypes {
		enabled, ok := stored[notificationType]
		if !ok {
			enabled = true
		}
		settings = append(settings, Setting{NotificationType: notificationType, IsEnabled: enabled})
	}
	return settings, nil
}

// UpdateSettings upserts the given toggles in one transaction.
func (s *Service) UpdateSettings(ctx context.Context, userID int64, settings []Setting) error {
	now := s.clock().UTC()
	rows := make([]Preference, 0, len(settings))
	for _, setting := range settings {
		if _, err := ParseType(string(setting.NotificationType)); err != nil {
			return newServiceError(opUpdateSettings, "unknown_type", err)
		}
		rows = append(rows, Preference{
			UserID:           userID,
			NotificationType: setting.NotificationType,
			IsEnabled:        setting.IsEnabled,
			UpdatedAt:        now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range rows {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "notification_type"}},
				DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "updated_at"}),
			}).Create(&rows[index]).Error; err != nil {
				s.logError(opUpdateSettings, "upsert_failed", err,
					zap.Int64("user_id", userID),
					zap.String(fieldNotification, string(rows[index].NotificationType)))
				return newServiceError(opUpdateSettings, "upsert_failed", err)
			}
		}
		return nil
	})
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
	s.logger.Error("notification service failure", allFields...)
}
