package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultReportThreshold = 5
	maxReasonLength        = 255
)

var (
	ErrMessageNotFound = errors.New("moderation: message not found")
	errMissingDatabase = errors.New("database handle is required")
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
	opServiceNew = "moderation.service.new"
	opReport     = "moderation.report"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database    *gorm.DB
	Broadcaster realtime.Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
	Threshold   int
}

// Service aggregates message reports and hides messages once enough distinct
// users have reported them.
type Service struct {
	db          *gorm.DB
	broadcaster realtime.Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
	threshold   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultReportThreshold
	}
	return &Service{
		db:          cfg.Database,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
		threshold:   threshold,
	}, nil
}

// ReportOutcome describes the effect of one report.
type ReportOutcome struct {
	// Recorded is false when the reporter had already reported the message.
	Recorded    bool
	ReportCount int
	Hidden      bool
}

// Report records a report from reporterID against messageID. A repeat report from
// the same user is a successful no-op. The counter increment, the threshold check
// and the author penalty commit together with the report row.
func (s *Service) Report(ctx context.Context, messageID, reporterID int64, reason string) (ReportOutcome, error) {
	reason = truncateReason(strings.TrimSpace(reason))

	var outcome ReportOutcome
	var topicID int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message chat.Message
		err := tx.Select("id", "topic_id", "user_id").Where("id = ?", messageID).Take(&message).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opReport, "message_not_found", ErrMessageNotFound)
		}
		if err != nil {
			s.logError(opReport, "message_select_failed", err, zap.Int64("message_id", messageID))
			return newServiceError(opReport, "message_select_failed", err)
		}
		topicID = message.TopicID

		record := ReportRecord{
			MessageID: messageID,
			UserID:    reporterID,
			Reason:    reason,
			CreatedAt: s.clock().UTC(),
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if insert.Error != nil {
			s.logError(opReport, "record_insert_failed", insert.Error,
				zap.Int64("message_id", messageID),
				zap.Int64("user_id", reporterID))
			return newServiceError(opReport, "record_insert_failed", insert.Error)
		}
		if insert.RowsAffected == 0 {
			return s.loadCount(tx, messageID, &outcome)
		}
		outcome.Recorded = true

		if err := tx.Model(&chat.Message{}).
			Where("id = ?", messageID).
			UpdateColumn("report_count", gorm.Expr("report_count + ?", 1)).Error; err != nil {
			s.logError(opReport, "counter_update_failed", err, zap.Int64("message_id", messageID))
			return newServiceError(opReport, "counter_update_failed", err)
		}

		hide := tx.Model(&chat.Message{}).
			Where("id = ? AND status <> ? AND report_count >= ?", messageID, chat.StatusHidden, s.threshold).
			UpdateColumn("status", chat.StatusHidden)
		if hide.Error != nil {
			s.logError(opReport, "hide_failed", hide.Error, zap.Int64("message_id", messageID))
			return newServiceError(opReport, "hide_failed", hide.Error)
		}
		if hide.RowsAffected == 1 {
			outcome.Hidden = true
			if err := tx.Model(&users.User{}).
				Where("id = ?", message.UserID).
				UpdateColumn("warning_count", gorm.Expr("warning_count + ?", 1)).Error; err != nil {
				s.logError(opReport, "penalty_failed", err,
					zap.Int64("message_id", messageID),
					zap.Int64("user_id", message.UserID))
				return newServiceError(opReport, "penalty_failed", err)
			}
		}
		return s.loadCount(tx, messageID, &outcome)
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrMessageNotFound) {
			metrics.ReportsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
		return ReportOutcome{}, txErr
	}

	if !outcome.Recorded {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		s.logger.Debug("duplicate report ignored",
			zap.Int64("message_id", messageID),
			zap.Int64("user_id", reporterID))
		return outcome, nil
	}

	metrics.ReportsTotal.WithLabelValues(metrics.OutcomeRecorded).Inc()
	if outcome.Hidden {
		metrics.MessagesHiddenTotal.Inc()
		s.logger.Info("message hidden by reports",
			zap.Int64("message_id", messageID),
			zap.Int64("topic_id", topicID),
			zap.Int("report_count", outcome.ReportCount))
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(realtime.TopicRoom(topicID), realtime.MessageHidden{MessageID: messageID})
		}
	}
	return outcome, nil
}

func (s *Service) loadCount(tx *gorm.DB, messageID int64, outcome *ReportOutcome) error {
	var current chat.Message
	if err := tx.Select("id", "report_count").Where("id = ?", messageID).Take(&current).Error; err != nil {
		s.logError(opReport, "counter_reload_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(opReport, "counter_reload_failed", err)
	}
	outcome.ReportCount = current.ReportCount
	return nil
}

func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxReasonLength {
		return reason
	}
	return string(runes[:maxReasonLength])
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
	s.logger.Error("moderation service failure", allFields...)
}
