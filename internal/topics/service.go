package topics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTopicNotFound     = errors.New("topics: topic not found")
	ErrTopicNotPreparing = errors.New("topics: topic is not in PREPARING state")
	ErrInvalidVoteWindow = errors.New("topics: vote end must follow vote start")
	errMissingDatabase   = errors.New("database handle is required")
	noOpLogger           = zap.NewNop()
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
	opServiceNew   = "topics.service.new"
	opCreate       = "topics.create"
	opGet          = "topics.get"
	opPublish      = "topics.publish"
	opCloseExpired = "topics.close_expired"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns topic lifecycle transitions.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
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
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create inserts a PREPARING topic. Topic authoring lives elsewhere; this backs
// operator tooling and tests.
func (s *Service) Create(ctx context.Context, displayName string) (Topic, error) {
	topic := Topic{
		DisplayName: strings.TrimSpace(displayName),
		Status:      StatusPreparing,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&topic).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return Topic{}, newServiceError(opCreate, "insert_failed", err)
	}
	return topic, nil
}

// Get loads a topic by id.
func (s *Service) Get(ctx context.Context, topicID int64) (Topic, error) {
	var topic Topic
	err := s.db.WithContext(ctx).Where("id = ?", topicID).Take(&topic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Topic{}, ErrTopicNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("topic_id", topicID))
		return Topic{}, newServiceError(opGet, "query_failed", err)
	}
	return topic, nil
}

// Exists reports whether a topic with the id is stored.
func (s *Service) Exists(ctx context.Context, topicID int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Topic{}).Where("id = ?", topicID).Count(&count).Error; err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("topic_id", topicID))
		return false, newServiceError(opGet, "query_failed", err)
	}
	return count > 0, nil
}

// PublishRequest opens voting on a prepared topic.
type PublishRequest struct {
	TopicID     int64
	VoteStartAt *time.Time
	VoteEndAt   *time.Time
}

// Publish moves a topic from PREPARING to OPEN. Any other starting status yields
// ErrTopicNotPreparing and leaves the row untouched.
func (s *Service) Publish(ctx context.Context, request PublishRequest) (Topic, error) {
	voteStart := request.VoteStartAt
	if voteStart == nil {
		now := s.clock().UTC()
		voteStart = &now
	}
	if request.VoteEndAt != nil && !request.VoteEndAt.After(*voteStart) {
		return Topic{}, ErrInvalidVoteWindow
	}

	var published Topic
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":        StatusOpen,
			"vote_start_at": voteStart.UTC(),
		}
		if request.VoteEndAt != nil {
			updates["vote_end_at"] = request.VoteEndAt.UTC()
		}
		result := tx.Model(&Topic{}).
			Where("id = ? AND status = ?", request.TopicID, StatusPreparing).
			Updates(updates)
		if result.Error != nil {
			s.logError(opPublish, "update_failed", result.Error, zap.Int64("topic_id", request.TopicID))
			return newServiceError(opPublish, "update_failed", result.Error)
		}
		err := tx.Where("id = ?", request.TopicID).Take(&published).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTopicNotFound
		}
		if err != nil {
			s.logError(opPublish, "reload_failed", err, zap.Int64("topic_id", request.TopicID))
			return newServiceError(opPublish, "reload_failed", err)
		}
		if result.RowsAffected == 0 {
			return ErrTopicNotPreparing
		}
		return nil
	})
	if txErr != nil {
		return Topic{}, txErr
	}
	return published, nil
}

// CloseExpired transitions every OPEN topic whose voting deadline is at or before
// now to CLOSED and returns the ids it closed. Each update repeats the selection
// predicate, so a topic closed concurrently is left out of the result.
func (s *Service) CloseExpired(ctx context.Context, now time.Time) ([]int64, error) {
	now = now.UTC()
	var closed []int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []int64
		if err := tx.Model(&Topic{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND vote_end_at IS NOT NULL AND vote_end_at <= ?", StatusOpen, now).
			Order("id").
			Pluck("id", &candidates).Error; err != nil {
			s.logError(opCloseExpired, "select_failed", err)
			return newServiceError(opCloseExpired, "select_failed", err)
		}
		if len(candidates) == 0 {
			return nil
		}
		closed = make([]int64, 0, len(candidates))
		for _, topicID := range candidates {
			result := tx.Model(&Topic{}).
				Where("id = ? AND status = ? AND vote_end_at <= ?", topicID, StatusOpen, now).
				Update("status", StatusClosed)
			if result.Error != nil {
				s.logError(opCloseExpired, "update_failed", result.Error, zap.Int64("topic_id", topicID))
				return newServiceError(opCloseExpired, "update_failed", result.Error)
			}
			if result.RowsAffected == 1 {
				closed = append(closed, topicID)
			}
		}
		if len(closed) != len(candidates) {
			s.logger.Info("topics closed concurrently were skipped",
				zap.Int("candidate_count", len(candidates)),
				zap.Int("closed_count", len(closed)),
			)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return closed, nil
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
	s.logger.Error("topic service failure", allFields...)
}
