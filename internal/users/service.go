package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidNickname = errors.New("users: nickname required")
	ErrUserNotFound    = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves author profiles and reads moderation counters.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Create inserts a user. It backs the operator tooling and tests; account signup
// lives outside this service.
func (s *Service) Create(ctx context.Context, nickname, profileImageURL string) (User, error) {
	nickname = normalize(nickname)
	if nickname == "" {
		return User{}, ErrInvalidNickname
	}
	user := User{
		Nickname:        nickname,
		ProfileImageURL: normalize(profileImageURL),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		s.logger.Error("create user", zap.String("nickname", nickname), zap.Error(err))
		return User{}, err
	}
	return user, nil
}

// Get loads one user.
func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Profiles resolves the author profiles for the given ids. Unknown ids are absent
// from the result.
func (s *Service) Profiles(ctx context.Context, userIDs []int64) (map[int64]Profile, error) {
	profiles := make(map[int64]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}
	unique := make([]int64, 0, len(userIDs))
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	var rows []User
	if err := s.db.WithContext(ctx).
		Select("id", "nickname", "profile_image_url").
		Where("id IN ?", unique).
		Find(&rows).Error; err != nil {
		s.logger.Error("resolve profiles", zap.Int("user_count", len(unique)), zap.Error(err))
		return nil, err
	}
	for _, row := range rows {
		profiles[row.ID] = Profile{
			UserID:          row.ID,
			Nickname:        row.Nickname,
			ProfileImageURL: row.ProfileImageURL,
		}
	}
	return profiles, nil
}
