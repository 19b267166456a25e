package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/moderation"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/topics"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects the relational backend.
type Config struct {
	Driver string
	DSN    string
}

// Open establishes the configured connection and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&users.User{},
		&topics.Topic{},
		&chat.Message{},
		&moderation.ReportRecord{},
		&notifications.Preference{},
		&notifications.Notification{},
		&migrationRecord{},
	)
}
