package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/syncer"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/webhook"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&mirror.Project{},
		&mirror.Section{},
		&mirror.Label{},
		&mirror.Item{},
		&mirror.Note{},
		&mirror.Reminder{},
		&syncer.SyncCursor{},
		&webhook.WebhookEvent{},
		&routine.Routine{},
		&routine.RoutineTask{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
