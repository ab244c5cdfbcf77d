package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameBiweeklyFrequency = "2026-05-11_rename_biweekly_frequency"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenameBiweeklyFrequency, apply: renameBiweeklyFrequency},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early builds stored the fortnightly cadence as "biweekly".
func renameBiweeklyFrequency(db *gorm.DB) error {
	return db.Model(&routine.Routine{}).
		Where("frequency = ?", "biweekly").
		Update("frequency", routine.FrequencyEveryOtherWeek).Error
}
