package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatal("expected error for empty database path")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "taskmirror.db")

	db, err := OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{
		"projects", "sections", "labels", "items", "notes", "reminders",
		"sync_cursors", "webhook_events", "routines", "routine_tasks", "db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q after migration", table)
		}
	}
}

func TestRenameBiweeklyFrequencyMigration(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "taskmirror.db")

	// Seed a legacy row before the named migrations have run.
	seed, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := seed.AutoMigrate(&routine.Routine{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	legacy := routine.Routine{
		ID:        "routine-legacy",
		Name:      "change sheets",
		Frequency: routine.Frequency("biweekly"),
		Priority:  1,
	}
	if err := seed.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed routine: %v", err)
	}
	modern := routine.Routine{
		ID:        "routine-modern",
		Name:      "water plants",
		Frequency: routine.FrequencyWeekly,
		Priority:  1,
	}
	if err := seed.Create(&modern).Error; err != nil {
		t.Fatalf("failed to seed routine: %v", err)
	}

	db, err := OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	var migrated routine.Routine
	if err := db.Where("id = ?", "routine-legacy").Take(&migrated).Error; err != nil {
		t.Fatalf("failed to load routine: %v", err)
	}
	if migrated.Frequency != routine.FrequencyEveryOtherWeek {
		t.Fatalf("expected legacy cadence renamed, got %q", migrated.Frequency)
	}

	var untouched routine.Routine
	if err := db.Where("id = ?", "routine-modern").Take(&untouched).Error; err != nil {
		t.Fatalf("failed to load routine: %v", err)
	}
	if untouched.Frequency != routine.FrequencyWeekly {
		t.Fatalf("migration must not touch other rows, got %q", untouched.Frequency)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationRenameBiweeklyFrequency).Take(&record).Error; err != nil {
		t.Fatalf("expected migration ledger entry: %v", err)
	}

	// Reopening must not re-run the recorded migration.
	if _, err := OpenSQLite(databasePath, nil); err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	var count int64
	db.Model(&migrationRecord{}).Where("name = ?", migrationRenameBiweeklyFrequency).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single ledger entry, got %d", count)
	}
}
