package syncer

import "time"

// SyncCursor stores the last known-good sync token for one remote service.
// There is exactly one row per service; it is created on first sync, updated
// after every successful cycle, and never deleted. The orchestrator is its
// only writer.
type SyncCursor struct {
	Service               string     `gorm:"column:service;primaryKey;size:64;not null"`
	Token                 string     `gorm:"column:token;size:512;not null"`
	LastFullSyncAt        *time.Time `gorm:"column:last_full_sync_at"`
	LastIncrementalSyncAt *time.Time `gorm:"column:last_incremental_sync_at"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
