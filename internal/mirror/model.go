package mirror

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// ErrInvalidRemoteID indicates that a remote identifier is empty or exceeds storage bounds.
var ErrInvalidRemoteID = errors.New("mirror: invalid remote id")

// RemoteID represents a validated remote-service identifier.
type RemoteID string

// NewRemoteID validates raw input and returns a RemoteID.
func NewRemoteID(rawInput string) (RemoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRemoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRemoteID, maxIdentifierLength)
	}
	return RemoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RemoteID) String() string {
	return string(id)
}

// Project mirrors a remote project row. RemoteID is the natural key; rows are
// never hard-deleted, only tombstoned via IsDeleted/IsArchived.
type Project struct {
	RemoteID       string    `gorm:"column:remote_id;primaryKey;size:190;not null"`
	Name           string    `gorm:"column:name;size:512;not null"`
	Color          string    `gorm:"column:color;size:64"`
	ParentRemoteID *string   `gorm:"column:parent_remote_id;size:190"`
	ChildOrder     int       `gorm:"column:child_order;not null;default:0"`
	IsShared       bool      `gorm:"column:is_shared;not null;default:false"`
	IsArchived     bool      `gorm:"column:is_archived;not null;default:false"`
	IsDeleted      bool      `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion    int64     `gorm:"column:sync_version;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Section mirrors a remote section row.
type Section struct {
	RemoteID        string    `gorm:"column:remote_id;primaryKey;size:190;not null"`
	ProjectRemoteID string    `gorm:"column:project_remote_id;size:190;not null;index"`
	Name            string    `gorm:"column:name;size:512;not null"`
	SectionOrder    int       `gorm:"column:section_order;not null;default:0"`
	IsArchived      bool      `gorm:"column:is_archived;not null;default:false"`
	IsDeleted       bool      `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion     int64     `gorm:"column:sync_version;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Section) TableName() string {
	return "sections"
}

// Label mirrors a remote label row.
type Label struct {
	RemoteID    string    `gorm:"column:remote_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:256;not null"`
	Color       string    `gorm:"column:color;size:64"`
	ItemOrder   int       `gorm:"column:item_order;not null;default:0"`
	IsDeleted   bool      `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion int64     `gorm:"column:sync_version;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Label) TableName() string {
	return "labels"
}

// Item mirrors a remote task row. Labels are stored as a JSON-encoded string
// array, matching the wire representation.
type Item struct {
	RemoteID        string     `gorm:"column:remote_id;primaryKey;size:190;not null"`
	ProjectRemoteID string     `gorm:"column:project_remote_id;size:190;not null;index"`
	SectionRemoteID *string    `gorm:"column:section_remote_id;size:190"`
	Content         string     `gorm:"column:content;type:text;not null"`
	Description     string     `gorm:"column:description;type:text"`
	Priority        int        `gorm:"column:priority;not null;default:1"`
	LabelsJSON      string     `gorm:"column:labels_json;type:text;not null;default:'[]'"`
	DueDate         *time.Time `gorm:"column:due_date"`
	Deadline        *time.Time `gorm:"column:deadline"`
	IsCompleted     bool       `gorm:"column:is_completed;not null;default:false"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	IsDeleted       bool       `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion     int64      `gorm:"column:sync_version;not null;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "items"
}

// Note mirrors a remote comment row attached to an item.
type Note struct {
	RemoteID     string     `gorm:"column:remote_id;primaryKey;size:190;not null"`
	ItemRemoteID string     `gorm:"column:item_remote_id;size:190;not null;index"`
	Content      string     `gorm:"column:content;type:text;not null"`
	PostedAt     *time.Time `gorm:"column:posted_at"`
	IsDeleted    bool       `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion  int64      `gorm:"column:sync_version;not null;default:0"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Reminder mirrors a remote reminder row attached to an item.
type Reminder struct {
	RemoteID     string     `gorm:"column:remote_id;primaryKey;size:190;not null"`
	ItemRemoteID string     `gorm:"column:item_remote_id;size:190;not null;index"`
	DueDate      *time.Time `gorm:"column:due_date"`
	IsDeleted    bool       `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion  int64      `gorm:"column:sync_version;not null;default:0"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Reminder) TableName() string {
	return "reminders"
}
