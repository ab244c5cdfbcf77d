package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// ItemObservation describes the remote-visible state of a task after a
// reconciled write. Consumers use it to react to completion and deletion of
// tasks they track.
type ItemObservation struct {
	RemoteID    string
	Completed   bool
	CompletedAt *time.Time
	Deleted     bool
}

// ItemObserver is notified after every mutating item reconciliation.
type ItemObserver interface {
	ObserveItem(ctx context.Context, observation ItemObservation) error
}

// StoreConfig describes the dependencies for the mirrored-entity store.
type StoreConfig struct {
	Database     *gorm.DB
	ItemObserver ItemObserver
}

// Store applies reconciled writes to the mirrored-entity tables. All writes
// are single-row upserts keyed by remote id; the version gate in Reconcile
// is the sole conflict-resolution mechanism.
type Store struct {
	db       *gorm.DB
	observer ItemObserver
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("mirror: %w", errMissingDatabase)
	}
	return &Store{
		db:       cfg.Database,
		observer: cfg.ItemObserver,
	}, nil
}

// ApplyProject reconciles one incoming project payload.
func (s *Store) ApplyProject(ctx context.Context, raw RawProject, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Project
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	stored.RemoteID = remoteID.String()
	stored.Name = raw.Name
	stored.Color = raw.Color
	stored.ParentRemoteID = raw.ParentID.Pointer(stored.ParentRemoteID)
	stored.ChildOrder = raw.ChildOrder
	stored.IsShared = raw.IsShared
	stored.IsArchived = raw.IsArchived
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	return action, s.persist(ctx, action, &stored)
}

// ApplySection reconciles one incoming section payload.
func (s *Store) ApplySection(ctx context.Context, raw RawSection, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Section
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	stored.RemoteID = remoteID.String()
	stored.ProjectRemoteID = raw.ProjectID
	stored.Name = raw.Name
	stored.SectionOrder = raw.SectionOrder
	stored.IsArchived = raw.IsArchived
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	return action, s.persist(ctx, action, &stored)
}

// ApplyLabel reconciles one incoming label payload.
func (s *Store) ApplyLabel(ctx context.Context, raw RawLabel, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Label
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	stored.RemoteID = remoteID.String()
	stored.Name = raw.Name
	stored.Color = raw.Color
	stored.ItemOrder = raw.ItemOrder
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	return action, s.persist(ctx, action, &stored)
}

// ApplyItem reconciles one incoming task payload and, when the write lands,
// notifies the item observer so routine-linked tasks can follow the remote
// task's status.
func (s *Store) ApplyItem(ctx context.Context, raw RawItem, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Item
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	labelsJSON, err := encodeLabels(raw.Labels)
	if err != nil {
		return ActionSkip, err
	}

	stored.RemoteID = remoteID.String()
	stored.ProjectRemoteID = raw.ProjectID
	stored.SectionRemoteID = raw.SectionID.Pointer(stored.SectionRemoteID)
	stored.Content = raw.Content
	stored.Description = raw.Description
	stored.Priority = raw.Priority
	stored.LabelsJSON = labelsJSON
	stored.DueDate = raw.DueDate.Pointer(stored.DueDate)
	stored.Deadline = raw.Deadline.Pointer(stored.Deadline)
	stored.IsCompleted = raw.Checked
	stored.CompletedAt = raw.CompletedAt.Pointer(stored.CompletedAt)
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	if err := s.persist(ctx, action, &stored); err != nil {
		return action, err
	}

	if s.observer != nil {
		observation := ItemObservation{
			RemoteID:    stored.RemoteID,
			Completed:   stored.IsCompleted,
			CompletedAt: stored.CompletedAt,
			Deleted:     stored.IsDeleted,
		}
		if err := s.observer.ObserveItem(ctx, observation); err != nil {
			return action, err
		}
	}

	return action, nil
}

// ApplyNote reconciles one incoming comment payload.
func (s *Store) ApplyNote(ctx context.Context, raw RawNote, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Note
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	stored.RemoteID = remoteID.String()
	stored.ItemRemoteID = raw.ItemID
	stored.Content = raw.Content
	stored.PostedAt = raw.PostedAt.Pointer(stored.PostedAt)
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	return action, s.persist(ctx, action, &stored)
}

// ApplyReminder reconciles one incoming reminder payload.
func (s *Store) ApplyReminder(ctx context.Context, raw RawReminder, observedAt time.Time) (Action, error) {
	remoteID, err := NewRemoteID(raw.ID)
	if err != nil {
		return ActionSkip, err
	}

	var stored Reminder
	exists, err := s.lookup(ctx, &stored, remoteID)
	if err != nil {
		return ActionSkip, err
	}

	incomingVersion := raw.VersionAt(observedAt)
	action := Reconcile(exists, stored.SyncVersion, incomingVersion)
	if !action.Mutated() {
		return action, nil
	}

	stored.RemoteID = remoteID.String()
	stored.ItemRemoteID = raw.ItemID
	stored.DueDate = raw.DueDate.Pointer(stored.DueDate)
	stored.IsDeleted = raw.IsDeleted
	stored.SyncVersion = incomingVersion

	return action, s.persist(ctx, action, &stored)
}

// ListItems returns all live (non-tombstoned) mirrored tasks, most recently
// updated first.
func (s *Store) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("updated_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) lookup(ctx context.Context, dest interface{}, remoteID RemoteID) (bool, error) {
	err := s.db.WithContext(ctx).Where("remote_id = ?", remoteID.String()).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) persist(ctx context.Context, action Action, row interface{}) error {
	db := s.db.WithContext(ctx)
	if action == ActionInsert {
		return db.Create(row).Error
	}
	return db.Save(row).Error
}

func encodeLabels(labels []string) (string, error) {
	if len(labels) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
