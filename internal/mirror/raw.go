package mirror

import (
	"time"
)

// ResourceType names one mirrored resource collection as it appears on the
// wire.
type ResourceType string

const (
	ResourceProjects  ResourceType = "projects"
	ResourceSections  ResourceType = "sections"
	ResourceLabels    ResourceType = "labels"
	ResourceItems     ResourceType = "items"
	ResourceNotes     ResourceType = "notes"
	ResourceReminders ResourceType = "reminders"
)

// ResourceOrder is the fixed per-cycle processing order. Items reference
// projects and sections, notes and reminders reference items, so parents are
// reconciled first.
var ResourceOrder = []ResourceType{
	ResourceProjects,
	ResourceSections,
	ResourceLabels,
	ResourceItems,
	ResourceNotes,
	ResourceReminders,
}

// versionOrObserved substitutes a process-observed millisecond timestamp when
// the wire payload carries no version field. This weakens conflict detection
// to most-recently-observed-wins for those resource types; two updates seen
// within the same millisecond can race.
func versionOrObserved(wireVersion int64, observedAt time.Time) int64 {
	if wireVersion > 0 {
		return wireVersion
	}
	return observedAt.UnixMilli()
}

// RawProject is the wire shape of a project payload.
type RawProject struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Color      string        `json:"color"`
	ParentID   Field[string] `json:"parent_id"`
	ChildOrder int           `json:"child_order"`
	IsShared   bool          `json:"shared"`
	IsArchived bool          `json:"is_archived"`
	IsDeleted  bool          `json:"is_deleted"`
	Version    int64         `json:"v"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawProject) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(r.Version, observedAt)
}

// RawSection is the wire shape of a section payload.
type RawSection struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	SectionOrder int    `json:"section_order"`
	IsArchived   bool   `json:"is_archived"`
	IsDeleted    bool   `json:"is_deleted"`
	Version      int64  `json:"v"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawSection) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(r.Version, observedAt)
}

// RawLabel is the wire shape of a label payload.
type RawLabel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	ItemOrder int    `json:"item_order"`
	IsDeleted bool   `json:"is_deleted"`
	Version   int64  `json:"v"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawLabel) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(r.Version, observedAt)
}

// RawItem is the wire shape of a task payload. DueDate, Deadline, and
// CompletedAt are clearable: absent means leave unchanged, null means clear.
type RawItem struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	SectionID   Field[string]    `json:"section_id"`
	Content     string           `json:"content"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	Labels      []string         `json:"labels"`
	DueDate     Field[time.Time] `json:"due_date"`
	Deadline    Field[time.Time] `json:"deadline"`
	Checked     bool             `json:"checked"`
	CompletedAt Field[time.Time] `json:"completed_at"`
	IsDeleted   bool             `json:"is_deleted"`
	Version     int64            `json:"v"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawItem) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(r.Version, observedAt)
}

// RawNote is the wire shape of a comment payload. The protocol carries no
// version for notes; the observed timestamp substitutes.
type RawNote struct {
	ID        string           `json:"id"`
	ItemID    string           `json:"item_id"`
	Content   string           `json:"content"`
	PostedAt  Field[time.Time] `json:"posted_at"`
	IsDeleted bool             `json:"is_deleted"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawNote) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(0, observedAt)
}

// RawReminder is the wire shape of a reminder payload. The protocol carries
// no version for reminders; the observed timestamp substitutes.
type RawReminder struct {
	ID        string           `json:"id"`
	ItemID    string           `json:"item_id"`
	DueDate   Field[time.Time] `json:"due"`
	IsDeleted bool             `json:"is_deleted"`
}

// VersionAt resolves the conflict-resolution version for this payload.
func (r RawReminder) VersionAt(observedAt time.Time) int64 {
	return versionOrObserved(0, observedAt)
}
