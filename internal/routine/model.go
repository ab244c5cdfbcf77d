package routine

import (
	"time"
)

// Frequency enumerates the supported recurrence cadences.
type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceAWeek      Frequency = "twice_a_week"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyEveryOtherWeek  Frequency = "every_other_week"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyEveryOtherMonth Frequency = "every_other_month"
	FrequencyQuarterly       Frequency = "quarterly"
	FrequencyTwiceAYear      Frequency = "twice_a_year"
	FrequencyYearly          Frequency = "yearly"
	FrequencyEveryOtherYear  Frequency = "every_other_year"
)

// Valid reports whether the frequency is a known cadence.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceAWeek, FrequencyWeekly, FrequencyEveryOtherWeek,
		FrequencyMonthly, FrequencyEveryOtherMonth, FrequencyQuarterly,
		FrequencyTwiceAYear, FrequencyYearly, FrequencyEveryOtherYear:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of one generated routine instance.
// Completed, missed, and skipped are terminal. Deferred is terminal for the
// instance, but the owning routine resumes generating once undeferred.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusMissed    TaskStatus = "missed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusDeferred  TaskStatus = "deferred"
)

// Resolved reports whether the status counts toward completion rates.
func (s TaskStatus) Resolved() bool {
	return s == TaskStatusCompleted || s == TaskStatusMissed || s == TaskStatusSkipped
}

// PendingRemoteTaskID is the sentinel stored while the remote task create is
// in flight. A pending instance carrying it means "generation in flight",
// not "missing"; generation never runs again until it is resolved.
const PendingRemoteTaskID = "PENDING"

// Routine is a user-defined recurring task template.
type Routine struct {
	ID                    string     `gorm:"column:id;primaryKey;size:36;not null"`
	Name                  string     `gorm:"column:name;size:512;not null"`
	Frequency             Frequency  `gorm:"column:frequency;size:32;not null"`
	DurationMinutes       int        `gorm:"column:duration_minutes;not null;default:0"`
	TimeOfDay             *string    `gorm:"column:time_of_day;size:5"`
	IdealDay              *int       `gorm:"column:ideal_day"`
	TargetProjectID       *string    `gorm:"column:target_project_id;size:190"`
	LabelsJSON            string     `gorm:"column:labels_json;type:text;not null;default:'[]'"`
	Priority              int        `gorm:"column:priority;not null;default:1"`
	Deferred              bool       `gorm:"column:is_deferred;not null;default:false"`
	DeferralDate          *time.Time `gorm:"column:deferral_date"`
	LastCompletedDate     *time.Time `gorm:"column:last_completed_date"`
	CompletionRateOverall int        `gorm:"column:completion_rate_overall;not null;default:100"`
	CompletionRateMonth   int        `gorm:"column:completion_rate_month;not null;default:100"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Routine) TableName() string {
	return "routines"
}

// RoutineTask is one generated occurrence of a routine.
type RoutineTask struct {
	ID            string     `gorm:"column:id;primaryKey;size:36;not null"`
	RoutineID     string     `gorm:"column:routine_id;size:36;not null;index"`
	RemoteTaskID  string     `gorm:"column:remote_task_id;size:190;not null;index"`
	ReadyDate     time.Time  `gorm:"column:ready_date;not null"`
	DueDate       time.Time  `gorm:"column:due_date;not null"`
	Status        TaskStatus `gorm:"column:status;size:16;not null;index"`
	CompletedDate *time.Time `gorm:"column:completed_date"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RoutineTask) TableName() string {
	return "routine_tasks"
}
