package routine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// missedGraceDays is how long past due a pending instance survives
	// before the aging pass marks it missed. Comparison is on
	// date-truncated UTC days.
	missedGraceDays = 2

	// sentinelRepairAge is how old an unresolved PENDING link must be
	// before the repair pass retries the remote create.
	sentinelRepairAge = 24 * time.Hour

	// generatedTaskLabel is always attached to remotely created instances.
	generatedTaskLabel = "routine"
)

// RemoteTasks is the slice of the remote client the scheduler needs.
type RemoteTasks interface {
	CreateTask(ctx context.Context, draft remote.TaskDraft) (string, error)
	CompleteTask(ctx context.Context, remoteTaskID string) error
}

// RunSummary reports the outcome of one scheduler run.
type RunSummary struct {
	RoutinesProcessed int           `json:"routines_processed"`
	TasksCreated      int           `json:"tasks_created"`
	TasksMissed       int           `json:"tasks_missed"`
	TasksDeferred     int           `json:"tasks_deferred"`
	Errors            []string      `json:"errors"`
	Duration          time.Duration `json:"duration"`
}

// SchedulerConfig describes the dependencies for the daily scheduler.
type SchedulerConfig struct {
	Database   *gorm.DB
	Routines   *Service
	Remote     RemoteTasks
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Scheduler runs the daily routine pass: aging existing instances, repairing
// in-flight remote creates, then generating the next instance for every
// routine whose window has arrived. Re-running it is always safe: generation
// is gated on "no pending instance", and aging transitions are one-way.
type Scheduler struct {
	db       *gorm.DB
	routines *Service
	remote   RemoteTasks
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
}

// NewScheduler constructs the scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Database == nil {
		return nil, newServiceError("routine.scheduler.new", "missing_database", errMissingDatabase)
	}
	if cfg.Routines == nil {
		return nil, newServiceError("routine.scheduler.new", "missing_routines", fmt.Errorf("routine service is required"))
	}
	if cfg.Remote == nil {
		return nil, newServiceError("routine.scheduler.new", "missing_remote", fmt.Errorf("remote task client is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError("routine.scheduler.new", "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		db:       cfg.Database,
		routines: cfg.Routines,
		remote:   cfg.Remote,
		ids:      cfg.IDProvider,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run executes one scheduler pass. Per-routine failures are recorded in the
// summary and never abort the remaining routines.
func (s *Scheduler) Run(ctx context.Context) (RunSummary, error) {
	started := s.clock()
	summary := RunSummary{Errors: []string{}}

	routines, err := s.routines.ListRoutines(ctx)
	if err != nil {
		return summary, err
	}
	routinesByID := make(map[string]Routine, len(routines))
	for _, r := range routines {
		routinesByID[r.ID] = r
	}

	s.agePendingTasks(ctx, routinesByID, &summary)
	s.repairSentinels(ctx, routinesByID, &summary)

	for _, r := range routines {
		summary.RoutinesProcessed++
		if r.Deferred {
			continue
		}
		if err := s.generateFor(ctx, r, &summary); err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("routine %s: %v", r.ID, err))
		}
	}

	summary.Duration = s.clock().Sub(started)
	s.logger.Info("routine scheduler run completed",
		zap.Int("routines_processed", summary.RoutinesProcessed),
		zap.Int("tasks_created", summary.TasksCreated),
		zap.Int("tasks_missed", summary.TasksMissed),
		zap.Int("tasks_deferred", summary.TasksDeferred),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// agePendingTasks transitions pending instances whose routine is deferred to
// deferred, and pending instances more than missedGraceDays past due to
// missed. A missed instance also gets a remote complete so the remote
// service's state matches the locally resolved one; local history is
// authoritative, so the local transition happens even when the remote call
// fails.
func (s *Scheduler) agePendingTasks(ctx context.Context, routinesByID map[string]Routine, summary *RunSummary) {
	var pending []RoutineTask
	if err := s.db.WithContext(ctx).Where("status = ?", TaskStatusPending).Find(&pending).Error; err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("aging query: %v", err))
		return
	}

	today := dateOnly(s.clock())
	missedCutoff := today.AddDate(0, 0, -missedGraceDays)

	for _, task := range pending {
		owner, known := routinesByID[task.RoutineID]
		if !known {
			// Orphaned instance; leave it for the explicit user clear.
			continue
		}

		switch {
		case owner.Deferred:
			task.Status = TaskStatusDeferred
			if err := s.saveAged(ctx, task); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
				continue
			}
			summary.TasksDeferred++

		case dateOnly(task.DueDate).Before(missedCutoff):
			task.Status = TaskStatusMissed
			if err := s.saveAged(ctx, task); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
				continue
			}
			summary.TasksMissed++

			if task.RemoteTaskID != PendingRemoteTaskID {
				if err := s.remote.CompleteTask(ctx, task.RemoteTaskID); err != nil {
					s.logger.Warn("remote complete for missed task failed",
						zap.String("task_id", task.ID),
						zap.String("remote_task_id", task.RemoteTaskID),
						zap.Error(err))
					summary.Errors = append(summary.Errors,
						fmt.Sprintf("task %s: remote complete: %v", task.ID, err))
				}
			}
		}
	}
}

func (s *Scheduler) saveAged(ctx context.Context, task RoutineTask) error {
	if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
		return err
	}
	_, err := s.routines.RefreshRates(ctx, task.RoutineID)
	return err
}

// repairSentinels retries the remote create for pending instances whose link
// is still the PENDING sentinel, meaning an earlier run crashed or failed
// between the local insert and the remote create. The pending row itself is
// what blocks re-generation in the meantime.
func (s *Scheduler) repairSentinels(ctx context.Context, routinesByID map[string]Routine, summary *RunSummary) {
	var stale []RoutineTask
	cutoff := s.clock().Add(-sentinelRepairAge)
	err := s.db.WithContext(ctx).
		Where("status = ? AND remote_task_id = ? AND created_at < ?",
			TaskStatusPending, PendingRemoteTaskID, cutoff).
		Find(&stale).Error
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("sentinel query: %v", err))
		return
	}

	for _, task := range stale {
		owner, known := routinesByID[task.RoutineID]
		if !known {
			continue
		}
		remoteID, err := s.createRemoteTask(ctx, owner, task.DueDate)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("task %s: sentinel repair: %v", task.ID, err))
			continue
		}
		task.RemoteTaskID = remoteID
		if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("task %s: sentinel link: %v", task.ID, err))
		}
	}
}

// generateFor creates the next instance for one routine when none is
// outstanding and the occurrence window has arrived. The local row is
// inserted first with the PENDING sentinel, then linked to the remote task;
// a crash between the two steps leaves a repairable in-flight record rather
// than an opening for double generation.
func (s *Scheduler) generateFor(ctx context.Context, r Routine, summary *RunSummary) error {
	outstanding, err := s.routines.pendingCount(ctx, r.ID, "")
	if err != nil {
		return fmt.Errorf("pending count: %w", err)
	}
	if outstanding > 0 {
		return nil
	}

	occurrence, err := NextOccurrence(r, s.clock())
	if err != nil {
		return err
	}
	if !occurrence.Arrived(s.clock()) {
		return nil
	}

	taskID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("id generation: %w", err)
	}

	task := RoutineTask{
		ID:           taskID,
		RoutineID:    r.ID,
		RemoteTaskID: PendingRemoteTaskID,
		ReadyDate:    occurrence.ReadyDate,
		DueDate:      occurrence.DueDate,
		Status:       TaskStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("local insert: %w", err)
	}

	remoteID, err := s.createRemoteTask(ctx, r, occurrence.DueDate)
	if err != nil {
		// The sentinel row stays: it blocks re-generation and the repair
		// pass retries the create on the next run.
		return fmt.Errorf("remote create: %w", err)
	}

	task.RemoteTaskID = remoteID
	if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
		return fmt.Errorf("remote link: %w", err)
	}

	summary.TasksCreated++
	s.logger.Info("routine instance generated",
		zap.String("routine_id", r.ID),
		zap.String("task_id", task.ID),
		zap.String("remote_task_id", remoteID),
		zap.Time("ready_date", task.ReadyDate))
	return nil
}

func (s *Scheduler) createRemoteTask(ctx context.Context, r Routine, dueDate time.Time) (string, error) {
	labels, err := decodeLabels(r.LabelsJSON)
	if err != nil {
		return "", err
	}
	labels = appendUniqueLabel(labels, generatedTaskLabel)

	draft := remote.TaskDraft{
		Content:  r.Name,
		Labels:   labels,
		Priority: r.Priority,
		DueDate:  &dueDate,
	}
	if r.TargetProjectID != nil {
		draft.ProjectID = *r.TargetProjectID
	}
	return s.remote.CreateTask(ctx, draft)
}

func decodeLabels(labelsJSON string) ([]string, error) {
	if labelsJSON == "" {
		return nil, nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func appendUniqueLabel(labels []string, label string) []string {
	for _, existing := range labels {
		if existing == label {
			return labels
		}
	}
	return append(labels, label)
}
