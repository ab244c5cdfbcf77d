package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrRoutineNotFound indicates the requested routine does not exist.
	// Reported to the caller; never retried.
	ErrRoutineNotFound = errors.New("routine: not found")
	// ErrInvalidRoutine indicates the draft or patch failed validation.
	ErrInvalidRoutine = errors.New("routine: invalid definition")
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "routine.service.new"
	opCreate       = "routine.create"
	opUpdate       = "routine.update"
	opDelete       = "routine.delete"
	opList         = "routine.list"
	opSetDeferred  = "routine.set_deferred"
	opClearPending = "routine.clear_pending"
	opObserveItem  = "routine.observe_item"
	opRefreshRates = "routine.refresh_rates"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider generates identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// RemoteTaskDeleter removes tasks on the remote side. Nil disables remote
// cleanup, which keeps the service usable without remote credentials.
type RemoteTaskDeleter interface {
	DeleteTask(ctx context.Context, remoteTaskID string) error
}

// ServiceConfig describes the dependencies for the routine service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Remote     RemoteTaskDeleter
	Logger     *zap.Logger
}

// Service owns the routine and routine-task tables: user CRUD, defer state,
// status transitions observed from sync, and completion-rate upkeep.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	remote     RemoteTaskDeleter
	logger     *zap.Logger
}

// NewService constructs the routine service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		remote:     cfg.Remote,
		logger:     logger,
	}, nil
}

// RoutineDraft is the user-supplied definition for a new routine.
type RoutineDraft struct {
	Name            string
	Frequency       Frequency
	DurationMinutes int
	TimeOfDay       *string
	IdealDay        *int
	TargetProjectID *string
	Labels          []string
	Priority        int
}

func (d RoutineDraft) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoutine)
	}
	if !d.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRoutine, d.Frequency)
	}
	if d.Priority < 1 || d.Priority > 4 {
		return fmt.Errorf("%w: priority must be between 1 and 4", ErrInvalidRoutine)
	}
	if d.IdealDay != nil && (*d.IdealDay < 0 || *d.IdealDay > 6) {
		return fmt.Errorf("%w: ideal day must be between 0 and 6", ErrInvalidRoutine)
	}
	return nil
}

// CreateRoutine stores a new routine. Completion rates start at 100: an
// unstarted routine is not penalized.
func (s *Service) CreateRoutine(ctx context.Context, draft RoutineDraft) (Routine, error) {
	if err := draft.validate(); err != nil {
		return Routine{}, newServiceError(opCreate, "invalid_draft", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Routine{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	labelsJSON, err := encodeLabels(draft.Labels)
	if err != nil {
		return Routine{}, newServiceError(opCreate, "labels_encode_failed", err)
	}

	row := Routine{
		ID:                    id,
		Name:                  draft.Name,
		Frequency:             draft.Frequency,
		DurationMinutes:       draft.DurationMinutes,
		TimeOfDay:             draft.TimeOfDay,
		IdealDay:              draft.IdealDay,
		TargetProjectID:       draft.TargetProjectID,
		LabelsJSON:            labelsJSON,
		Priority:              draft.Priority,
		CompletionRateOverall: 100,
		CompletionRateMonth:   100,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("routine", draft.Name))
		return Routine{}, newServiceError(opCreate, "insert_failed", err)
	}
	return row, nil
}

// RoutinePatch is a partial routine edit. Pointer fields are "unchanged when
// nil"; clearable fields use the same tri-state convention as wire payloads.
type RoutinePatch struct {
	Name            *string
	Frequency       *Frequency
	DurationMinutes *int
	Priority        *int
	Labels          []string
	TimeOfDay       mirror.Field[string]
	IdealDay        mirror.Field[int]
	TargetProjectID mirror.Field[string]
}

// UpdateRoutine applies a partial edit to a routine.
func (s *Service) UpdateRoutine(ctx context.Context, routineID string, patch RoutinePatch) (Routine, error) {
	row, err := s.getRoutine(ctx, routineID)
	if err != nil {
		return Routine{}, newServiceError(opUpdate, "load_failed", err)
	}

	if patch.Name != nil {
		row.Name = *patch.Name
	}
	if patch.Frequency != nil {
		if !patch.Frequency.Valid() {
			return Routine{}, newServiceError(opUpdate, "invalid_frequency",
				fmt.Errorf("%w: unknown frequency %q", ErrInvalidRoutine, *patch.Frequency))
		}
		row.Frequency = *patch.Frequency
	}
	if patch.DurationMinutes != nil {
		row.DurationMinutes = *patch.DurationMinutes
	}
	if patch.Priority != nil {
		if *patch.Priority < 1 || *patch.Priority > 4 {
			return Routine{}, newServiceError(opUpdate, "invalid_priority",
				fmt.Errorf("%w: priority must be between 1 and 4", ErrInvalidRoutine))
		}
		row.Priority = *patch.Priority
	}
	if patch.Labels != nil {
		labelsJSON, err := encodeLabels(patch.Labels)
		if err != nil {
			return Routine{}, newServiceError(opUpdate, "labels_encode_failed", err)
		}
		row.LabelsJSON = labelsJSON
	}
	row.TimeOfDay = patch.TimeOfDay.Pointer(row.TimeOfDay)
	row.IdealDay = patch.IdealDay.Pointer(row.IdealDay)
	row.TargetProjectID = patch.TargetProjectID.Pointer(row.TargetProjectID)

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opUpdate, "save_failed", err, zap.String("routine_id", routineID))
		return Routine{}, newServiceError(opUpdate, "save_failed", err)
	}
	return row, nil
}

// DeleteRoutine removes a routine and cascades to its generated instances.
// This is the one hard delete in the routine tables.
func (s *Service) DeleteRoutine(ctx context.Context, routineID string) error {
	if _, err := s.getRoutine(ctx, routineID); err != nil {
		return newServiceError(opDelete, "load_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("routine_id = ?", routineID).Delete(&RoutineTask{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", routineID).Delete(&Routine{}).Error
	})
	if txErr != nil {
		s.logError(opDelete, "delete_failed", txErr, zap.String("routine_id", routineID))
		return newServiceError(opDelete, "delete_failed", txErr)
	}
	return nil
}

// GetRoutine returns one routine by id.
func (s *Service) GetRoutine(ctx context.Context, routineID string) (Routine, error) {
	row, err := s.getRoutine(ctx, routineID)
	if err != nil {
		return Routine{}, newServiceError(opList, "load_failed", err)
	}
	return row, nil
}

// ListRoutines returns every routine, newest first.
func (s *Service) ListRoutines(ctx context.Context) ([]Routine, error) {
	var rows []Routine
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// SetDeferred toggles a routine's defer flag. Undeferring clears the
// deferral date so generation resumes on the next scheduler run.
func (s *Service) SetDeferred(ctx context.Context, routineID string, deferred bool, deferralDate *time.Time) (Routine, error) {
	row, err := s.getRoutine(ctx, routineID)
	if err != nil {
		return Routine{}, newServiceError(opSetDeferred, "load_failed", err)
	}

	row.Deferred = deferred
	if deferred {
		row.DeferralDate = deferralDate
	} else {
		row.DeferralDate = nil
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opSetDeferred, "save_failed", err, zap.String("routine_id", routineID))
		return Routine{}, newServiceError(opSetDeferred, "save_failed", err)
	}
	return row, nil
}

// ClearPendingTasks bulk-deletes pending instances and their remote tasks.
// An empty routine id clears pending instances across all routines. Remote
// deletion is best effort: a failed delete leaves an orphaned remote task
// but never blocks the local clear.
func (s *Service) ClearPendingTasks(ctx context.Context, routineID string) (int64, error) {
	query := s.db.WithContext(ctx).Where("status = ?", TaskStatusPending)
	if routineID != "" {
		if _, err := s.getRoutine(ctx, routineID); err != nil {
			return 0, newServiceError(opClearPending, "load_failed", err)
		}
		query = query.Where("routine_id = ?", routineID)
	}

	var pending []RoutineTask
	if err := query.Find(&pending).Error; err != nil {
		s.logError(opClearPending, "tasks_query_failed", err, zap.String("routine_id", routineID))
		return 0, newServiceError(opClearPending, "tasks_query_failed", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	taskIDs := make([]string, 0, len(pending))
	for _, task := range pending {
		taskIDs = append(taskIDs, task.ID)
		if s.remote == nil || task.RemoteTaskID == "" || task.RemoteTaskID == PendingRemoteTaskID {
			continue
		}
		if err := s.remote.DeleteTask(ctx, task.RemoteTaskID); err != nil {
			s.logger.Warn("failed to delete remote task for cleared instance",
				zap.String("task_id", task.ID),
				zap.String("remote_task_id", task.RemoteTaskID),
				zap.Error(err))
		}
	}

	result := s.db.WithContext(ctx).Where("id IN ?", taskIDs).Delete(&RoutineTask{})
	if result.Error != nil {
		s.logError(opClearPending, "delete_failed", result.Error, zap.String("routine_id", routineID))
		return 0, newServiceError(opClearPending, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// ObserveItem follows the remote task linked to a routine instance:
// completion resolves the instance, deletion skips it, un-completion returns
// it to pending. Items that are not linked to any instance are ignored,
// which covers the overwhelming majority of sync traffic.
func (s *Service) ObserveItem(ctx context.Context, observation mirror.ItemObservation) error {
	if observation.RemoteID == "" || observation.RemoteID == PendingRemoteTaskID {
		return nil
	}

	var task RoutineTask
	err := s.db.WithContext(ctx).Where("remote_task_id = ?", observation.RemoteID).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opObserveItem, "task_select_failed", err, zap.String("remote_task_id", observation.RemoteID))
		return newServiceError(opObserveItem, "task_select_failed", err)
	}

	// Missed and skipped are terminal, and a completed instance only moves
	// through the explicit un-completion branch below. The scheduler completes
	// the remote task of every missed instance, so the next sync cycle echoes
	// that completion back here; resolving anything but a pending instance
	// would let that echo rewrite history.
	switch {
	case observation.Deleted && task.Status == TaskStatusPending:
		task.Status = TaskStatusSkipped
		task.CompletedDate = nil

	case !observation.Deleted && observation.Completed && task.Status == TaskStatusPending:
		completedAt := s.clock().UTC()
		if observation.CompletedAt != nil {
			completedAt = observation.CompletedAt.UTC()
		}
		task.Status = TaskStatusCompleted
		task.CompletedDate = &completedAt
		if err := s.markRoutineCompleted(ctx, task.RoutineID, completedAt); err != nil {
			return err
		}

	case !observation.Deleted && !observation.Completed && task.Status == TaskStatusCompleted:
		// Un-completion reopens the instance, but never at the cost of the
		// one-pending-per-routine invariant.
		outstanding, err := s.pendingCount(ctx, task.RoutineID, task.ID)
		if err != nil {
			s.logError(opObserveItem, "pending_count_failed", err, zap.String("routine_id", task.RoutineID))
			return newServiceError(opObserveItem, "pending_count_failed", err)
		}
		if outstanding > 0 {
			s.logger.Warn("ignoring un-completion, routine already has a pending instance",
				zap.String("routine_id", task.RoutineID),
				zap.String("remote_task_id", observation.RemoteID))
			return nil
		}
		task.Status = TaskStatusPending
		task.CompletedDate = nil

	default:
		return nil
	}

	if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
		s.logError(opObserveItem, "task_save_failed", err, zap.String("task_id", task.ID))
		return newServiceError(opObserveItem, "task_save_failed", err)
	}

	_, err = s.RefreshRates(ctx, task.RoutineID)
	return err
}

// RefreshRates recomputes both completion percentages from the instance
// history and writes them back onto the routine row.
func (s *Service) RefreshRates(ctx context.Context, routineID string) (Rates, error) {
	tasks, err := s.tasksFor(ctx, routineID)
	if err != nil {
		s.logError(opRefreshRates, "tasks_query_failed", err, zap.String("routine_id", routineID))
		return Rates{}, newServiceError(opRefreshRates, "tasks_query_failed", err)
	}

	rates := CompletionRates(tasks, s.clock())
	err = s.db.WithContext(ctx).Model(&Routine{}).
		Where("id = ?", routineID).
		Updates(map[string]interface{}{
			"completion_rate_overall": rates.Overall,
			"completion_rate_month":   rates.Month,
		}).Error
	if err != nil {
		s.logError(opRefreshRates, "save_failed", err, zap.String("routine_id", routineID))
		return Rates{}, newServiceError(opRefreshRates, "save_failed", err)
	}
	return rates, nil
}

func (s *Service) markRoutineCompleted(ctx context.Context, routineID string, completedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&Routine{}).
		Where("id = ?", routineID).
		Update("last_completed_date", completedAt).Error
	if err != nil {
		s.logError(opObserveItem, "routine_save_failed", err, zap.String("routine_id", routineID))
		return newServiceError(opObserveItem, "routine_save_failed", err)
	}
	return nil
}

func (s *Service) getRoutine(ctx context.Context, routineID string) (Routine, error) {
	var row Routine
	err := s.db.WithContext(ctx).Where("id = ?", routineID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Routine{}, fmt.Errorf("%w: %s", ErrRoutineNotFound, routineID)
	}
	if err != nil {
		return Routine{}, err
	}
	return row, nil
}

func (s *Service) pendingCount(ctx context.Context, routineID, excludeTaskID string) (int64, error) {
	var count int64
	query := s.db.WithContext(ctx).Model(&RoutineTask{}).
		Where("routine_id = ? AND status = ?", routineID, TaskStatusPending)
	if excludeTaskID != "" {
		query = query.Where("id <> ?", excludeTaskID)
	}
	err := query.Count(&count).Error
	return count, err
}

func (s *Service) tasksFor(ctx context.Context, routineID string) ([]RoutineTask, error) {
	var tasks []RoutineTask
	err := s.db.WithContext(ctx).
		Where("routine_id = ?", routineID).
		Order("ready_date ASC").
		Find(&tasks).Error
	return tasks, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("routine service error", attrs...)
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
