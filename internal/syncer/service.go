package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultServiceName = "todoist"

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("mirror store is required")
	errMissingRemote   = errors.New("remote puller is required")
	noOpLogger         = zap.NewNop()
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
	opServiceNew = "sync.service.new"
	opRunCycle   = "sync.run_cycle"
	opStatus     = "sync.status"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Mode distinguishes a full snapshot cycle from an incremental delta cycle.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// CycleSummary reports the outcome of one sync cycle.
type CycleSummary struct {
	Mode        Mode          `json:"mode"`
	ChangeCount int           `json:"change_count"`
	SyncToken   string        `json:"sync_token"`
	Duration    time.Duration `json:"duration"`
}

// RemotePuller is the slice of the remote client the orchestrator needs.
type RemotePuller interface {
	Pull(ctx context.Context, syncToken string, resourceTypes []mirror.ResourceType) (remote.PullResponse, error)
}

// ServiceConfig describes the dependencies for the sync orchestrator.
type ServiceConfig struct {
	Database    *gorm.DB
	Store       *mirror.Store
	Remote      RemotePuller
	ServiceName string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service drives sync cycles against the remote service: it owns the cursor
// row, distinguishes full from incremental sync, and fans every returned
// entity through the version-gated mirror store.
//
// Overlapping invocations are not serialized here: the interval far exceeds
// a typical cycle, and the version gate makes re-application of the same
// delta a no-op.
type Service struct {
	db          *gorm.DB
	store       *mirror.Store
	remote      RemotePuller
	serviceName string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs the sync orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opServiceNew, "missing_remote", errMissingRemote)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
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
		db:          cfg.Database,
		store:       cfg.Store,
		remote:      cfg.Remote,
		serviceName: serviceName,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RunCycle performs one sync cycle. The first run (no stored cursor) is a
// full sync; later runs are incremental unless the remote signals staleness,
// in which case the cycle falls back to a fresh full sync. The cursor is
// only advanced after every returned entity has been reconciled, so a failed
// cycle retries from the last known-good token on the next invocation.
func (s *Service) RunCycle(ctx context.Context) (CycleSummary, error) {
	started := s.clock()

	cursor, hasCursor, err := s.loadCursor(ctx)
	if err != nil {
		s.logError(opRunCycle, "cursor_load_failed", err)
		return CycleSummary{}, newServiceError(opRunCycle, "cursor_load_failed", err)
	}

	mode := ModeIncremental
	requestToken := cursor.Token
	if !hasCursor || requestToken == "" {
		mode = ModeFull
		requestToken = remote.FullSyncToken
	}

	response, err := s.remote.Pull(ctx, requestToken, mirror.ResourceOrder)
	if err != nil {
		return CycleSummary{}, s.pullError(err)
	}

	// The remote can invalidate a stored cursor at any time; discard the
	// incremental attempt and restart with the wildcard token.
	if mode == ModeIncremental && response.FullSync {
		s.logger.Info("remote requested full sync, discarding incremental attempt",
			zap.String("service", s.serviceName))
		mode = ModeFull
		response, err = s.remote.Pull(ctx, remote.FullSyncToken, mirror.ResourceOrder)
		if err != nil {
			return CycleSummary{}, s.pullError(err)
		}
	}

	observedAt := s.clock()
	changeCount, err := s.applyResponse(ctx, response, observedAt)
	if err != nil {
		s.logError(opRunCycle, "apply_failed", err)
		return CycleSummary{}, newServiceError(opRunCycle, "apply_failed", err)
	}

	if err := s.persistCursor(ctx, cursor, hasCursor, response.SyncToken, mode); err != nil {
		s.logError(opRunCycle, "cursor_save_failed", err)
		return CycleSummary{}, newServiceError(opRunCycle, "cursor_save_failed", err)
	}

	summary := CycleSummary{
		Mode:        mode,
		ChangeCount: changeCount,
		SyncToken:   response.SyncToken,
		Duration:    s.clock().Sub(started),
	}
	s.logger.Info("sync cycle completed",
		zap.String("service", s.serviceName),
		zap.String("mode", string(summary.Mode)),
		zap.Int("change_count", summary.ChangeCount),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// Status returns the stored cursor row for observability endpoints.
func (s *Service) Status(ctx context.Context) (SyncCursor, bool, error) {
	cursor, hasCursor, err := s.loadCursor(ctx)
	if err != nil {
		s.logError(opStatus, "cursor_load_failed", err)
		return SyncCursor{}, false, newServiceError(opStatus, "cursor_load_failed", err)
	}
	return cursor, hasCursor, nil
}

// applyResponse reconciles every returned entity in the fixed dependency
// order: projects and sections before the items that reference them, notes
// and reminders after the items they attach to.
func (s *Service) applyResponse(ctx context.Context, response remote.PullResponse, observedAt time.Time) (int, error) {
	changeCount := 0

	for _, raw := range response.Projects {
		action, err := s.store.ApplyProject(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("project %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}
	for _, raw := range response.Sections {
		action, err := s.store.ApplySection(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("section %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}
	for _, raw := range response.Labels {
		action, err := s.store.ApplyLabel(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("label %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}
	for _, raw := range response.Items {
		action, err := s.store.ApplyItem(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("item %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}
	for _, raw := range response.Notes {
		action, err := s.store.ApplyNote(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("note %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}
	for _, raw := range response.Reminders {
		action, err := s.store.ApplyReminder(ctx, raw, observedAt)
		if err != nil {
			return changeCount, fmt.Errorf("reminder %s: %w", raw.ID, err)
		}
		if action.Mutated() {
			changeCount++
		}
	}

	return changeCount, nil
}

func (s *Service) loadCursor(ctx context.Context) (SyncCursor, bool, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).Where("service = ?", s.serviceName).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncCursor{Service: s.serviceName}, false, nil
	}
	if err != nil {
		return SyncCursor{}, false, err
	}
	return cursor, true, nil
}

func (s *Service) persistCursor(ctx context.Context, cursor SyncCursor, hasCursor bool, token string, mode Mode) error {
	now := s.clock().UTC()
	cursor.Service = s.serviceName
	cursor.Token = token
	if mode == ModeFull {
		cursor.LastFullSyncAt = &now
	} else {
		cursor.LastIncrementalSyncAt = &now
	}

	db := s.db.WithContext(ctx)
	if hasCursor {
		return db.Save(&cursor).Error
	}
	return db.Create(&cursor).Error
}

func (s *Service) pullError(err error) error {
	if errors.Is(err, remote.ErrMissingCredentials) {
		s.logError(opRunCycle, "missing_credentials", err)
		return newServiceError(opRunCycle, "missing_credentials", err)
	}
	s.logError(opRunCycle, "pull_failed", err)
	return newServiceError(opRunCycle, "pull_failed", err)
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
	s.logger.Error("sync service error", attrs...)
}
