package webhook

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

// SupportedProtocolVersion is the wire protocol version this ingestor
// understands; deliveries on any other version are logged as skipped without
// touching mirrored state.
const SupportedProtocolVersion = "9"

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("mirror store is required")
	errMissingDeliveryID = errors.New("delivery id is required")
	noOpLogger           = zap.NewNop()
)

// Delivery is one inbound push notification after transport-level decoding.
type Delivery struct {
	DeliveryID      string
	EventName       string
	ProtocolVersion string
	EntityType      string
	EntityID        string
	Payload         json.RawMessage
}

// ServiceConfig describes the dependencies for the webhook ingestor.
type ServiceConfig struct {
	Database *gorm.DB
	Store    *mirror.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies webhook deliveries through the same version-gated
// reconciliation that sync uses, at most once per delivery id. No ordering
// is assumed across deliveries; the version gate makes out-of-order delivery
// safe for the same entity.
type Service struct {
	db     *gorm.DB
	store  *mirror.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the webhook ingestor.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("webhook: %w", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("webhook: %w", errMissingStore)
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
		db:     cfg.Database,
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
	}, nil
}

// Ingest processes one delivery. The returned status is what was recorded in
// the audit log; a reconciliation failure is recorded as failed and not
// propagated, so a single bad delivery cannot crash the ingestor. The error
// return is reserved for infrastructure faults (audit log unreachable).
func (s *Service) Ingest(ctx context.Context, delivery Delivery) (EventStatus, error) {
	if delivery.DeliveryID == "" {
		return StatusFailed, errMissingDeliveryID
	}

	started := s.clock()

	alreadyProcessed, err := s.seen(ctx, delivery.DeliveryID)
	if err != nil {
		return StatusFailed, err
	}
	if alreadyProcessed {
		s.logger.Debug("duplicate webhook delivery skipped",
			zap.String("delivery_id", delivery.DeliveryID))
		return StatusSkipped, nil
	}

	if delivery.ProtocolVersion != SupportedProtocolVersion {
		s.logger.Warn("unsupported webhook protocol version",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("protocol_version", delivery.ProtocolVersion))
		return s.record(ctx, delivery, StatusSkipped, started, nil)
	}

	applyErr := s.applyPayload(ctx, delivery, started)
	if applyErr != nil {
		s.logger.Error("webhook reconciliation failed",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("event_name", delivery.EventName),
			zap.Error(applyErr))
		return s.record(ctx, delivery, StatusFailed, started, applyErr)
	}

	return s.record(ctx, delivery, StatusSuccess, started, nil)
}

func (s *Service) applyPayload(ctx context.Context, delivery Delivery, observedAt time.Time) error {
	switch delivery.EntityType {
	case "project":
		var raw mirror.RawProject
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplyProject(ctx, raw, observedAt)
		return err
	case "section":
		var raw mirror.RawSection
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplySection(ctx, raw, observedAt)
		return err
	case "label":
		var raw mirror.RawLabel
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplyLabel(ctx, raw, observedAt)
		return err
	case "item":
		var raw mirror.RawItem
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplyItem(ctx, raw, observedAt)
		return err
	case "note":
		var raw mirror.RawNote
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplyNote(ctx, raw, observedAt)
		return err
	case "reminder":
		var raw mirror.RawReminder
		if err := json.Unmarshal(delivery.Payload, &raw); err != nil {
			return err
		}
		_, err := s.store.ApplyReminder(ctx, raw, observedAt)
		return err
	default:
		return fmt.Errorf("unknown entity type %q", delivery.EntityType)
	}
}

func (s *Service) seen(ctx context.Context, deliveryID string) (bool, error) {
	var event WebhookEvent
	err := s.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) record(ctx context.Context, delivery Delivery, status EventStatus, started time.Time, cause error) (EventStatus, error) {
	finished := s.clock()
	event := WebhookEvent{
		DeliveryID:       delivery.DeliveryID,
		EventName:        delivery.EventName,
		Status:           status,
		ProcessedAt:      finished.UTC(),
		ProcessingTimeMs: finished.Sub(started).Milliseconds(),
		EntityRef:        entityRef(delivery),
	}
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return status, err
	}
	return status, nil
}

func entityRef(delivery Delivery) string {
	if delivery.EntityType == "" && delivery.EntityID == "" {
		return ""
	}
	return delivery.EntityType + ":" + delivery.EntityID
}
