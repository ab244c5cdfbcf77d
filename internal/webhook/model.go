package webhook

import "time"

// EventStatus is the recorded outcome of one delivery.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
	StatusSkipped EventStatus = "skipped"
)

// WebhookEvent is the append-only audit row for one processed delivery.
// DeliveryID uniqueness is the idempotency guard: a delivery already present
// in this table is never reprocessed.
type WebhookEvent struct {
	DeliveryID       string      `gorm:"column:delivery_id;primaryKey;size:190;not null"`
	EventName        string      `gorm:"column:event_name;size:128;not null"`
	Status           EventStatus `gorm:"column:status;size:16;not null"`
	ProcessedAt      time.Time   `gorm:"column:processed_at;not null"`
	ProcessingTimeMs int64       `gorm:"column:processing_time_ms;not null;default:0"`
	EntityRef        string      `gorm:"column:entity_ref;size:256"`
	ErrorMessage     string      `gorm:"column:error_message;size:1024"`
}

// TableName provides the explicit table binding for GORM.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
