package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "webhook.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&mirror.Project{}, &mirror.Section{}, &mirror.Label{},
		&mirror.Item{}, &mirror.Note{}, &mirror.Reminder{},
		&WebhookEvent{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := mirror.NewStore(mirror.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Store:    store,
		Clock:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func itemDelivery(deliveryID string, version int64) Delivery {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":         "item-1",
		"project_id": "project-1",
		"content":    "buy milk",
		"v":          version,
	})
	return Delivery{
		DeliveryID:      deliveryID,
		EventName:       "item:added",
		ProtocolVersion: SupportedProtocolVersion,
		EntityType:      "item",
		EntityID:        "item-1",
		Payload:         payload,
	}
}

func TestIngestAppliesEntityAndRecordsSuccess(t *testing.T) {
	service, db := newTestService(t)

	status, err := service.Ingest(context.Background(), itemDelivery("delivery-1", 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	var item mirror.Item
	if err := db.Where("remote_id = ?", "item-1").Take(&item).Error; err != nil {
		t.Fatalf("expected mirrored item: %v", err)
	}

	var event WebhookEvent
	if err := db.Where("delivery_id = ?", "delivery-1").Take(&event).Error; err != nil {
		t.Fatalf("expected audit row: %v", err)
	}
	if event.Status != StatusSuccess {
		t.Fatalf("unexpected recorded status %s", event.Status)
	}
	if event.EntityRef != "item:item-1" {
		t.Fatalf("unexpected entity ref %q", event.EntityRef)
	}
	if event.ProcessingTimeMs < 0 {
		t.Fatalf("processing time must be non-negative, got %d", event.ProcessingTimeMs)
	}
}

func TestIngestDeduplicatesByDeliveryID(t *testing.T) {
	service, db := newTestService(t)

	if _, err := service.Ingest(context.Background(), itemDelivery("delivery-1", 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A replayed delivery id must never mutate state again, even when the
	// payload carries a newer version.
	status, err := service.Ingest(context.Background(), itemDelivery("delivery-1", 99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusSkipped {
		t.Fatalf("expected duplicate to be skipped, got %s", status)
	}

	var item mirror.Item
	if err := db.Where("remote_id = ?", "item-1").Take(&item).Error; err != nil {
		t.Fatalf("expected mirrored item: %v", err)
	}
	if item.SyncVersion != 5 {
		t.Fatalf("duplicate delivery must not advance the version, got %d", item.SyncVersion)
	}

	var events int64
	if err := db.Model(&WebhookEvent{}).Count(&events).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected exactly one audit row, got %d", events)
	}
}

func TestIngestSkipsUnsupportedProtocolVersion(t *testing.T) {
	service, db := newTestService(t)

	delivery := itemDelivery("delivery-1", 5)
	delivery.ProtocolVersion = "8"

	status, err := service.Ingest(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", status)
	}

	var items int64
	if err := db.Model(&mirror.Item{}).Count(&items).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if items != 0 {
		t.Fatalf("unsupported version must not mutate mirrored state")
	}

	var event WebhookEvent
	if err := db.Where("delivery_id = ?", "delivery-1").Take(&event).Error; err != nil {
		t.Fatalf("expected audit row: %v", err)
	}
	if event.Status != StatusSkipped {
		t.Fatalf("unexpected recorded status %s", event.Status)
	}
}

func TestIngestRecordsFailureWithoutPropagating(t *testing.T) {
	service, db := newTestService(t)

	delivery := Delivery{
		DeliveryID:      "delivery-1",
		EventName:       "item:updated",
		ProtocolVersion: SupportedProtocolVersion,
		EntityType:      "item",
		EntityID:        "item-1",
		Payload:         json.RawMessage(`{"id":`),
	}

	status, err := service.Ingest(context.Background(), delivery)
	if err != nil {
		t.Fatalf("reconciliation errors must not propagate, got %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	var event WebhookEvent
	if err := db.Where("delivery_id = ?", "delivery-1").Take(&event).Error; err != nil {
		t.Fatalf("expected audit row: %v", err)
	}
	if event.Status != StatusFailed || event.ErrorMessage == "" {
		t.Fatalf("expected failed status with an error message, got %+v", event)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_name":"item:added"}`)

	if !VerifySignature("", body, "") {
		t.Fatalf("empty secret must disable verification")
	}
	if VerifySignature("secret", body, "not-a-signature") {
		t.Fatalf("bad signature must be rejected")
	}
	// Signature computed with the same secret and body must verify.
	valid := computeSignature("secret", body)
	if !VerifySignature("secret", body, valid) {
		t.Fatalf("valid signature must be accepted")
	}
}
