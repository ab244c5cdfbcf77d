package integration_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/auth"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/remote"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/server"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/syncer"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/webhook"
)

const (
	apiSigningSecret = "integration-signing-secret"
	apiServiceSecret = "integration-service-secret"
	webhookSecret    = "integration-webhook-secret"
	jsonContentType  = "application/json"
)

// fakeRemote is an in-memory stand-in for the remote task service's sync
// endpoint: it assigns ids to created tasks and serves their current state as
// pull deltas.
type fakeRemote struct {
	mu        sync.Mutex
	nextID    int
	items     map[string]mirror.RawItem
	syncToken string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: map[string]mirror.RawItem{}, syncToken: "remote-token-1"}
}

func (f *fakeRemote) completeItem(remoteID string, completedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.items[remoteID]
	item.Checked = true
	item.CompletedAt = mirror.SetField(completedAt)
	item.Version++
	f.items[remoteID] = item
}

func (f *fakeRemote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			SyncToken string           `json:"sync_token"`
			Commands  []remote.Command `json:"commands"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		if len(request.Commands) > 0 {
			response := remote.ExecuteResponse{
				TempIDMapping: map[string]string{},
				SyncStatus:    map[string]json.RawMessage{},
			}
			for _, command := range request.Commands {
				response.SyncStatus[command.UUID] = json.RawMessage(`"ok"`)
				if command.Type == "item_add" {
					f.nextID++
					remoteID := fmt.Sprintf("remote-%d", f.nextID)
					content, _ := command.Args["content"].(string)
					f.items[remoteID] = mirror.RawItem{
						ID:      remoteID,
						Content: content,
						Version: 1,
					}
					response.TempIDMapping[command.TempID] = remoteID
				}
			}
			json.NewEncoder(w).Encode(response) //nolint:errcheck
			return
		}

		pull := remote.PullResponse{SyncToken: f.syncToken}
		for _, item := range f.items {
			pull.Items = append(pull.Items, item)
		}
		json.NewEncoder(w).Encode(pull) //nolint:errcheck
	})
}

type stack struct {
	handler     http.Handler
	remote      *fakeRemote
	db          *gorm.DB
	bearerToken string
}

func buildStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := newFakeRemote()
	remoteServer := httptest.NewServer(fake.handler())
	t.Cleanup(remoteServer.Close)

	databasePath := filepath.Join(t.TempDir(), "integration.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&mirror.Project{}, &mirror.Section{}, &mirror.Label{},
		&mirror.Item{}, &mirror.Note{}, &mirror.Reminder{},
		&syncer.SyncCursor{}, &webhook.WebhookEvent{},
		&routine.Routine{}, &routine.RoutineTask{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	remoteClient := remote.NewClient(remote.ClientConfig{
		BaseURL:  remoteServer.URL,
		APIToken: "integration-api-token",
	})

	routineService, err := routine.NewService(routine.ServiceConfig{
		Database:   db,
		IDProvider: routine.NewUUIDProvider(),
		Remote:     remoteClient,
	})
	if err != nil {
		t.Fatalf("failed to build routine service: %v", err)
	}

	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{
		Database:     db,
		ItemObserver: routineService,
	})
	if err != nil {
		t.Fatalf("failed to build mirror store: %v", err)
	}

	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Database: db,
		Store:    mirrorStore,
		Remote:   remoteClient,
	})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}

	webhookService, err := webhook.NewService(webhook.ServiceConfig{
		Database: db,
		Store:    mirrorStore,
	})
	if err != nil {
		t.Fatalf("failed to build webhook service: %v", err)
	}

	scheduler, err := routine.NewScheduler(routine.SchedulerConfig{
		Database:   db,
		Routines:   routineService,
		Remote:     remoteClient,
		IDProvider: routine.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(apiSigningSecret),
		Issuer:        "taskmirror",
		Audience:      "taskmirror-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenIssuer,
		SyncService:    syncService,
		WebhookService: webhookService,
		RoutineService: routineService,
		Scheduler:      scheduler,
		MirrorStore:    mirrorStore,
		APISecret:      apiServiceSecret,
		WebhookSecret:  webhookSecret,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	built := &stack{handler: handler, remote: fake, db: db}
	built.bearerToken = built.exchangeToken(t)
	return built
}

func (s *stack) exchangeToken(t *testing.T) string {
	t.Helper()
	payload := []byte(`{"service_secret":"` + apiServiceSecret + `"}`)
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(payload))
	request.Header.Set("Content-Type", jsonContentType)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token exchange failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var decoded struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return decoded.AccessToken
}

func (s *stack) call(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+s.bearerToken)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRoutineLifecycleAcrossSync(t *testing.T) {
	s := buildStack(t)

	// Create a daily routine over the API.
	response := s.call(t, http.MethodPost, "/routines",
		[]byte(`{"name":"water plants","frequency":"daily","priority":2}`))
	if response.Code != http.StatusCreated {
		t.Fatalf("create routine failed: %d %s", response.Code, response.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode routine: %v", err)
	}

	// The scheduler run generates one instance and creates the remote task.
	response = s.call(t, http.MethodPost, "/routines/run", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("scheduler run failed: %d %s", response.Code, response.Body.String())
	}

	var task routine.RoutineTask
	if err := s.db.Where("routine_id = ?", created.ID).Take(&task).Error; err != nil {
		t.Fatalf("failed to load generated task: %v", err)
	}
	if task.Status != routine.TaskStatusPending {
		t.Fatalf("expected pending instance, got %s", task.Status)
	}
	if task.RemoteTaskID == routine.PendingRemoteTaskID {
		t.Fatal("expected resolved remote link")
	}

	// A re-run must not generate a second instance.
	s.call(t, http.MethodPost, "/routines/run", nil)
	var instanceCount int64
	s.db.Model(&routine.RoutineTask{}).Count(&instanceCount)
	if instanceCount != 1 {
		t.Fatalf("expected single instance, got %d", instanceCount)
	}

	// Completing the task remotely and syncing resolves the instance.
	s.remote.completeItem(task.RemoteTaskID, time.Now().UTC())
	response = s.call(t, http.MethodPost, "/sync/run", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("sync run failed: %d %s", response.Code, response.Body.String())
	}

	var resolved routine.RoutineTask
	if err := s.db.Where("id = ?", task.ID).Take(&resolved).Error; err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if resolved.Status != routine.TaskStatusCompleted {
		t.Fatalf("expected completed after sync, got %s", resolved.Status)
	}

	var owner routine.Routine
	if err := s.db.Where("id = ?", created.ID).Take(&owner).Error; err != nil {
		t.Fatalf("failed to reload routine: %v", err)
	}
	if owner.LastCompletedDate == nil {
		t.Fatal("completion must advance the routine's last-completed date")
	}
	if owner.CompletionRateOverall != 100 {
		t.Fatalf("expected completion rate 100, got %d", owner.CompletionRateOverall)
	}
}

func TestWebhookDeliveryUpdatesMirror(t *testing.T) {
	s := buildStack(t)

	body := []byte(`{"event_name":"item:added","version":"9",` +
		`"event_data":{"id":"item-9","project_id":"project-1","content":"call plumber","v":4},` +
		`"event_entity":{"entity_id":"item-9","entity_type":"item"}}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	request := httptest.NewRequest(http.MethodPost, "/webhooks/remote", bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("X-Delivery-Id", "delivery-9")
	request.Header.Set("X-Webhook-Hmac-Sha256", signature)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook delivery failed: %d %s", recorder.Code, recorder.Body.String())
	}

	var item mirror.Item
	if err := s.db.Where("remote_id = ?", "item-9").Take(&item).Error; err != nil {
		t.Fatalf("failed to load mirrored item: %v", err)
	}
	if item.Content != "call plumber" || item.SyncVersion != 4 {
		t.Fatalf("unexpected mirrored item: %+v", item)
	}

	var event webhook.WebhookEvent
	if err := s.db.Where("delivery_id = ?", "delivery-9").Take(&event).Error; err != nil {
		t.Fatalf("expected audit row: %v", err)
	}
	if event.Status != webhook.StatusSuccess {
		t.Fatalf("expected success status, got %s", event.Status)
	}
}
