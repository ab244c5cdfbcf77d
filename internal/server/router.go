package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/remote"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/syncer"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/webhook"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "taskmirror_subject"
	apiSubject        = "taskmirror-admin"

	headerDeliveryID = "X-Delivery-Id"
	headerSignature  = "X-Webhook-Hmac-Sha256"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingSyncService    = errors.New("sync service dependency required")
	errMissingWebhookService = errors.New("webhook service dependency required")
	errMissingRoutineService = errors.New("routine service dependency required")
	errMissingScheduler      = errors.New("routine scheduler dependency required")
	errMissingMirrorStore    = errors.New("mirror store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates API bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// SyncRunner is the on-demand surface of the sync orchestrator.
type SyncRunner interface {
	RunCycle(ctx context.Context) (syncer.CycleSummary, error)
	Status(ctx context.Context) (syncer.SyncCursor, bool, error)
}

// SchedulerRunner is the on-demand surface of the routine scheduler.
type SchedulerRunner interface {
	Run(ctx context.Context) (routine.RunSummary, error)
}

// WebhookIngestor processes inbound deliveries.
type WebhookIngestor interface {
	Ingest(ctx context.Context, delivery webhook.Delivery) (webhook.EventStatus, error)
}

// Dependencies wires the HTTP layer to the services it fronts.
type Dependencies struct {
	TokenManager   TokenManager
	SyncService    SyncRunner
	WebhookService WebhookIngestor
	RoutineService *routine.Service
	Scheduler      SchedulerRunner
	MirrorStore    *mirror.Store
	APISecret      string
	WebhookSecret  string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the webhook endpoint and
// the authenticated trigger/read API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.WebhookService == nil {
		return nil, errMissingWebhookService
	}
	if deps.RoutineService == nil {
		return nil, errMissingRoutineService
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.MirrorStore == nil {
		return nil, errMissingMirrorStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		syncService:   deps.SyncService,
		webhooks:      deps.WebhookService,
		routines:      deps.RoutineService,
		scheduler:     deps.Scheduler,
		mirrorStore:   deps.MirrorStore,
		apiSecret:     deps.APISecret,
		webhookSecret: deps.WebhookSecret,
		logger:        logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.POST("/webhooks/remote", handler.handleWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/run", handler.handleSyncRun)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.POST("/routines/run", handler.handleSchedulerRun)
	protected.GET("/routines", handler.handleListRoutines)
	protected.POST("/routines", handler.handleCreateRoutine)
	protected.PATCH("/routines/:id", handler.handleUpdateRoutine)
	protected.DELETE("/routines/:id", handler.handleDeleteRoutine)
	protected.POST("/routines/:id/defer", handler.handleDeferRoutine)
	protected.POST("/routines/clear-pending", handler.handleClearPending)
	protected.GET("/items", handler.handleListItems)

	return router, nil
}

type httpHandler struct {
	tokens        TokenManager
	syncService   SyncRunner
	webhooks      WebhookIngestor
	routines      *routine.Service
	scheduler     SchedulerRunner
	mirrorStore   *mirror.Store
	apiSecret     string
	webhookSecret string
	logger        *zap.Logger
}

type tokenRequestPayload struct {
	ServiceSecret string `json:"service_secret"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ServiceSecret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.apiSecret == "" || request.ServiceSecret != h.apiSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), apiSubject)
	if err != nil {
		h.logger.Error("failed to issue api token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type webhookEnvelope struct {
	EventName   string          `json:"event_name"`
	Version     string          `json:"version"`
	EventData   json.RawMessage `json:"event_data"`
	EventEntity struct {
		EntityID   string `json:"entity_id"`
		EntityType string `json:"entity_type"`
	} `json:"event_entity"`
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	if !webhook.VerifySignature(h.webhookSecret, body, c.GetHeader(headerSignature)) {
		h.logger.Warn("webhook signature rejected",
			zap.String("delivery_id", c.GetHeader(headerDeliveryID)))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	deliveryID := strings.TrimSpace(c.GetHeader(headerDeliveryID))
	if deliveryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_delivery_id"})
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	status, err := h.webhooks.Ingest(c.Request.Context(), webhook.Delivery{
		DeliveryID:      deliveryID,
		EventName:       envelope.EventName,
		ProtocolVersion: envelope.Version,
		EntityType:      envelope.EventEntity.EntityType,
		EntityID:        envelope.EventEntity.EntityID,
		Payload:         envelope.EventData,
	})
	if err != nil {
		h.logger.Error("webhook ingestion failed", zap.String("delivery_id", deliveryID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}

	// Always 200 on a recorded outcome so the remote does not redeliver.
	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

func (h *httpHandler) handleSyncRun(c *gin.Context) {
	summary, err := h.syncService.RunCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, remote.ErrMissingCredentials) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "remote_credentials_missing"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":         string(summary.Mode),
		"change_count": summary.ChangeCount,
		"sync_token":   summary.SyncToken,
		"duration_ms":  summary.Duration.Milliseconds(),
	})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	cursor, hasCursor, err := h.syncService.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	if !hasCursor {
		c.JSON(http.StatusOK, gin.H{"synced": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"synced":                   true,
		"service":                  cursor.Service,
		"last_full_sync_at":        cursor.LastFullSyncAt,
		"last_incremental_sync_at": cursor.LastIncrementalSyncAt,
	})
}

func (h *httpHandler) handleSchedulerRun(c *gin.Context) {
	summary, err := h.scheduler.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scheduler_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"routines_processed": summary.RoutinesProcessed,
		"tasks_created":      summary.TasksCreated,
		"tasks_missed":       summary.TasksMissed,
		"tasks_deferred":     summary.TasksDeferred,
		"errors":             summary.Errors,
		"duration_ms":        summary.Duration.Milliseconds(),
	})
}

type routineResponsePayload struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Frequency             string     `json:"frequency"`
	DurationMinutes       int        `json:"duration_minutes"`
	TimeOfDay             *string    `json:"time_of_day"`
	IdealDay              *int       `json:"ideal_day"`
	TargetProjectID       *string    `json:"target_project_id"`
	Labels                []string   `json:"labels"`
	Priority              int        `json:"priority"`
	Deferred              bool       `json:"deferred"`
	DeferralDate          *time.Time `json:"deferral_date"`
	LastCompletedDate     *time.Time `json:"last_completed_date"`
	CompletionRateOverall int        `json:"completion_rate_overall"`
	CompletionRateMonth   int        `json:"completion_rate_month"`
}

func toRoutinePayload(r routine.Routine) routineResponsePayload {
	return routineResponsePayload{
		ID:                    r.ID,
		Name:                  r.Name,
		Frequency:             string(r.Frequency),
		DurationMinutes:       r.DurationMinutes,
		TimeOfDay:             r.TimeOfDay,
		IdealDay:              r.IdealDay,
		TargetProjectID:       r.TargetProjectID,
		Labels:                decodeLabelsJSON(r.LabelsJSON),
		Priority:              r.Priority,
		Deferred:              r.Deferred,
		DeferralDate:          r.DeferralDate,
		LastCompletedDate:     r.LastCompletedDate,
		CompletionRateOverall: r.CompletionRateOverall,
		CompletionRateMonth:   r.CompletionRateMonth,
	}
}

func decodeLabelsJSON(labelsJSON string) []string {
	labels := []string{}
	if labelsJSON == "" {
		return labels
	}
	// A malformed blob yields an empty list rather than a failed response.
	_ = json.Unmarshal([]byte(labelsJSON), &labels)
	return labels
}

type routineDraftPayload struct {
	Name            string   `json:"name"`
	Frequency       string   `json:"frequency"`
	DurationMinutes int      `json:"duration_minutes"`
	TimeOfDay       *string  `json:"time_of_day"`
	IdealDay        *int     `json:"ideal_day"`
	TargetProjectID *string  `json:"target_project_id"`
	Labels          []string `json:"labels"`
	Priority        int      `json:"priority"`
}

func (h *httpHandler) handleCreateRoutine(c *gin.Context) {
	var request routineDraftPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.routines.CreateRoutine(c.Request.Context(), routine.RoutineDraft{
		Name:            request.Name,
		Frequency:       routine.Frequency(request.Frequency),
		DurationMinutes: request.DurationMinutes,
		TimeOfDay:       request.TimeOfDay,
		IdealDay:        request.IdealDay,
		TargetProjectID: request.TargetProjectID,
		Labels:          request.Labels,
		Priority:        request.Priority,
	})
	if err != nil {
		if errors.Is(err, routine.ErrInvalidRoutine) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, toRoutinePayload(created))
}

type routinePatchPayload struct {
	Name            *string              `json:"name"`
	Frequency       *string              `json:"frequency"`
	DurationMinutes *int                 `json:"duration_minutes"`
	Priority        *int                 `json:"priority"`
	Labels          []string             `json:"labels"`
	TimeOfDay       mirror.Field[string] `json:"time_of_day"`
	IdealDay        mirror.Field[int]    `json:"ideal_day"`
	TargetProjectID mirror.Field[string] `json:"target_project_id"`
}

func (h *httpHandler) handleUpdateRoutine(c *gin.Context) {
	var request routinePatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	patch := routine.RoutinePatch{
		Name:            request.Name,
		DurationMinutes: request.DurationMinutes,
		Priority:        request.Priority,
		Labels:          request.Labels,
		TimeOfDay:       request.TimeOfDay,
		IdealDay:        request.IdealDay,
		TargetProjectID: request.TargetProjectID,
	}
	if request.Frequency != nil {
		frequency := routine.Frequency(*request.Frequency)
		patch.Frequency = &frequency
	}

	updated, err := h.routines.UpdateRoutine(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondRoutineError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, toRoutinePayload(updated))
}

func (h *httpHandler) handleDeleteRoutine(c *gin.Context) {
	if err := h.routines.DeleteRoutine(c.Request.Context(), c.Param("id")); err != nil {
		h.respondRoutineError(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

type deferRequestPayload struct {
	Deferred     bool       `json:"deferred"`
	DeferralDate *time.Time `json:"deferral_date"`
}

func (h *httpHandler) handleDeferRoutine(c *gin.Context) {
	var request deferRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.routines.SetDeferred(c.Request.Context(), c.Param("id"), request.Deferred, request.DeferralDate)
	if err != nil {
		h.respondRoutineError(c, err, "defer_failed")
		return
	}
	c.JSON(http.StatusOK, toRoutinePayload(updated))
}

type clearPendingPayload struct {
	RoutineID string `json:"routine_id"`
}

func (h *httpHandler) handleClearPending(c *gin.Context) {
	var request clearPendingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	cleared, err := h.routines.ClearPendingTasks(c.Request.Context(), request.RoutineID)
	if err != nil {
		h.respondRoutineError(c, err, "clear_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleListRoutines(c *gin.Context) {
	routines, err := h.routines.ListRoutines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]routineResponsePayload, 0, len(routines))
	for _, r := range routines {
		payloads = append(payloads, toRoutinePayload(r))
	}
	c.JSON(http.StatusOK, gin.H{"routines": payloads})
}

type itemResponsePayload struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	SectionID   *string    `json:"section_id"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Labels      []string   `json:"labels"`
	DueDate     *time.Time `json:"due_date"`
	Deadline    *time.Time `json:"deadline"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	items, err := h.mirrorStore.ListItems(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]itemResponsePayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, itemResponsePayload{
			ID:          item.RemoteID,
			ProjectID:   item.ProjectRemoteID,
			SectionID:   item.SectionRemoteID,
			Content:     item.Content,
			Description: item.Description,
			Priority:    item.Priority,
			Labels:      decodeLabelsJSON(item.LabelsJSON),
			DueDate:     item.DueDate,
			Deadline:    item.Deadline,
			IsCompleted: item.IsCompleted,
			CompletedAt: item.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": payloads})
}

func (h *httpHandler) respondRoutineError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, routine.ErrRoutineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "routine_not_found"})
	case errors.Is(err, routine.ErrInvalidRoutine):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("routine request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
