package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// FullSyncToken is the wildcard cursor requesting a complete snapshot.
	FullSyncToken = "*"

	defaultRequestTimeout = 30 * time.Second
)

// ErrMissingCredentials indicates no API token is configured. This is a
// configuration fault, not a transient one: callers abort immediately and do
// not schedule a retry.
var ErrMissingCredentials = errors.New("remote: api token is not configured")

// TransportError wraps a failed HTTP exchange with the remote service.
// Recovery is via the next scheduled invocation, never in-process retry.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote: %s returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("remote: %s failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PullResponse is the remote service's answer to a sync pull.
type PullResponse struct {
	SyncToken string               `json:"sync_token"`
	FullSync  bool                 `json:"full_sync"`
	Projects  []mirror.RawProject  `json:"projects"`
	Sections  []mirror.RawSection  `json:"sections"`
	Labels    []mirror.RawLabel    `json:"labels"`
	Items     []mirror.RawItem     `json:"items"`
	Notes     []mirror.RawNote     `json:"notes"`
	Reminders []mirror.RawReminder `json:"reminders"`
}

// Command is one mutation in a command batch. UUID is the caller-generated
// idempotency key; the remote service deduplicates on it.
type Command struct {
	Type   string                 `json:"type"`
	UUID   string                 `json:"uuid"`
	TempID string                 `json:"temp_id,omitempty"`
	Args   map[string]interface{} `json:"args"`
}

// ExecuteResponse reports per-command outcomes and temp-id resolution.
type ExecuteResponse struct {
	TempIDMapping map[string]string          `json:"temp_id_mapping"`
	SyncStatus    map[string]json.RawMessage `json:"sync_status"`
}

// CommandOK reports whether the remote accepted the command with the given
// idempotency uuid.
func (r ExecuteResponse) CommandOK(commandUUID string) bool {
	raw, found := r.SyncStatus[commandUUID]
	if !found {
		return false
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return false
	}
	return status == "ok"
}

// ClientConfig configures the remote sync client.
type ClientConfig struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues authenticated calls against the remote task service's sync
// endpoint.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client. A missing token is tolerated here and
// reported per call so the rest of the service can run unconfigured.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:   strings.TrimSpace(cfg.APIToken),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Pull requests the delta since syncToken for the given resource types.
// Passing FullSyncToken requests a complete snapshot.
func (c *Client) Pull(ctx context.Context, syncToken string, resourceTypes []mirror.ResourceType) (PullResponse, error) {
	if c.apiToken == "" {
		return PullResponse{}, ErrMissingCredentials
	}

	typeNames := make([]string, 0, len(resourceTypes))
	for _, resourceType := range resourceTypes {
		typeNames = append(typeNames, string(resourceType))
	}

	requestBody := map[string]interface{}{
		"sync_token":     syncToken,
		"resource_types": typeNames,
	}

	var response PullResponse
	if err := c.postSync(ctx, "pull", requestBody, &response); err != nil {
		return PullResponse{}, err
	}
	return response, nil
}

// Execute submits a command batch and returns the per-command outcomes.
func (c *Client) Execute(ctx context.Context, commands []Command) (ExecuteResponse, error) {
	if c.apiToken == "" {
		return ExecuteResponse{}, ErrMissingCredentials
	}

	requestBody := map[string]interface{}{
		"commands": commands,
	}

	var response ExecuteResponse
	if err := c.postSync(ctx, "execute", requestBody, &response); err != nil {
		return ExecuteResponse{}, err
	}
	return response, nil
}

// TaskDraft describes a task to create remotely.
type TaskDraft struct {
	Content   string
	ProjectID string
	Labels    []string
	Priority  int
	DueDate   *time.Time
}

// CreateTask creates one remote task and resolves its assigned remote id.
func (c *Client) CreateTask(ctx context.Context, draft TaskDraft) (string, error) {
	tempID := uuid.NewString()
	args := map[string]interface{}{
		"content":  draft.Content,
		"priority": draft.Priority,
		"labels":   draft.Labels,
	}
	if draft.ProjectID != "" {
		args["project_id"] = draft.ProjectID
	}
	if draft.DueDate != nil {
		args["due"] = map[string]interface{}{"date": draft.DueDate.UTC().Format(time.RFC3339)}
	}

	command := Command{
		Type:   "item_add",
		UUID:   uuid.NewString(),
		TempID: tempID,
		Args:   args,
	}

	response, err := c.Execute(ctx, []Command{command})
	if err != nil {
		return "", err
	}
	if !response.CommandOK(command.UUID) {
		return "", &TransportError{Operation: "item_add", Err: fmt.Errorf("command %s rejected", command.UUID)}
	}
	remoteID, found := response.TempIDMapping[tempID]
	if !found || remoteID == "" {
		return "", &TransportError{Operation: "item_add", Err: errors.New("temp id was not resolved")}
	}
	return remoteID, nil
}

// CompleteTask marks one remote task complete.
func (c *Client) CompleteTask(ctx context.Context, remoteTaskID string) error {
	command := Command{
		Type: "item_complete",
		UUID: uuid.NewString(),
		Args: map[string]interface{}{"id": remoteTaskID},
	}

	response, err := c.Execute(ctx, []Command{command})
	if err != nil {
		return err
	}
	if !response.CommandOK(command.UUID) {
		return &TransportError{Operation: "item_complete", Err: fmt.Errorf("command %s rejected", command.UUID)}
	}
	return nil
}

// DeleteTask deletes one remote task.
func (c *Client) DeleteTask(ctx context.Context, remoteTaskID string) error {
	command := Command{
		Type: "item_delete",
		UUID: uuid.NewString(),
		Args: map[string]interface{}{"id": remoteTaskID},
	}

	response, err := c.Execute(ctx, []Command{command})
	if err != nil {
		return err
	}
	if !response.CommandOK(command.UUID) {
		return &TransportError{Operation: "item_delete", Err: fmt.Errorf("command %s rejected", command.UUID)}
	}
	return nil
}

func (c *Client) postSync(ctx context.Context, operation string, requestBody interface{}, response interface{}) error {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return &TransportError{Operation: operation, Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(encoded))
	if err != nil {
		return &TransportError{Operation: operation, Err: err}
	}
	request.Header.Set("Authorization", "Bearer "+c.apiToken)
	request.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return &TransportError{Operation: operation, Err: err}
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		io.Copy(io.Discard, httpResponse.Body) //nolint:errcheck
		return &TransportError{Operation: operation, StatusCode: httpResponse.StatusCode}
	}

	if err := json.NewDecoder(httpResponse.Body).Decode(response); err != nil {
		return &TransportError{Operation: operation, Err: err}
	}

	c.logger.Debug("remote call completed",
		zap.String("operation", operation),
		zap.Duration("duration", time.Since(start)))
	return nil
}
