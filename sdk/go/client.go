package flowlinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowline HTTP API client. The API is read-only.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Definition represents the API definition model (partial).
type Definition struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// Stage represents one node of a definition graph.
type Stage struct {
	ID           string   `json:"id"`
	DefinitionID string   `json:"definition_id"`
	Name         string   `json:"name"`
	OrderIndex   int      `json:"order_index"`
	IsEnd        bool     `json:"is_end"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// Transition represents one edge of a definition graph.
type Transition struct {
	ID          string  `json:"id"`
	FromStageID string  `json:"from_stage_id"`
	ToStageID   string  `json:"to_stage_id"`
	Condition   *string `json:"condition,omitempty"`
	Position    int     `json:"position"`
}

// DefinitionDetail bundles a definition with its graph.
type DefinitionDetail struct {
	Definition  Definition   `json:"definition"`
	Stages      []Stage      `json:"stages"`
	Transitions []Transition `json:"transitions"`
}

// Session represents a running or finished flow session.
type Session struct {
	ID              string            `json:"id"`
	DefinitionID    string            `json:"definition_id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	CurrentStageID  *string           `json:"current_stage_id,omitempty"`
	CompletedStages []string          `json:"completed_stages,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	UpdatedAt       string            `json:"updated_at"`
}

// StageInstance is one visit of a session to a stage.
type StageInstance struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"session_id"`
	StageID     string   `json:"stage_id"`
	Status      string   `json:"status"`
	DoneItems   []string `json:"done_items,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

// SessionDetail bundles a session with its instance history and progress.
type SessionDetail struct {
	Session   Session         `json:"session"`
	Instances []StageInstance `json:"instances"`
	Progress  float64         `json:"progress"`
}

// Event is one status change record.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	SessionID    string `json:"session_id,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListDefinitions returns definitions, optionally filtered by status.
func (c *Client) ListDefinitions(ctx context.Context, status string) ([]Definition, error) {
	var resp struct {
		Items []Definition `json:"items"`
	}
	endpoint := "v0/definitions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, endpoint, &resp)
	return resp.Items, err
}

// GetDefinition fetches a definition with its graph.
func (c *Client) GetDefinition(ctx context.Context, id string) (DefinitionDetail, error) {
	var resp DefinitionDetail
	err := c.do(ctx, "v0/definitions/"+url.PathEscape(id), &resp)
	return resp, err
}

// ListSessions returns sessions, optionally filtered by definition and status.
func (c *Client) ListSessions(ctx context.Context, definitionID, status string) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	q := url.Values{}
	if definitionID != "" {
		q.Set("definition_id", definitionID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v0/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, endpoint, &resp)
	return resp.Items, err
}

// GetSession fetches a session with its stage history.
func (c *Client) GetSession(ctx context.Context, id string) (SessionDetail, error) {
	var resp SessionDetail
	err := c.do(ctx, "v0/sessions/"+url.PathEscape(id), &resp)
	return resp, err
}

// GetSessionContext fetches the shared context of a session.
func (c *Client) GetSessionContext(ctx context.Context, id string) (map[string]string, error) {
	var resp struct {
		Context map[string]string `json:"context"`
	}
	err := c.do(ctx, "v0/sessions/"+url.PathEscape(id)+"/context", &resp)
	return resp.Context, err
}

// TailEvents returns the latest status events, newest first.
func (c *Client) TailEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, endpoint, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
