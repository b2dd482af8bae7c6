// Package notify is the client for the external session service. State
// change notifications are fire-and-forget: failures are logged, never
// propagated into the engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

// Config locates the session service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// LoadConfigFromEnv reads the notifier configuration from the environment.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL: os.Getenv("SESSION_SERVICE_URL"),
		Timeout: 10 * time.Second,
	}
	if raw := os.Getenv("SESSION_SERVICE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Timeout = d
		}
	}
	return cfg
}

// SessionInfo identifies the user and agent behind a session.
type SessionInfo struct {
	UserID  string `json:"userId"`
	AgentID string `json:"agentId"`
}

// Client talks to the session service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a notifier client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// TaskRefresh asks the session UI to reload its task list.
func (c *Client) TaskRefresh(sessionID string) {
	c.fireAndForget("task-refresh", map[string]any{
		"session_id": sessionID,
	})
}

// TaskProvision notifies the session that a task is waiting for user input.
func (c *Client) TaskProvision(sessionID string, taskID int64, taskName, description string, createdAt time.Time, state models.TaskState, replenish []string) {
	c.fireAndForget("task-provision", map[string]any{
		"session_id":  sessionID,
		"task_id":     taskID,
		"task_name":   taskName,
		"description": description,
		"created_at":  createdAt.UTC(),
		"state":       state,
		"replenish":   replenish,
	})
}

// TaskResultNotify announces a terminal task outcome.
func (c *Client) TaskResultNotify(sessionID string, taskID int64, taskName string, state models.TaskState) {
	c.fireAndForget("task-result-notify", map[string]any{
		"session_id": sessionID,
		"task_id":    taskID,
		"task_name":  taskName,
		"state":      state,
	})
}

// GetInfoBySessionID resolves the user and agent behind a session. Unlike the
// notifications this call is synchronous.
func (c *Client) GetInfoBySessionID(ctx context.Context, sessionID string) (SessionInfo, error) {
	url := fmt.Sprintf("%s/sessions/%s/info", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to build session info request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to fetch session info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return SessionInfo{}, fmt.Errorf("session info request returned %d: %s", resp.StatusCode, body)
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return SessionInfo{}, fmt.Errorf("failed to decode session info: %w", err)
	}
	return info, nil
}

// fireAndForget posts the payload in the background and logs failures.
func (c *Client) fireAndForget(endpoint string, payload map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
		defer cancel()
		if err := c.post(ctx, endpoint, payload); err != nil {
			slog.Error("Notification failed", "endpoint", endpoint, "error", err)
		}
	}()
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("session service returned %d", resp.StatusCode)
	}
	return nil
}
