package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

type capture struct {
	mu       sync.Mutex
	requests map[string]map[string]any
	done     chan struct{}
}

func newCaptureServer(t *testing.T) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{
		requests: make(map[string]map[string]any),
		done:     make(chan struct{}, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(SessionInfo{UserID: "u-1", AgentID: "a-1"})
			return
		}
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		c.mu.Lock()
		c.requests[r.URL.Path] = payload
		c.mu.Unlock()
		c.done <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func (c *capture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}
}

func (c *capture) get(path string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[path]
}

func TestTaskRefresh(t *testing.T) {
	srv, c := newCaptureServer(t)
	client := NewClient(Config{BaseURL: srv.URL})

	client.TaskRefresh("session-1")
	c.wait(t)

	payload := c.get("/task-refresh")
	require.NotNil(t, payload)
	assert.Equal(t, "session-1", payload["session_id"])
}

func TestTaskProvisionCarriesReplenish(t *testing.T) {
	srv, c := newCaptureServer(t)
	client := NewClient(Config{BaseURL: srv.URL})

	client.TaskProvision("session-1", 7, "Book meeting", "confirm attendees",
		time.Now(), models.TaskStateWaiting, []string{"1. attendee list"})
	c.wait(t)

	payload := c.get("/task-provision")
	require.NotNil(t, payload)
	assert.Equal(t, float64(7), payload["task_id"])
	assert.Equal(t, string(models.TaskStateWaiting), payload["state"])
	assert.Equal(t, []any{"1. attendee list"}, payload["replenish"])
}

func TestTaskResultNotify(t *testing.T) {
	srv, c := newCaptureServer(t)
	client := NewClient(Config{BaseURL: srv.URL})

	client.TaskResultNotify("session-1", 7, "Book meeting", models.TaskStateFinished)
	c.wait(t)

	payload := c.get("/task-result-notify")
	require.NotNil(t, payload)
	assert.Equal(t, string(models.TaskStateFinished), payload["state"])
}

func TestGetInfoBySessionID(t *testing.T) {
	srv, _ := newCaptureServer(t)
	client := NewClient(Config{BaseURL: srv.URL})

	info, err := client.GetInfoBySessionID(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, SessionInfo{UserID: "u-1", AgentID: "a-1"}, info)
}

func TestGetInfoBySessionIDServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.GetInfoBySessionID(context.Background(), "session-1")
	assert.Error(t, err)
}
