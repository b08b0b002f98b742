package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/genba/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DeliversPayload(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewNotifier(config.NotifyConfig{Timeout: "2s"})
	require.NoError(t, err)

	n.Notify(context.Background(), srv.URL, Event{
		TaskID: "t-1",
		Status: "auto_healed",
		Result: "rolled back 2 files",
	})

	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, "auto_healed", got.Status)
	assert.Equal(t, "rolled back 2 files", got.Result)
	assert.False(t, got.Timestamp.IsZero())
}

func TestNotifier_DeadEndpointDoesNotPanicOrBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	n, err := NewNotifier(config.NotifyConfig{Timeout: "500ms"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		n.Notify(context.Background(), url, Event{TaskID: "t-2", Status: "completed"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("notify blocked on dead endpoint")
	}
}

func TestNotifier_ServerErrorIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewNotifier(config.NotifyConfig{Timeout: "2s"})
	require.NoError(t, err)

	n.Notify(context.Background(), srv.URL, Event{TaskID: "t-3", Status: "failed"})
}

func TestNotifier_NoWebhookIsNoop(t *testing.T) {
	n, err := NewNotifier(config.NotifyConfig{})
	require.NoError(t, err)

	n.Notify(context.Background(), "", Event{TaskID: "t-4", Status: "completed"})
}
