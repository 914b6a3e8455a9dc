package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/types"
)

func newTestGeneration(t *testing.T, handler http.HandlerFunc) *GenerationClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGenerationClientWithBase(newTestClient(t, fastPolicy(1)), GenerationClientConfig{
		BaseURL: server.URL,
		APIKey:  "gen-key",
	})
}

func TestGenerateAndDispatch(t *testing.T) {
	var got generateRequest
	var auth string
	c := newTestGeneration(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generations", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messageId":"msg-1","title":"T","prompt":"P"}`))
	})

	res, err := c.GenerateAndDispatch(context.Background(), "chan-1", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, types.GenerationResult{MessageRef: "msg-1", Title: "T", PromptText: "P"}, res)
	assert.Equal(t, generateRequest{ChannelID: "chan-1", OwnerID: "owner-1"}, got)
	assert.Equal(t, "Bearer gen-key", auth)
}

func TestGenerateAndDispatch_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      types.ErrorCode
		retryable bool
	}{
		{"conflict", http.StatusConflict, `{"message":"busy"}`, types.ErrCodeUpstreamInProgress, true},
		{"bad request", http.StatusBadRequest, `{"message":"unknown channel"}`, types.ErrCodeTerminalRequest, false},
		{"no message id", http.StatusOK, `{}`, types.ErrCodeUpstreamGeneration, true},
		{"server error", http.StatusInternalServerError, ``, types.ErrCodeUpstreamUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestGeneration(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.GenerateAndDispatch(context.Background(), "chan-1", "owner-1")
			require.Error(t, err)
			assert.Equal(t, tt.code, appCode(t, err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestRunDownloadAndPublish(t *testing.T) {
	var got downloadRequest
	c := newTestGeneration(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/downloads", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":true,"fileId":"drive-42"}`))
	})

	out, err := c.RunDownloadAndPublish(context.Background(), types.DelayedTask{
		ID: "task_1", ChannelID: "chan-1", OwnerID: "owner-1", MessageRef: "msg-1",
		Title: "T", RunAt: time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "drive-42", out.DestinationRef)
	assert.Equal(t, "task_1", got.TaskID)
	assert.Equal(t, "msg-1", got.MessageRef)
}

func TestRunDownloadAndPublish_ReportedFailure(t *testing.T) {
	c := newTestGeneration(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"video not ready"}`))
	})

	out, err := c.RunDownloadAndPublish(context.Background(), types.DelayedTask{ID: "task_1", MessageRef: "m"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "video not ready", out.Error)
}

func TestNewGenerationClient_DispatchIsSentOnce(t *testing.T) {
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"messageId":"msg-2"}`))
	}))
	defer server.Close()

	c := NewGenerationClient(server.Client(), GenerationClientConfig{BaseURL: server.URL, APIKey: "gen-key"})

	_, err := c.GenerateAndDispatch(context.Background(), "chan-1", "owner-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appCode(t, err))
	assert.Equal(t, int32(1), posts.Load(), "a failed dispatch must not be re-sent within the call")
}

func TestNewGenerationClient_DownloadIsSentOnce(t *testing.T) {
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewGenerationClient(server.Client(), GenerationClientConfig{BaseURL: server.URL})

	_, err := c.RunDownloadAndPublish(context.Background(), types.DelayedTask{ID: "task_1", MessageRef: "m"})
	require.Error(t, err)
	assert.Equal(t, int32(1), posts.Load())
}
