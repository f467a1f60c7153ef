package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	c := NewClient(serverURL, "r8_test", "model-version")
	c.pollInterval = time.Millisecond
	return c
}

func TestClient_Generate(t *testing.T) {
	t.Run("SubmitsAndPollsToSuccess", func(t *testing.T) {
		var polls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Token r8_test", r.Header.Get("Authorization"))
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
				var body struct {
					Version string          `json:"version"`
					Input   json.RawMessage `json:"input"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "model-version", body.Version)
				fmt.Fprint(w, `{"id": "job-1", "status": "starting"}`)
			case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/job-1":
				if atomic.AddInt32(&polls, 1) < 3 {
					fmt.Fprint(w, `{"id": "job-1", "status": "processing"}`)
					return
				}
				fmt.Fprint(w, `{"id": "job-1", "status": "succeeded", "output": ["https://cdn.example.com/out-0.webp"]}`)
			default:
				http.NotFound(w, r)
			}
		}))
		defer server.Close()

		jobID, urls, err := newTestClient(server.URL).Generate(context.Background(), "a prompt", "", models.GenerationParams{NumOutputs: 1})
		require.NoError(t, err)
		assert.Equal(t, "job-1", jobID)
		assert.Equal(t, []string{"https://cdn.example.com/out-0.webp"}, urls)
		assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
	})

	t.Run("FailedPrediction", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				fmt.Fprint(w, `{"id": "job-2", "status": "starting"}`)
				return
			}
			fmt.Fprint(w, `{"id": "job-2", "status": "failed", "error": "NSFW content detected"}`)
		}))
		defer server.Close()

		jobID, urls, err := newTestClient(server.URL).Generate(context.Background(), "a prompt", "", models.GenerationParams{})
		require.Error(t, err)
		assert.Equal(t, "job-2", jobID)
		assert.Nil(t, urls)
		assert.Contains(t, err.Error(), "NSFW content detected")
	})

	t.Run("ContextCancelDuringPoll", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				fmt.Fprint(w, `{"id": "job-3", "status": "starting"}`)
				return
			}
			fmt.Fprint(w, `{"id": "job-3", "status": "processing"}`)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		jobID, _, err := newTestClient(server.URL).Generate(ctx, "a prompt", "", models.GenerationParams{})
		require.Error(t, err)
		assert.Equal(t, "job-3", jobID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("EmptyOutputIsAnError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id": "job-4", "status": "succeeded", "output": []}`)
		}))
		defer server.Close()

		_, _, err := newTestClient(server.URL).Generate(context.Background(), "a prompt", "", models.GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty output")
	})

	t.Run("ProviderError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprint(w, `{"error": "insufficient provider credit"}`)
		}))
		defer server.Close()

		_, _, err := newTestClient(server.URL).Generate(context.Background(), "a prompt", "", models.GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient provider credit")
	})
}

func TestDecodeOutput(t *testing.T) {
	urls, err := decodeOutput(json.RawMessage(`["https://a", "https://b"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "https://b"}, urls)

	urls, err = decodeOutput(json.RawMessage(`"https://single"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://single"}, urls)

	urls, err = decodeOutput(nil)
	require.NoError(t, err)
	assert.Nil(t, urls)

	_, err = decodeOutput(json.RawMessage(`42`))
	assert.Error(t, err)
}
