package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	c := NewClient(url, "secret-key", ClientOptions{})
	c.retryDelay = func(int, error) time.Duration { return time.Millisecond }
	return c
}

func TestChatCompletionSendsPayloadAndKey(t *testing.T) {
	t.Parallel()
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openai/deployments/gpt/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "secret-key", r.Header.Get("api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"Olá"}}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL + "/openai/deployments/gpt/chat/completions?api-version=2024-02-01")
	resp, err := c.ChatCompletion(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "user", Content: "oi"}},
		Tools:       []Tool{{Type: "function", Function: Function{Name: "list_tasks"}}},
		ToolChoice:  "auto",
		Temperature: 0.2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Olá", resp.Choices[0].Message.Content)

	assert.Equal(t, "auto", got.ToolChoice)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "list_tasks", got.Tools[0].Function.Name)
}

func TestChatCompletionRetriesRateLimits(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":"429"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	resp, err := testClient(server.URL).ChatCompletion(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth","code":"401"}}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).ChatCompletion(context.Background(), ChatRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad key", apiErr.Message)
	assert.False(t, apiErr.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatCompletionGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := testClient(server.URL).ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Contains(t, err.Error(), "upstream down")
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestCalculateRetryDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, baseRetryDelay, calculateRetryDelay(1, errors.New("eof")))
	assert.Equal(t, 2*baseRetryDelay, calculateRetryDelay(2, nil))
	assert.Equal(t, maxRetryDelay, calculateRetryDelay(30, nil))
	assert.Equal(t, 3*time.Second, calculateRetryDelay(1, &APIError{RetryAfter: 3 * time.Second}))
	assert.Equal(t, maxRetryDelay, calculateRetryDelay(1, &APIError{RetryAfter: time.Hour}))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Zero(t, parseRetryAfter("soon"))
}
