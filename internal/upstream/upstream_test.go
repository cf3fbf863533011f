package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/scaler"
)

func testCfg(base string) config.UpstreamConfig {
	return config.UpstreamConfig{
		AnthropicBase:    base,
		OpenAIBase:       base,
		ServerAPIKey:     "server-key",
		ForwardClientKey: true,
		AnthropicVersion: "2023-06-01",
		ConnectTimeout:   2 * time.Second,
		RequestTimeout:   2 * time.Second,
		StreamTimeout:    2 * time.Second,
		RetryBackoff:     1 * time.Millisecond,
		RetryAttempts:    3,
	}
}

func TestDoSuccessForwardsAnthropicKey(t *testing.T) {
	var seenKey, seenVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("x-api-key")
		seenVersion = r.Header.Get("anthropic-version")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	headers := http.Header{}
	headers.Set("x-api-key", "client-key")

	res, err := c.Do(context.Background(), Request{Family: scaler.Anthropic, Path: "/messages", Body: []byte(`{}`), Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "client-key", seenKey)
	assert.Equal(t, "2023-06-01", seenVersion)
}

func TestDoSuccessSynthesizesKeyWhenAbsent(t *testing.T) {
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	res, err := c.Do(context.Background(), Request{Family: scaler.OpenAI, Path: "/chat/completions", Body: []byte(`{}`), Headers: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Bearer server-key", seenAuth)
}

func TestDoDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	res, err := c.Do(context.Background(), Request{Family: scaler.Anthropic, Path: "/messages", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	res, err := c.Do(context.Background(), Request{Family: scaler.Anthropic, Path: "/messages", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoExhaustsRetriesAndReportsConnectionLost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	_, err := c.Do(context.Background(), Request{Family: scaler.Anthropic, Path: "/messages", Body: []byte(`{}`)})
	require.Error(t, err)
	var connErr *ConnectionLostError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBuildHeadersStripsNullValuedHeaders(t *testing.T) {
	c := New(testCfg("http://example.invalid"))
	caller := http.Header{}
	caller.Set("X-Custom", "")
	caller.Set("X-Kept", "value")
	h := c.buildHeaders(scaler.Anthropic, caller)
	assert.Empty(t, h.Get("X-Custom"))
	assert.Equal(t, "value", h.Get("X-Kept"))
}

func TestRedactHeadersHidesCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Api-Key", "secret-key")
	h.Set("X-Other", "plain")

	redacted := RedactHeaders(h)
	assert.Equal(t, "[REDACTED]", redacted.Get("Authorization"))
	assert.Equal(t, "[REDACTED]", redacted.Get("X-Api-Key"))
	assert.Equal(t, "plain", redacted.Get("X-Other"))
	assert.Equal(t, "Bearer secret", h.Get("Authorization"), "original header must not be mutated")
}

func TestIsEventStream(t *testing.T) {
	sse := &http.Response{Header: http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}}}
	json := &http.Response{Header: http.Header{"Content-Type": []string{"application/json"}}}
	assert.True(t, IsEventStream(sse))
	assert.False(t, IsEventStream(json))
}
