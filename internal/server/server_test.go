package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/mapper"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/tokenizer"
	"github.com/howard-nolan/llmrouter/internal/upstream"
)

// newTestServer builds a Server whose Upstream client talks to a local
// httptest backend that plays both the Anthropic /messages and OpenAI
// /chat/completions roles, matching the real proxy having one configured
// upstream provider with two dialects.
func newTestServer(t *testing.T, backend *httptest.Server, routing router.Config) *Server {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			AnthropicBase:  backend.URL,
			OpenAIBase:     backend.URL,
			RequestTimeout: 5 * time.Second,
			StreamTimeout:  5 * time.Second,
			ConnectTimeout: 2 * time.Second,
			RetryAttempts:  0,
		},
	}
	client := upstream.New(cfg.Upstream)
	return New(cfg, Dependencies{
		Routing:   routing,
		Tokenizer: tokenizer.New(100),
		Upstream:  client,
	})
}

func TestHealthEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("health check must not dispatch upstream")
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestMessagesEndpointRoutesTextToAnthropicAndReturnsAnthropicShape(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mapper.AnthropicResponse{
			ID:    "msg_1",
			Model: "claude-upstream",
			Content: []mapper.AnthropicContentBlock{
				{Type: "text", Text: "hello there"},
			},
			StopReason: "end_turn",
			Usage:      mapper.AnthropicUsage{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{})

	body, _ := json.Marshal(mapper.AnthropicRequest{
		Model: "claude-text",
		Messages: []mapper.AnthropicMessage{{
			Role:    "user",
			Content: []mapper.AnthropicContentBlock{{Type: "text", Text: "hi"}},
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))

	var resp mapper.AnthropicResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "claude-text", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello there", resp.Content[0].Text)
}

func TestMessagesEndpointRoutesImageToOpenAIAndTranslatesBack(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		promptTokens, completionTokens, totalTokens := 20, 8, 28
		finishReason := "stop"
		json.NewEncoder(w).Encode(mapper.OpenAIChatCompletionResponse{
			ID:    "chatcmpl_1",
			Model: "gpt-vision-upstream",
			Choices: []mapper.OpenAIChoice{{
				Index:        0,
				Message:      mapper.OpenAIResponseMessage{Role: "assistant", Content: "I see an image"},
				FinishReason: &finishReason,
			}},
			Usage: mapper.OpenAIUsage{
				PromptTokens:     &promptTokens,
				CompletionTokens: &completionTokens,
				TotalTokens:      &totalTokens,
			},
		})
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{AutoVisionModel: "auto-vision"})

	body, _ := json.Marshal(mapper.AnthropicRequest{
		Model: "claude-text",
		Messages: []mapper.AnthropicMessage{{
			Role: "user",
			Content: []mapper.AnthropicContentBlock{
				{Type: "text", Text: "what is this"},
				{Type: "image", Source: &mapper.AnthropicImageSource{Type: "base64", MediaType: "image/png", Data: "aGVsbG8="}},
			},
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp mapper.AnthropicResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "claude-text", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "I see an image", resp.Content[0].Text)
}

func TestUpstreamErrorIsPassedThroughWithStatusCode(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{})
	body, _ := json.Marshal(mapper.AnthropicRequest{
		Model: "claude-text",
		Messages: []mapper.AnthropicMessage{{
			Role:    "user",
			Content: []mapper.AnthropicContentBlock{{Type: "text", Text: "hi"}},
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_error")
}

func TestCountTokensReturnsConsistentKeysAndScalesForVision(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("count_tokens must not dispatch upstream")
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{AutoVisionModel: "vision-model"})
	srv.deps.ScaleCountTokensForVision = true
	srv.deps.VisionCountScale = 0.5

	body, _ := json.Marshal(mapper.AnthropicRequest{
		Model: "vision-model",
		Messages: []mapper.AnthropicMessage{{
			Role:    "user",
			Content: []mapper.AnthropicContentBlock{{Type: "text", Text: "count me please"}},
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "VISION", w.Header().Get("X-Proxy-Count-Scaled"))

	var out map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, out["input_tokens"], out["token_count"])
	assert.Equal(t, out["input_tokens"], out["input_token_count"])
	assert.Greater(t, out["input_tokens"], 0)
}

func TestModelsListingAndLookup(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("models listing must not dispatch upstream")
	}))
	defer backend.Close()

	srv := newTestServer(t, backend, router.Config{
		ModelMap:        map[string]string{"claude-alias": "claude-upstream"},
		AutoTextModel:   "auto-text",
		AutoVisionModel: "auto-vision",
	})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Data []modelEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.GreaterOrEqual(t, len(listing.Data), 4)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models/claude-alias", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
