// Package summarizer adapts the Upstream Client into a condenser.Summarizer:
// it issues a small, non-streaming Anthropic-dialect request against the
// configured provider and returns the text of the reply, so conversation
// summary/key-point/progressive strategies get a real model call instead
// of falling back to their heuristic paths on every invocation.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/mapper"
	"github.com/howard-nolan/llmrouter/internal/scaler"
	"github.com/howard-nolan/llmrouter/internal/upstream"
)

// defaultModel is the upstream model id used for condensation calls. It is
// deliberately not routed through internal/router — condensation is an
// internal maintenance call, not a client-facing request, so it always
// talks to the Anthropic-style endpoint directly.
const defaultModel = "claude-3-5-haiku-20241022"

// New returns a condenser.Summarizer backed by client. model overrides
// defaultModel when non-empty.
func New(client *upstream.Client, model string) func(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if model == "" {
		model = defaultModel
	}
	return func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		if maxTokens <= 0 {
			maxTokens = 512
		}

		req := mapper.AnthropicRequest{
			Model:     model,
			MaxTokens: maxTokens,
			Messages: []mapper.AnthropicMessage{
				{
					Role:    "user",
					Content: []mapper.AnthropicContentBlock{{Type: "text", Text: prompt}},
				},
			},
		}
		body, err := json.Marshal(req)
		if err != nil {
			return "", fmt.Errorf("summarizer: encode request: %w", err)
		}

		result, err := client.Do(ctx, upstream.Request{
			Family:  scaler.Anthropic,
			Path:    "/messages",
			Body:    body,
			Headers: http.Header{},
		})
		if err != nil {
			return "", fmt.Errorf("summarizer: upstream call: %w", err)
		}
		if result.StatusCode >= 300 {
			return "", fmt.Errorf("summarizer: upstream status %d", result.StatusCode)
		}

		var resp mapper.AnthropicResponse
		if err := json.Unmarshal(result.Body, &resp); err != nil {
			return "", fmt.Errorf("summarizer: decode response: %w", err)
		}

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text, nil
	}
}
