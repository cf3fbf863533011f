// Package streambridge bridges Server-Sent-Events streams between the
// Anthropic Messages API's named-event grammar and the OpenAI Chat
// Completions API's `data: {json}` grammar — the four upstream/downstream
// combinations spec.md §4.7 tables out, plus the non-streaming-fallback and
// mid-stream-failure paths every combination shares.
package streambridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmrouter/internal/mapper"
	"github.com/howard-nolan/llmrouter/internal/scaler"
)

// usageSearchMaxDepth bounds the recursive last_seen_usage search, mirroring
// mapper.MaxCacheControlDepth's guard against pathological nesting.
const usageSearchMaxDepth = 32

// frame is one parsed SSE frame: an optional named event and its (possibly
// multi-line) data payload.
type frame struct {
	event string
	data  string
}

// forEachSSEFrame reads r as an SSE byte stream and invokes fn once per
// frame, in order, buffering at most one frame at a time. It understands
// both grammars this package bridges: Anthropic's "event: name\ndata:
// {...}\n\n" and OpenAI's bare "data: {...}\n\n". A non-nil error from fn
// stops iteration immediately; a transport error reading r is returned
// after any buffered frame is flushed to fn.
func forEachSSEFrame(r io.Reader, fn func(frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var cur frame
	var dataLines []string

	flush := func() error {
		if cur.event == "" && len(dataLines) == 0 {
			return nil
		}
		cur.data = strings.Join(dataLines, "\n")
		err := fn(cur)
		cur, dataLines = frame{}, nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ":comment", "id:", "retry:" and anything else: not part of
			// the data this bridge cares about.
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

func flushWriter(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeOpenAIChunk(w io.Writer, chunk openAIStreamChunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("streambridge: marshal openai chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	flushWriter(w)
	return nil
}

func writeDone(w io.Writer) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	flushWriter(w)
	return nil
}

func writeAnthropicEvent(w io.Writer, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambridge: marshal anthropic event %s: %w", eventType, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b); err != nil {
		return err
	}
	flushWriter(w)
	return nil
}

// openAIStreamChunk is one `data:` frame of an OpenAI chat completion
// stream.
type openAIStreamChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *mapper.OpenAIUsage  `json:"usage,omitempty"`
}

type openAIStreamChoice struct {
	Index        int          `json:"index"`
	Delta        openAIDelta  `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type openAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// anthropicStreamEvent is the union of fields the Anthropic event types this
// bridge understands (message_start, content_block_delta, message_delta)
// can carry. Irrelevant fields are simply absent on a given event type.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string                `json:"id"`
		Model string                `json:"model"`
		Usage mapper.AnthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *mapper.AnthropicUsage `json:"usage,omitempty"`
}

// findUsage recursively searches data (parsed as JSON) for the first object
// carrying an input_tokens field, bounded to usageSearchMaxDepth levels,
// and returns it decoded as an AnthropicUsage. Used to track last_seen_usage
// across an Anthropic-grammar SSE stream.
func findUsage(data string) (mapper.AnthropicUsage, bool) {
	obj, ok := searchUsage(gjson.Parse(data), 0)
	if !ok {
		return mapper.AnthropicUsage{}, false
	}
	var u mapper.AnthropicUsage
	if err := json.Unmarshal([]byte(obj.Raw), &u); err != nil {
		return mapper.AnthropicUsage{}, false
	}
	return u, true
}

func searchUsage(v gjson.Result, depth int) (gjson.Result, bool) {
	if depth > usageSearchMaxDepth {
		return gjson.Result{}, false
	}
	if v.IsObject() {
		if v.Get("input_tokens").Exists() {
			return v, true
		}
		var found gjson.Result
		ok := false
		v.ForEach(func(_, val gjson.Result) bool {
			if r, o := searchUsage(val, depth+1); o {
				found, ok = r, true
				return false
			}
			return true
		})
		return found, ok
	}
	if v.IsArray() {
		var found gjson.Result
		ok := false
		v.ForEach(func(_, val gjson.Result) bool {
			if r, o := searchUsage(val, depth+1); o {
				found, ok = r, true
				return false
			}
			return true
		})
		return found, ok
	}
	return gjson.Result{}, false
}

func toScalerUsage(u mapper.AnthropicUsage) scaler.Usage {
	prompt := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	return scaler.Usage{PromptTokens: prompt, CompletionTokens: u.OutputTokens, TotalTokens: prompt + u.OutputTokens}
}

func toScalerUsageFromOpenAI(u mapper.OpenAIUsage) scaler.Usage {
	var su scaler.Usage
	if u.PromptTokens != nil {
		su.PromptTokens = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		su.CompletionTokens = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		su.TotalTokens = *u.TotalTokens
	}
	return su
}

func openAIUsageFromScaler(su scaler.Usage) mapper.OpenAIUsage {
	p, c, t := su.PromptTokens, su.CompletionTokens, su.TotalTokens
	return mapper.OpenAIUsage{PromptTokens: &p, CompletionTokens: &c, TotalTokens: &t}
}

// anthropicStopReasonFromOpenAI is the reverse of mapper.MapStopReason, used
// when bridging an OpenAI-dialect stream back into Anthropic grammar.
func anthropicStopReasonFromOpenAI(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func freshChatCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func freshMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Bridge reads an upstream SSE (or, for the anthropic→anthropic case, raw
// event) stream from r and writes it to w translated into downstreamFamily's
// grammar, applying token-window rescaling to any usage it observes along
// the way. It returns the last usage it saw (for logging/metrics) and
// whether one was observed at all.
//
// On a transport failure partway through, Bridge writes one error frame
// shaped for the client's grammar followed by a clean terminator and
// returns the underlying error — it never panics or leaves the client
// stream open after a failure.
func Bridge(r io.Reader, w io.Writer, upstreamFamily, downstreamFamily scaler.Family, isVision bool, modelAlias string) (mapper.AnthropicUsage, bool, error) {
	var (
		usage mapper.AnthropicUsage
		have  bool
		err   error
	)

	switch {
	case upstreamFamily == scaler.Anthropic && downstreamFamily == scaler.OpenAI:
		usage, have, err = bridgeAnthropicToOpenAI(r, w, isVision, modelAlias)
	case upstreamFamily == scaler.OpenAI && downstreamFamily == scaler.OpenAI:
		usage, have, err = bridgeOpenAIToOpenAI(r, w, isVision)
	case upstreamFamily == scaler.Anthropic && downstreamFamily == scaler.Anthropic:
		usage, have, err = bridgeAnthropicToAnthropic(r, w)
	case upstreamFamily == scaler.OpenAI && downstreamFamily == scaler.Anthropic:
		usage, have, err = bridgeOpenAIToAnthropic(r, w, isVision, modelAlias)
	default:
		err = fmt.Errorf("streambridge: unsupported family pair %s->%s", upstreamFamily, downstreamFamily)
	}

	if err != nil {
		_ = WriteStreamError(w, downstreamFamily, "upstream connection lost mid-stream")
		return usage, have, err
	}
	return usage, have, nil
}

func bridgeAnthropicToOpenAI(r io.Reader, w io.Writer, isVision bool, modelAlias string) (mapper.AnthropicUsage, bool, error) {
	respID := freshChatCompletionID()
	now := time.Now().Unix()
	roleSent := false
	finishReason := "stop"
	var lastUsage mapper.AnthropicUsage
	haveUsage := false

	emitRole := func() error {
		if roleSent {
			return nil
		}
		roleSent = true
		return writeOpenAIChunk(w, openAIStreamChunk{
			ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
			Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{Role: "assistant"}}},
		})
	}

	err := forEachSSEFrame(r, func(f frame) error {
		if f.data == "" {
			return nil
		}
		if u, ok := findUsage(f.data); ok {
			lastUsage, haveUsage = u, true
		}

		var ev anthropicStreamEvent
		if jsonErr := json.Unmarshal([]byte(f.data), &ev); jsonErr != nil {
			return nil
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.ID != "" {
				respID = ev.Message.ID
			}
			return emitRole()
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if err := emitRole(); err != nil {
					return err
				}
				return writeOpenAIChunk(w, openAIStreamChunk{
					ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
					Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{Content: ev.Delta.Text}}},
				})
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				finishReason = mapper.MapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				lastUsage.OutputTokens = ev.Usage.OutputTokens
				haveUsage = true
			}
		}
		return nil
	})
	if err != nil {
		return lastUsage, haveUsage, err
	}

	if err := emitRole(); err != nil {
		return lastUsage, haveUsage, err
	}

	final := openAIStreamChunk{
		ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
		Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{}, FinishReason: &finishReason}},
	}
	if haveUsage {
		scaled := scaler.ScaleUsage(toScalerUsage(lastUsage), scaler.Anthropic, scaler.OpenAI, isVision)
		u := openAIUsageFromScaler(scaled)
		final.Usage = &u
	}
	if err := writeOpenAIChunk(w, final); err != nil {
		return lastUsage, haveUsage, err
	}
	return lastUsage, haveUsage, writeDone(w)
}

func bridgeOpenAIToOpenAI(r io.Reader, w io.Writer, isVision bool) (mapper.AnthropicUsage, bool, error) {
	var lastUsage mapper.AnthropicUsage
	haveUsage := false

	err := forEachSSEFrame(r, func(f frame) error {
		data := strings.TrimSpace(f.data)
		if data == "" {
			return nil
		}
		if data == "[DONE]" {
			return writeDone(w)
		}

		out := []byte(data)
		if usage := gjson.GetBytes(out, "usage"); usage.Exists() {
			prompt := int(usage.Get("prompt_tokens").Int())
			completion := int(usage.Get("completion_tokens").Int())
			total := int(usage.Get("total_tokens").Int())
			scaled := scaler.ScaleUsage(scaler.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}, scaler.OpenAI, scaler.OpenAI, isVision)
			lastUsage = mapper.AnthropicUsage{InputTokens: scaled.PromptTokens, OutputTokens: scaled.CompletionTokens}
			haveUsage = true

			var setErr error
			out, setErr = sjson.SetBytes(out, "usage.prompt_tokens", scaled.PromptTokens)
			if setErr == nil {
				out, setErr = sjson.SetBytes(out, "usage.completion_tokens", scaled.CompletionTokens)
			}
			if setErr == nil {
				out, setErr = sjson.SetBytes(out, "usage.total_tokens", scaled.TotalTokens)
			}
			if setErr != nil {
				out = []byte(data) // scaling failed: forward the original frame rather than fail the stream
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", out); err != nil {
			return err
		}
		flushWriter(w)
		return nil
	})
	return lastUsage, haveUsage, err
}

func bridgeAnthropicToAnthropic(r io.Reader, w io.Writer) (mapper.AnthropicUsage, bool, error) {
	var lastUsage mapper.AnthropicUsage
	haveUsage := false

	err := forEachSSEFrame(r, func(f frame) error {
		if u, ok := findUsage(f.data); ok {
			lastUsage, haveUsage = u, true
		}
		var writeErr error
		if f.event != "" {
			_, writeErr = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
		} else {
			_, writeErr = fmt.Fprintf(w, "data: %s\n\n", f.data)
		}
		if writeErr != nil {
			return writeErr
		}
		flushWriter(w)
		return nil
	})
	return lastUsage, haveUsage, err
}

func bridgeOpenAIToAnthropic(r io.Reader, w io.Writer, isVision bool, modelAlias string) (mapper.AnthropicUsage, bool, error) {
	msgID := freshMessageID()
	started := false
	blockStarted := false
	finishReason := "end_turn"
	var lastUsage mapper.AnthropicUsage
	haveUsage := false

	emitStart := func() error {
		if started {
			return nil
		}
		started = true
		return writeAnthropicEvent(w, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": msgID, "type": "message", "role": "assistant", "model": modelAlias,
				"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
	}
	emitBlockStart := func() error {
		if blockStarted {
			return nil
		}
		blockStarted = true
		return writeAnthropicEvent(w, "content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	}

	err := forEachSSEFrame(r, func(f frame) error {
		data := strings.TrimSpace(f.data)
		if data == "" || data == "[DONE]" {
			return nil
		}

		if fr := gjson.Get(data, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finishReason = anthropicStopReasonFromOpenAI(fr.String())
		}
		if usage := gjson.Get(data, "usage"); usage.Exists() {
			lastUsage = mapper.AnthropicUsage{
				InputTokens:  int(usage.Get("prompt_tokens").Int()),
				OutputTokens: int(usage.Get("completion_tokens").Int()),
			}
			haveUsage = true
		}

		content := gjson.Get(data, "choices.0.delta.content").String()
		if content == "" {
			return nil
		}
		if err := emitStart(); err != nil {
			return err
		}
		if err := emitBlockStart(); err != nil {
			return err
		}
		return writeAnthropicEvent(w, "content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": content},
		})
	})
	if err != nil {
		return lastUsage, haveUsage, err
	}

	if err := emitStart(); err != nil {
		return lastUsage, haveUsage, err
	}
	if blockStarted {
		if err := writeAnthropicEvent(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
			return lastUsage, haveUsage, err
		}
	}

	outUsage := lastUsage
	if haveUsage {
		scaled := scaler.ScaleUsage(toScalerUsage(lastUsage), scaler.OpenAI, scaler.Anthropic, isVision)
		outUsage = mapper.AnthropicUsage{InputTokens: scaled.PromptTokens, OutputTokens: scaled.CompletionTokens}
	}
	if err := writeAnthropicEvent(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": finishReason},
		"usage": map[string]any{"output_tokens": outUsage.OutputTokens},
	}); err != nil {
		return lastUsage, haveUsage, err
	}
	return lastUsage, haveUsage, writeAnthropicEvent(w, "message_stop", map[string]any{"type": "message_stop"})
}

// NonStreamingFallback synthesizes a streamed response from a fully-buffered
// non-stream JSON body, used when the upstream answers a streaming request
// with a non-"text/event-stream" content type; the caller passes in the body
// of that same response rather than re-issuing the request. It produces the three-frame shape spec.md §4.7
// describes for an OpenAI-dialect client, and the symmetrical
// message_start/content_block/message_stop sequence for an Anthropic-dialect
// client.
func NonStreamingFallback(upstreamFamily, downstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool, w io.Writer) error {
	if downstreamFamily == scaler.OpenAI {
		return fallbackToOpenAI(upstreamFamily, body, modelAlias, isVision, w)
	}
	return fallbackToAnthropic(upstreamFamily, body, modelAlias, isVision, w)
}

func fallbackToOpenAI(upstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool, w io.Writer) error {
	var content, finish string
	var usage mapper.OpenAIUsage

	switch upstreamFamily {
	case scaler.Anthropic:
		var resp mapper.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("streambridge: decode anthropic fallback body: %w", err)
		}
		converted := mapper.AnthropicResponseToOpenAI(resp, modelAlias, time.Now())
		content = converted.Choices[0].Message.Content
		if converted.Choices[0].FinishReason != nil {
			finish = *converted.Choices[0].FinishReason
		}
		usage = converted.Usage
		scaled := scaler.ScaleUsage(toScalerUsageFromOpenAI(usage), scaler.Anthropic, scaler.OpenAI, isVision)
		usage = openAIUsageFromScaler(scaled)
	default:
		var resp mapper.OpenAIChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("streambridge: decode openai fallback body: %w", err)
		}
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
			if resp.Choices[0].FinishReason != nil {
				finish = *resp.Choices[0].FinishReason
			}
		}
		scaled := scaler.ScaleUsage(toScalerUsageFromOpenAI(resp.Usage), scaler.OpenAI, scaler.OpenAI, isVision)
		usage = openAIUsageFromScaler(scaled)
	}
	if finish == "" {
		finish = "stop"
	}

	respID := freshChatCompletionID()
	now := time.Now().Unix()

	if err := writeOpenAIChunk(w, openAIStreamChunk{
		ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
		Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{Role: "assistant"}}},
	}); err != nil {
		return err
	}
	if err := writeOpenAIChunk(w, openAIStreamChunk{
		ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
		Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{Content: content}}},
	}); err != nil {
		return err
	}
	finishCopy := finish
	if err := writeOpenAIChunk(w, openAIStreamChunk{
		ID: respID, Object: "chat.completion.chunk", Created: now, Model: modelAlias,
		Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{}, FinishReason: &finishCopy}},
		Usage:   &usage,
	}); err != nil {
		return err
	}
	return writeDone(w)
}

func fallbackToAnthropic(upstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool, w io.Writer) error {
	var content, stopReason string
	var usage mapper.AnthropicUsage

	switch upstreamFamily {
	case scaler.Anthropic:
		var resp mapper.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("streambridge: decode anthropic fallback body: %w", err)
		}
		var text strings.Builder
		for _, b := range resp.Content {
			if b.Type == "text" {
				text.WriteString(b.Text)
			}
		}
		content = text.String()
		stopReason = resp.StopReason
		usage = resp.Usage
	default:
		var resp mapper.OpenAIChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("streambridge: decode openai fallback body: %w", err)
		}
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
			if resp.Choices[0].FinishReason != nil {
				stopReason = anthropicStopReasonFromOpenAI(*resp.Choices[0].FinishReason)
			}
		}
		usage = mapper.AnthropicUsage{}
		if resp.Usage.PromptTokens != nil {
			usage.InputTokens = *resp.Usage.PromptTokens
		}
		if resp.Usage.CompletionTokens != nil {
			usage.OutputTokens = *resp.Usage.CompletionTokens
		}
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}

	upstreamOfUsage := scaler.Anthropic
	if upstreamFamily == scaler.OpenAI {
		upstreamOfUsage = scaler.OpenAI
	}
	scaled := scaler.ScaleUsage(toScalerUsage(usage), upstreamOfUsage, scaler.Anthropic, isVision)
	usage = mapper.AnthropicUsage{InputTokens: scaled.PromptTokens, OutputTokens: scaled.CompletionTokens}

	msgID := freshMessageID()
	if err := writeAnthropicEvent(w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": msgID, "type": "message", "role": "assistant", "model": modelAlias,
			"content": []any{}, "usage": map[string]any{"input_tokens": usage.InputTokens, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}
	if err := writeAnthropicEvent(w, "content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	}); err != nil {
		return err
	}
	if err := writeAnthropicEvent(w, "content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": content},
	}); err != nil {
		return err
	}
	if err := writeAnthropicEvent(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
		return err
	}
	if err := writeAnthropicEvent(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"output_tokens": usage.OutputTokens},
	}); err != nil {
		return err
	}
	return writeAnthropicEvent(w, "message_stop", map[string]any{"type": "message_stop"})
}

// WriteStreamError emits one error frame shaped for downstreamFamily's
// grammar, followed (for the OpenAI dialect) by the `[DONE]` terminator.
// Used on a mid-stream upstream failure, after zero or more frames have
// already reached the client — it never panics, and always leaves the
// stream cleanly terminated from the client's point of view.
func WriteStreamError(w io.Writer, downstreamFamily scaler.Family, message string) error {
	if downstreamFamily == scaler.OpenAI {
		payload, err := json.Marshal(map[string]any{
			"error": map[string]any{"message": message, "type": "connection_error"},
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flushWriter(w)
		return writeDone(w)
	}
	return writeAnthropicEvent(w, "error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "connection_error", "message": message},
	})
}
