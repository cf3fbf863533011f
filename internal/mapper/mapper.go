// Package mapper translates requests and non-stream responses between the
// Anthropic Messages API and the OpenAI Chat Completions API — the two wire
// dialects this proxy accepts and produces, both ultimately served by the
// same upstream model family. Nothing downstream of the Router needs to
// know which dialect a request arrived in once the Schema Mapper has run.
package mapper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

// DefaultMaxOutputTokens is substituted whenever an OpenAI request omits
// max_tokens or supplies a non-positive value.
const DefaultMaxOutputTokens = 98304

// MaxCacheControlDepth bounds the recursive cache_control/has_image
// traversal so a maliciously or accidentally deep payload can't blow the
// goroutine stack.
const MaxCacheControlDepth = 32

// OpenAIMessage is one entry of an OpenAI-dialect `messages` array. Content
// is either a plain string or an array of parts; callers inspect RawContent
// to tell which.
type OpenAIMessage struct {
	Role       string          `json:"role"`
	RawContent json.RawMessage `json:"content"`
}

// OpenAIPart is one entry of a multi-part OpenAI message content array.
type OpenAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
}

// OpenAIRequest is the subset of the OpenAI Chat Completions request body
// this proxy understands and translates.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature json.RawMessage `json:"temperature"`
	Stop        json.RawMessage `json:"stop"`
}

// AnthropicTextBlock is an Anthropic system/content text block.
type AnthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicImageSource is the `source` object of an Anthropic image block.
type AnthropicImageSource struct {
	Type      string `json:"type"` // "url" or "base64"
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// AnthropicContentBlock is one entry of an Anthropic message's content
// array.
type AnthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *AnthropicImageSource `json:"source,omitempty"`
}

// AnthropicMessage is one entry of an Anthropic `messages` array.
type AnthropicMessage struct {
	Role    string                   `json:"role"`
	Content []AnthropicContentBlock `json:"content"`
}

// AnthropicRequest is the Anthropic Messages API request shape this proxy
// produces from a translated OpenAI request, or accepts natively.
type AnthropicRequest struct {
	Model       string                `json:"model"`
	Messages    []AnthropicMessage    `json:"messages"`
	System      []AnthropicTextBlock  `json:"system,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature *float64              `json:"temperature,omitempty"`
	StopSeqs    []string              `json:"stop_sequences,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
}

// AnthropicUsage is the usage block on a non-stream Anthropic response.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// AnthropicResponse is a non-stream Anthropic Messages API response.
type AnthropicResponse struct {
	ID         string                   `json:"id"`
	Model      string                   `json:"model"`
	StopReason string                   `json:"stop_reason"`
	Content    []AnthropicContentBlock `json:"content"`
	// Thinking is an opaque passthrough field that AnthropicResponseToOpenAI
	// re-emits as the choice's reasoning when set. JSON decoding skips it
	// and no code copies a "thinking" content block into it, so a response
	// decoded from upstream JSON carries no thinking text.
	Thinking *string        `json:"-"`
	Usage    AnthropicUsage `json:"usage"`
}

// OpenAIUsage is the usage block on an OpenAI chat completion response.
type OpenAIUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

// OpenAIChoice is one entry of an OpenAI chat completion's `choices` array.
type OpenAIChoice struct {
	Index        int                    `json:"index"`
	Message      OpenAIResponseMessage  `json:"message"`
	FinishReason *string                `json:"finish_reason"`
}

// OpenAIResponseMessage is the assistant message embedded in a choice.
type OpenAIResponseMessage struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Reasoning *string `json:"reasoning,omitempty"`
}

// OpenAIChatCompletionResponse is the synthesized non-stream OpenAI
// envelope produced from an Anthropic response.
type OpenAIChatCompletionResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// dataURLPattern implements the RFC 2397 grammar:
// data:[<mediatype>][;base64],<data>
var dataURLPattern = regexp.MustCompile(`(?s)^data:(?P<media>[^;,]*)?(?P<b64>;base64)?,(?P<data>.*)$`)

// ParsedDataURL is the decoded result of a `data:` URL.
type ParsedDataURL struct {
	MediaType string
	DataB64   string
}

// ParseDataURL parses an RFC 2397 data: URL. It returns ok == false if the
// URL doesn't match the grammar or its payload fails strict base64
// validation — callers should drop the image part rather than fail the
// request, per spec.
func ParseDataURL(raw string) (ParsedDataURL, bool) {
	m := dataURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return ParsedDataURL{}, false
	}
	names := dataURLPattern.SubexpNames()
	groups := make(map[string]string, len(names))
	for i, name := range names {
		if name != "" {
			groups[name] = m[i]
		}
	}

	media := strings.TrimSpace(groups["media"])
	if media == "" {
		media = "application/octet-stream"
	}
	data := groups["data"]

	if groups["b64"] != "" {
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return ParsedDataURL{}, false
		}
		return ParsedDataURL{MediaType: media, DataB64: data}, true
	}

	// Not base64-flagged: treat as raw bytes and re-encode.
	return ParsedDataURL{MediaType: media, DataB64: base64.StdEncoding.EncodeToString([]byte(data))}, true
}

// openAIImageURLValue extracts the url string out of an `image_url` field,
// which may be either a bare string or {"url": "...", "detail": "..."}.
func openAIImageURLValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		s = strings.TrimSpace(obj.URL)
		return s, s != ""
	}
	return "", false
}

// AnthropicImageBlockFromOpenAIPart converts an OpenAI `image_url` content
// part into an Anthropic image content block. Returns ok == false for any
// part that isn't a valid, usable image reference — callers drop it
// silently rather than failing the request.
func AnthropicImageBlockFromOpenAIPart(part OpenAIPart) (AnthropicContentBlock, bool) {
	if part.Type != "image_url" {
		return AnthropicContentBlock{}, false
	}
	url, ok := openAIImageURLValue(part.ImageURL)
	if !ok {
		return AnthropicContentBlock{}, false
	}

	if strings.HasPrefix(strings.ToLower(url), "data:") {
		parsed, ok := ParseDataURL(url)
		if !ok {
			return AnthropicContentBlock{}, false
		}
		return AnthropicContentBlock{
			Type: "image",
			Source: &AnthropicImageSource{
				Type:      "base64",
				MediaType: parsed.MediaType,
				Data:      parsed.DataB64,
			},
		}, true
	}

	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return AnthropicContentBlock{}, false
	}
	return AnthropicContentBlock{Type: "image", Source: &AnthropicImageSource{Type: "url", URL: url}}, true
}

// OpenAIRequestToAnthropic translates an OpenAI Chat Completions request
// into the Anthropic Messages request shape this proxy dispatches
// upstream. System messages are merged into one ordered text-block array;
// content parts are mapped per type; unknown part kinds are
// JSON-stringified into text blocks so nothing is silently lost.
func OpenAIRequestToAnthropic(req OpenAIRequest) (AnthropicRequest, error) {
	out := AnthropicRequest{Model: req.Model}

	var systemBlocks []AnthropicTextBlock
	for _, m := range req.Messages {
		if m.Role == "system" {
			texts, err := flattenTextContent(m.RawContent)
			if err != nil {
				return AnthropicRequest{}, fmt.Errorf("mapper: system message content: %w", err)
			}
			for _, t := range texts {
				systemBlocks = append(systemBlocks, AnthropicTextBlock{Type: "text", Text: t})
			}
			continue
		}

		blocks, err := mapContentBlocks(m.RawContent)
		if err != nil {
			return AnthropicRequest{}, err
		}
		if len(blocks) == 0 {
			blocks = []AnthropicContentBlock{{Type: "text", Text: ""}}
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		out.Messages = append(out.Messages, AnthropicMessage{Role: role, Content: blocks})
	}
	if len(systemBlocks) > 0 {
		out.System = systemBlocks
	}

	out.MaxTokens = req.MaxTokens
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxOutputTokens
	}

	if len(req.Temperature) > 0 {
		var t float64
		if err := json.Unmarshal(req.Temperature, &t); err == nil {
			out.Temperature = &t
		}
	}

	if len(req.Stop) > 0 {
		var single string
		if err := json.Unmarshal(req.Stop, &single); err == nil {
			out.StopSeqs = []string{single}
		} else {
			var many []string
			if err := json.Unmarshal(req.Stop, &many); err == nil {
				out.StopSeqs = many
			}
		}
	}

	return out, nil
}

// flattenTextContent renders a message's raw `content` field (string or
// list of parts) down to an ordered slice of plain text segments.
func flattenTextContent(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var parts []OpenAIPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var out []string
		for _, p := range parts {
			if p.Type == "text" || p.Type == "" {
				out = append(out, p.Text)
			}
		}
		return out, nil
	}
	// Neither a string nor an array of parts: stringify whatever it is.
	return []string{string(raw)}, nil
}

// mapContentBlocks maps one user/assistant message's raw `content` field
// into Anthropic content blocks.
func mapContentBlocks(raw json.RawMessage) ([]AnthropicContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []AnthropicContentBlock{{Type: "text", Text: s}}, nil
	}

	var parts []OpenAIPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var blocks []AnthropicContentBlock
		for _, p := range parts {
			switch p.Type {
			case "text", "input_text":
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: p.Text})
			case "image_url", "image":
				if block, ok := AnthropicImageBlockFromOpenAIPart(p); ok {
					blocks = append(blocks, block)
				}
				// invalid image parts are dropped silently
			default:
				b, _ := json.Marshal(p)
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: string(b)})
			}
		}
		return blocks, nil
	}

	return []AnthropicContentBlock{{Type: "text", Text: string(raw)}}, nil
}

// MapStopReason maps an Anthropic stop_reason to an OpenAI finish_reason.
func MapStopReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// AnthropicResponseToOpenAI translates a non-stream Anthropic response into
// an OpenAI chat completion envelope, concatenating every text block into
// one assistant message and synthesizing a fresh id/timestamp/choice.
// modelAlias is the client-visible model name to report back (the alias
// the client originally asked for, not necessarily resp.Model).
func AnthropicResponseToOpenAI(resp AnthropicResponse, modelAlias string, now time.Time) OpenAIChatCompletionResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	finish := MapStopReason(resp.StopReason)
	msg := OpenAIResponseMessage{Role: "assistant", Content: text.String()}
	if resp.Thinking != nil {
		msg.Reasoning = resp.Thinking
	}

	return OpenAIChatCompletionResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   modelAlias,
		Choices: []OpenAIChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   convertUsage(resp.Usage),
	}
}

func convertUsage(u AnthropicUsage) OpenAIUsage {
	prompt := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	completion := u.OutputTokens
	total := prompt + completion
	return OpenAIUsage{PromptTokens: &prompt, CompletionTokens: &completion, TotalTokens: &total}
}

// AnthropicRequestToOpenAI translates an Anthropic Messages request into the
// OpenAI Chat Completions request shape. Used when an Anthropic-dialect
// client's request is vision-routed to the OpenAI-style upstream endpoint:
// per Open Question 2, images travel inside each message's single
// space-joined content string (see anthropicMessageToOpenAI), not as
// image_url parts, and system text is concatenated into one system message.
func AnthropicRequestToOpenAI(req AnthropicRequest) (OpenAIRequest, error) {
	out := OpenAIRequest{Model: req.Model, Stream: req.Stream, MaxTokens: req.MaxTokens}

	var messages []OpenAIMessage
	if len(req.System) > 0 {
		var sb strings.Builder
		for _, s := range req.System {
			sb.WriteString(s.Text)
		}
		raw, err := json.Marshal(sb.String())
		if err != nil {
			return OpenAIRequest{}, err
		}
		messages = append(messages, OpenAIMessage{Role: "system", RawContent: raw})
	}

	for _, m := range req.Messages {
		msg, err := anthropicMessageToOpenAI(m)
		if err != nil {
			return OpenAIRequest{}, err
		}
		messages = append(messages, msg)
	}
	out.Messages = messages

	if req.Temperature != nil {
		b, err := json.Marshal(*req.Temperature)
		if err != nil {
			return OpenAIRequest{}, err
		}
		out.Temperature = b
	}
	if len(req.StopSeqs) > 0 {
		b, err := json.Marshal(req.StopSeqs)
		if err != nil {
			return OpenAIRequest{}, err
		}
		out.Stop = b
	}

	return out, nil
}

// anthropicMessageToOpenAI flattens an Anthropic message's content blocks
// into a single space-joined string, rather than an OpenAI multi-part
// array. Per Open Question 2, this is how the source routes images to the
// OpenAI-style family: text blocks and image sources (resolved to a plain
// URL, including data: URLs for base64 sources) are concatenated in order.
// Kept as a single, isolated, testable step behind the Router/Mapper
// boundary rather than built into the request-translation control flow.
func anthropicMessageToOpenAI(m AnthropicMessage) (OpenAIMessage, error) {
	if len(m.Content) == 1 && m.Content[0].Type == "text" {
		raw, err := json.Marshal(m.Content[0].Text)
		if err != nil {
			return OpenAIMessage{}, err
		}
		return OpenAIMessage{Role: m.Role, RawContent: raw}, nil
	}

	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case "image":
			if b.Source == nil {
				continue // no usable image source: drop the part, never fail the request
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			if url != "" {
				parts = append(parts, url)
			}
		default:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	raw, err := json.Marshal(strings.Join(parts, " "))
	if err != nil {
		return OpenAIMessage{}, err
	}
	return OpenAIMessage{Role: m.Role, RawContent: raw}, nil
}

// OpenAIResponseToAnthropic translates a non-stream OpenAI chat completion
// response into the Anthropic Messages response shape — the reverse of
// AnthropicResponseToOpenAI — used when an Anthropic-dialect client's
// request was vision-routed upstream and the OpenAI-shaped reply must be
// handed back in Anthropic's envelope.
func OpenAIResponseToAnthropic(resp OpenAIChatCompletionResponse, modelAlias string) AnthropicResponse {
	var content string
	finish := "stop"
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != nil {
			finish = *resp.Choices[0].FinishReason
		}
	}

	var usage AnthropicUsage
	if resp.Usage.PromptTokens != nil {
		usage.InputTokens = *resp.Usage.PromptTokens
	}
	if resp.Usage.CompletionTokens != nil {
		usage.OutputTokens = *resp.Usage.CompletionTokens
	}

	return AnthropicResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Model:      modelAlias,
		StopReason: mapOpenAIFinishToAnthropicStopReason(finish),
		Content:    []AnthropicContentBlock{{Type: "text", Text: content}},
		Usage:      usage,
	}
}

func mapOpenAIFinishToAnthropicStopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// HasCacheControl reports whether a `cache_control` key appears anywhere in
// the payload, bounded to MaxCacheControlDepth levels of nesting. It's used
// to decide whether to add the upstream prompt-caching beta header.
func HasCacheControl(payload []byte) bool {
	return hasKeyAtDepth(gjson.ParseBytes(payload), "cache_control", 0)
}

func hasKeyAtDepth(v gjson.Result, key string, depth int) bool {
	if depth > MaxCacheControlDepth {
		return false
	}
	found := false
	switch {
	case v.IsObject():
		v.ForEach(func(k, val gjson.Result) bool {
			if k.String() == key {
				found = true
				return false
			}
			if hasKeyAtDepth(val, key, depth+1) {
				found = true
				return false
			}
			return true
		})
	case v.IsArray():
		v.ForEach(func(_, val gjson.Result) bool {
			if hasKeyAtDepth(val, key, depth+1) {
				found = true
				return false
			}
			return true
		})
	}
	return found
}

// HasImage reports whether a raw request payload has_image: any message
// content block of type image/input_image/image_url with a usable source,
// or any top-level attachment of such a type.
func HasImage(payload []byte) bool {
	root := gjson.ParseBytes(payload)
	if messages := root.Get("messages"); messages.IsArray() {
		found := false
		messages.ForEach(func(_, msg gjson.Result) bool {
			if messageHasImage(msg) {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	if attachments := root.Get("attachments"); attachments.IsArray() {
		found := false
		attachments.ForEach(func(_, a gjson.Result) bool {
			switch a.Get("type").String() {
			case "image", "input_image", "image_url":
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func messageHasImage(msg gjson.Result) bool {
	content := msg.Get("content")
	if content.IsArray() {
		found := false
		content.ForEach(func(_, block gjson.Result) bool {
			if contentBlockHasImage(block) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	if content.IsObject() {
		return contentBlockHasImage(content)
	}
	return false
}

func contentBlockHasImage(block gjson.Result) bool {
	t := block.Get("type").String()
	switch t {
	case "image":
		return block.Get("source").Exists() || block.Get("image").Exists()
	case "input_image", "image_url":
		return block.Get("source").Exists() || block.Get("url").Exists() || block.Get("image_url").Exists()
	}
	return false
}

// RewriteModel sets the `model` field of a raw request payload in place,
// without a full unmarshal/remarshal round trip — used by the Router and
// Upstream Client to substitute a resolved alias or AUTOTEXT/AUTOVISION
// rewrite into a payload that otherwise passes through untouched.
func RewriteModel(payload []byte, model string) ([]byte, error) {
	return sjson.SetBytes(payload, "model", model)
}

// ToChatMessages converts an Anthropic request's system + messages into
// the shared chatmsg.Message representation the context-management
// pipeline operates on.
func ToChatMessages(req AnthropicRequest) []chatmsg.Message {
	var out []chatmsg.Message
	for _, s := range req.System {
		out = append(out, chatmsg.Message{Role: "system", Content: s.Text})
	}
	for _, m := range req.Messages {
		out = append(out, anthropicMessageToChat(m))
	}
	return out
}

func anthropicMessageToChat(m AnthropicMessage) chatmsg.Message {
	if len(m.Content) == 1 && m.Content[0].Type == "text" {
		return chatmsg.Message{Role: m.Role, Content: m.Content[0].Text}
	}
	parts := make([]chatmsg.ContentPart, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			parts = append(parts, chatmsg.ContentPart{Type: "text", Text: b.Text})
		case "image":
			part := chatmsg.ContentPart{Type: "image"}
			if b.Source != nil {
				part.ImageMediaType = b.Source.MediaType
				part.ImageHasSource = true
			}
			parts = append(parts, part)
		default:
			parts = append(parts, chatmsg.ContentPart{Type: b.Type, Text: b.Text})
		}
	}
	return chatmsg.Message{Role: m.Role, Parts: parts, HasParts: true}
}

// FromChatMessages rebuilds Anthropic request messages from the processed
// chatmsg.Message list (e.g. after condensation rewrote the conversation).
// System-role messages are split back out into the System field; condensed
// synthetic messages (which are always flat text) round-trip as a single
// text block.
func FromChatMessages(messages []chatmsg.Message) (system []AnthropicTextBlock, out []AnthropicMessage) {
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, AnthropicTextBlock{Type: "text", Text: m.FlatText()})
			continue
		}
		if !m.HasParts {
			out = append(out, AnthropicMessage{Role: m.Role, Content: []AnthropicContentBlock{{Type: "text", Text: m.Content}}})
			continue
		}
		blocks := make([]AnthropicContentBlock, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image":
				blocks = append(blocks, AnthropicContentBlock{Type: "image", Source: &AnthropicImageSource{Type: "base64", MediaType: p.ImageMediaType}})
			default:
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: p.Text})
			}
		}
		out = append(out, AnthropicMessage{Role: m.Role, Content: blocks})
	}
	return system, out
}
