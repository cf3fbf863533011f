// Package tokenizer counts tokens the way the upstream model actually will,
// instead of guessing from character counts. Every other component that
// needs to know "how big is this conversation" — the Context Manager, the
// Condenser, the Token Scaler's count_tokens endpoint — goes through here
// rather than re-implementing its own heuristic.
package tokenizer

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

// encodingName is the BPE vocabulary used for every count in the proxy.
// Both the Anthropic and OpenAI dialects are counted against the same
// encoding: tiktoken has no native Claude tokenizer, and cl100k_base tracks
// close enough for budgeting purposes — this is a deliberate approximation,
// not a claim of exactness.
const encodingName = "cl100k_base"

// Tuning constants for the per-part token estimate. These mirror the
// counting model of a plain-text chat transcript: a few tokens of
// formatting overhead per message, a flat surcharge for an image without
// a caption, and a flat surcharge for the scaffolding around a tool call.
const (
	baseImageTokens      = 85
	imageMediaTypeTokens = 10
	imageTypeFieldTokens = 5
	toolCallBaseTokens   = 20
	messageFormatTokens  = 4
	metadataFieldTokens  = 2
	defaultCacheSize     = 1000
)

// Count is the per-message (or per-conversation) token breakdown. Total is
// always text+image+tool+metadata — callers that only care about the sum
// can ignore the rest.
type Count struct {
	Total    int
	Text     int
	Image    int
	Tool     int
	Metadata int
}

func (c Count) add(o Count) Count {
	return Count{
		Total:    c.Total + o.Total,
		Text:     c.Text + o.Text,
		Image:    c.Image + o.Image,
		Tool:     c.Tool + o.Tool,
		Metadata: c.Metadata + o.Metadata,
	}
}

// Tokenizer counts tokens with a BPE encoder, cached by text so that
// repeated substrings (a system prompt sent on every turn, the same
// boilerplate tool schema) are only encoded once.
type Tokenizer struct {
	mu    sync.Mutex
	enc   *tiktoken.Tiktoken
	cache *lru.Cache[string, int]
}

// New builds a Tokenizer with the given text-encode cache size. If the
// BPE encoder itself fails to load — a corrupt vocabulary file, a missing
// embedded asset — New still returns a usable Tokenizer that falls back to
// a byte-length estimate rather than failing startup over a counting
// feature.
func New(cacheSize int) *Tokenizer {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		// Only fails on a non-positive size, which we've just guarded against.
		cache, _ = lru.New[string, int](defaultCacheSize)
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		enc = nil
	}

	return &Tokenizer{enc: enc, cache: cache}
}

// CountText returns the token count for a single string, using the cache
// when available. Empty or whitespace-only text costs zero tokens.
func (t *Tokenizer) CountText(text string) int {
	if isBlank(text) {
		return 0
	}

	t.mu.Lock()
	if n, ok := t.cache.Get(text); ok {
		t.mu.Unlock()
		return n
	}
	t.mu.Unlock()

	n := t.encode(text)

	t.mu.Lock()
	t.cache.Add(text, n)
	t.mu.Unlock()

	return n
}

func (t *Tokenizer) encode(text string) (n int) {
	if t.enc == nil {
		return fallbackCount(text)
	}
	// tiktoken-go's BPE encoder panics on malformed input in rare cases
	// (e.g. unpaired surrogate pairs smuggled through JSON); treat that the
	// same as an encoder failure rather than taking the whole request down.
	defer func() {
		if recover() != nil {
			n = fallbackCount(text)
		}
	}()
	tokens := t.enc.Encode(text, nil, nil)
	return len(tokens)
}

func fallbackCount(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// CountMessage returns the detailed token breakdown for one message.
func (t *Tokenizer) CountMessage(m chatmsg.Message) Count {
	metadata := t.metadataTokens(m)

	if !m.HasParts {
		return Count{
			Total:    t.CountText(m.Content) + metadata,
			Text:     t.CountText(m.Content),
			Metadata: metadata,
		}
	}

	c := Count{Metadata: metadata}
	for _, part := range m.Parts {
		c = c.add(t.countPart(part))
	}
	for _, tc := range m.ToolCalls {
		c = c.add(t.countToolCall(tc))
	}
	c.Total = c.Text + c.Image + c.Tool + c.Metadata
	return c
}

func (t *Tokenizer) metadataTokens(m chatmsg.Message) int {
	tokens := t.CountText(m.Role) + messageFormatTokens
	for _, v := range []string{m.Name, m.ID} {
		if v != "" {
			tokens += t.CountText(v) + metadataFieldTokens
		}
	}
	return tokens
}

func (t *Tokenizer) countPart(part chatmsg.ContentPart) Count {
	switch part.Type {
	case "text":
		n := t.CountText(part.Text)
		return Count{Total: n, Text: n}

	case "image", "image_url":
		return Count{Total: 0, Image: t.countImage(part)}

	case "tool_use":
		n := t.countToolUse(part.ToolName, part.ToolArgs)
		return Count{Total: n, Tool: n}

	case "tool_result":
		n := t.CountText(stringify(part.ToolResultContent))
		return Count{Total: n, Text: n}

	default:
		n := t.CountText(stringify(part))
		return Count{Total: n, Text: n}
	}
}

func (t *Tokenizer) countImage(part chatmsg.ContentPart) int {
	if part.Description != "" {
		return baseImageTokens + t.CountText(part.Description)
	}
	tokens := baseImageTokens
	if part.ImageHasSource {
		if part.ImageMediaType != "" {
			tokens += imageMediaTypeTokens
		}
		tokens += imageTypeFieldTokens
	}
	return tokens
}

func (t *Tokenizer) countToolCall(tc chatmsg.ToolCall) Count {
	n := t.countToolUse(tc.Name, tc.Arguments)
	return Count{Total: n, Tool: n}
}

func (t *Tokenizer) countToolUse(name string, args any) int {
	tokens := toolCallBaseTokens
	if name != "" {
		tokens += t.CountText(name)
	}
	switch v := args.(type) {
	case string:
		tokens += t.CountText(v)
	case nil:
	default:
		tokens += t.CountText(stringify(v))
	}
	return tokens
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// CountMessages returns the total Count across a message list plus an
// optional system prompt, which carries a small fixed formatting surcharge
// in addition to its own text tokens.
func (t *Tokenizer) CountMessages(messages []chatmsg.Message, systemPrompt string) Count {
	total := Count{}
	if systemPrompt != "" {
		n := t.CountText(systemPrompt)
		total = total.add(Count{Total: n + 10, Text: n, Metadata: 10})
	}
	for _, m := range messages {
		total = total.add(t.CountMessage(m))
	}
	return total
}
