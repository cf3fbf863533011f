// Package chatmsg defines the conversation representation shared by every
// context-management component: the Tokenizer, Env-Deduper, Chunk Store,
// Condenser, Context Manager, and Schema Mapper all operate on the same
// Message shape instead of each inventing its own. The Schema Mapper is
// responsible for translating both the Anthropic and OpenAI wire formats
// down to this shape (and back) — nothing downstream of it needs to know
// which dialect a request arrived in.
package chatmsg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// ContentPart is one entry of a message's content array.
type ContentPart struct {
	Type string `json:"type"`

	// Text is populated when Type == "text".
	Text string `json:"text,omitempty"`

	// Image fields, populated when Type is "image" or "image_url".
	ImageMediaType string `json:"image_media_type,omitempty"`
	ImageHasSource bool   `json:"image_has_source,omitempty"`
	Description    string `json:"description,omitempty"`

	// Tool-use fields, populated when Type == "tool_use".
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs any    `json:"tool_args,omitempty"`

	// Tool-result fields, populated when Type == "tool_result".
	ToolUseID         string `json:"tool_use_id,omitempty"`
	ToolResultContent any    `json:"tool_result_content,omitempty"`

	// CacheControl carries an Anthropic prompt-cache hint through the
	// pipeline untouched, so the Schema Mapper can re-emit it without the
	// rest of the system needing to understand its shape.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ToolCall models an OpenAI-style tool_calls array entry on an assistant
// message.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// Message is a single turn of a conversation. Content is either a flat
// string (HasParts == false) or a list of ContentPart values (HasParts ==
// true) — mirroring the union Anthropic and OpenAI both expose on the
// wire.
type Message struct {
	Role      string        `json:"role"`
	Name      string        `json:"name,omitempty"`
	ID        string        `json:"id,omitempty"`
	Content   string        `json:"content,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	HasParts  bool          `json:"has_parts,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
}

// FlatText renders a message's content as plain text, putting a single
// space before every part after the first (a non-text part contributes no
// text, only that separator) — the same flattening every
// text-pattern-matching component (Env-Deduper, importance scoring) needs
// and shouldn't have to reimplement.
func (m Message) FlatText() string {
	if !m.HasParts {
		return m.Content
	}
	var b strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			b.WriteString(" ")
		}
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImage reports whether the message carries an image content part,
// under either dialect's part-type name.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image" || p.Type == "image_url" {
			return true
		}
	}
	return false
}

// HasToolUse reports whether the message contains a tool call, in either
// Anthropic's inline tool_use parts or OpenAI's tool_calls array.
func (m Message) HasToolUse() bool {
	if len(m.ToolCalls) > 0 {
		return true
	}
	for _, p := range m.Parts {
		if p.Type == "tool_use" {
			return true
		}
	}
	return false
}

// canonicalEntry is the subset of a message's identity that feeds content
// hashing: role, a canonical rendering of content, and type. Using a
// fixed subset (rather than every field) keeps the hash stable across
// additions of incidental metadata.
type canonicalEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func canonicalize(m Message) canonicalEntry {
	entry := canonicalEntry{Role: m.Role}
	if !m.HasParts {
		entry.Content = m.Content
		return entry
	}
	// json.Marshal on a slice of our own struct is already key-ordered by
	// struct field declaration, and any maps held in ToolArgs or
	// ToolResultContent are marshaled with sorted keys, which is sufficient
	// for a stable hash input here.
	b, err := json.Marshal(m.Parts)
	if err != nil {
		entry.Content = m.FlatText()
		return entry
	}
	entry.Content = string(b)
	if len(m.Parts) > 0 {
		entry.Type = m.Parts[0].Type
	}
	return entry
}

// ContentHash returns a stable hex digest over the ordered
// (role, canonical content, type) tuples of messages. Two message lists
// produce the same hash iff they are identical under this canonical view
// — used as the cache/chunk identity key throughout the Chunk Store and
// Condenser.
func ContentHash(messages []Message) string {
	entries := make([]canonicalEntry, len(messages))
	for i, m := range messages {
		entries[i] = canonicalize(m)
	}
	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest is a shorter identity fingerprint used where a full hex64 isn't
// needed (cache keys that are already namespaced, log correlation). It's
// the first n hex characters of ContentHash.
func Digest(messages []Message, n int) string {
	full := ContentHash(messages)
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}

// SortedKeys is a small helper used by strategies that build maps keyed
// by message content and need deterministic iteration order for testable
// output.
func SortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
