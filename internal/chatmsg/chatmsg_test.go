package chatmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlatTextString(t *testing.T) {
	m := Message{Role: "user", Content: "hello"}
	assert.Equal(t, "hello", m.FlatText())
}

func TestFlatTextParts(t *testing.T) {
	m := Message{
		Role:     "user",
		HasParts: true,
		Parts: []ContentPart{
			{Type: "text", Text: "part one"},
			{Type: "image", ImageHasSource: true},
			{Type: "text", Text: "part two"},
		},
	}
	assert.Equal(t, "part one  part two", m.FlatText())
}

func TestHasImageAndToolUse(t *testing.T) {
	m := Message{
		HasParts: true,
		Parts: []ContentPart{
			{Type: "image_url"},
			{Type: "tool_use", ToolName: "lookup"},
		},
	}
	assert.True(t, m.HasImage())
	assert.True(t, m.HasToolUse())

	plain := Message{Content: "just text"}
	assert.False(t, plain.HasImage())
	assert.False(t, plain.HasToolUse())
}

func TestContentHashStableAndSensitive(t *testing.T) {
	a := []Message{{Role: "user", Content: "hi"}}
	b := []Message{{Role: "user", Content: "hi"}}
	c := []Message{{Role: "user", Content: "bye"}}

	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.NotEqual(t, ContentHash(a), ContentHash(c))
}

func TestDigestTruncates(t *testing.T) {
	messages := []Message{{Role: "user", Content: "hi"}}
	full := ContentHash(messages)
	short := Digest(messages, 16)
	assert.Len(t, short, 16)
	assert.Equal(t, full[:16], short)
}
