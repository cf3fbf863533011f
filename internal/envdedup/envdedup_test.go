package envdedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

func wordCounter(text string) int {
	count := 0
	word := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if !isSpace && !word {
			count++
			word = true
		} else if isSpace {
			word = false
		}
	}
	return count
}

func envBlock(body string) string {
	return "<environment_details>\n" + body + "\n</environment_details>"
}

func TestDeduplicateDisabledIsNoop(t *testing.T) {
	d := New(Config{Enabled: false, Strategy: KeepLatest}, wordCounter)
	messages := []chatmsg.Message{{Role: "user", Content: envBlock("a")}}
	result := d.Deduplicate(messages)
	assert.Equal(t, messages, result.Messages)
	assert.Empty(t, result.Removed)
}

func TestDeduplicateKeepLatest(t *testing.T) {
	d := New(Config{Enabled: true, Strategy: KeepLatest}, wordCounter)
	messages := []chatmsg.Message{
		{Role: "user", Content: "turn one " + envBlock("old state")},
		{Role: "assistant", Content: "ack"},
		{Role: "user", Content: "turn two " + envBlock("new state")},
	}
	result := d.Deduplicate(messages)

	require.Len(t, result.Kept, 1)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, 2, result.Kept[0].MessageIndex)
	assert.NotContains(t, result.Messages[0].Content, "<environment_details>")
	assert.Contains(t, result.Messages[2].Content, "<environment_details>")
	assert.Greater(t, result.TokensSaved, 0)
}

func TestDeduplicateMostRelevantPrefersStructured(t *testing.T) {
	d := New(Config{Enabled: true, Strategy: KeepMostRelevant}, wordCounter)
	messages := []chatmsg.Message{
		{Role: "user", Content: envBlock("nothing useful here")},
		{Role: "user", Content: envBlock("path: /src/main.go\nurl: https://example.com\nkey: value")},
	}
	result := d.Deduplicate(messages)
	require.Len(t, result.Kept, 1)
	assert.Contains(t, result.Kept[0].Content, "path:")
}

func TestDeduplicateMergeUnionsLines(t *testing.T) {
	d := New(Config{Enabled: true, Strategy: Merge}, wordCounter)
	messages := []chatmsg.Message{
		{Role: "user", Content: envBlock("file: a.go\nbranch: main")},
		{Role: "user", Content: envBlock("file: a.go\nbranch: main\nterminal: idle")},
	}
	result := d.Deduplicate(messages)
	require.Len(t, result.Kept, 1)
	assert.Contains(t, result.Kept[0].Content, "terminal: idle")

	// The base (newest) block must survive in place, augmented with the
	// older block's unique lines — not deleted like every other strategy.
	require.Len(t, result.Messages, 2)
	assert.Contains(t, result.Messages[1].Content, "<environment_details>")
	assert.Contains(t, result.Messages[1].Content, "terminal: idle")
	assert.NotContains(t, result.Messages[0].Content, "<environment_details>")
}

func TestDeduplicateSelectiveKeepsSingletons(t *testing.T) {
	d := New(Config{Enabled: true, Strategy: Selective}, wordCounter)
	messages := []chatmsg.Message{
		{Role: "user", Content: envBlock("alpha beta gamma delta epsilon")},
		{Role: "user", Content: envBlock("alpha beta gamma delta epsilon")}, // near-duplicate
		{Role: "user", Content: envBlock("completely different unrelated words here now")},
	}
	result := d.Deduplicate(messages)
	assert.Len(t, result.Kept, 2) // one deduped pair + one singleton
}

func TestDetectOverlapResolutionPrefersEarliestThenLongest(t *testing.T) {
	// Two overlapping "matches" can't really occur with this non-greedy
	// pattern in valid input, but the resolver must still behave
	// correctly when given deliberately overlapping candidates.
	blocks := []Block{
		{Start: 0, End: 10},
		{Start: 0, End: 20},
		{Start: 15, End: 25},
	}
	kept := resolveOverlaps(blocks)
	require.Len(t, kept, 1)
	assert.Equal(t, 0, kept[0].Start)
}
