package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

func TestParseDataURLBase64(t *testing.T) {
	parsed, ok := ParseDataURL("data:image/png;base64,QUJD")
	require.True(t, ok)
	assert.Equal(t, "image/png", parsed.MediaType)
	assert.Equal(t, "QUJD", parsed.DataB64)
}

func TestParseDataURLRawBytesReencoded(t *testing.T) {
	parsed, ok := ParseDataURL("data:text/plain,hello")
	require.True(t, ok)
	assert.Equal(t, "text/plain", parsed.MediaType)
	assert.Equal(t, "aGVsbG8=", parsed.DataB64)
}

func TestParseDataURLDefaultsMediaType(t *testing.T) {
	parsed, ok := ParseDataURL("data:;base64,QUJD")
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", parsed.MediaType)
}

func TestParseDataURLRejectsInvalidBase64(t *testing.T) {
	_, ok := ParseDataURL("data:image/png;base64,not-valid-base64!!!")
	assert.False(t, ok)
}

func TestParseDataURLRejectsMalformed(t *testing.T) {
	_, ok := ParseDataURL("not a data url")
	assert.False(t, ok)
}

func TestAnthropicImageBlockFromOpenAIPartDataURL(t *testing.T) {
	part := OpenAIPart{Type: "image_url", ImageURL: json.RawMessage(`"data:image/jpeg;base64,QUJD"`)}
	block, ok := AnthropicImageBlockFromOpenAIPart(part)
	require.True(t, ok)
	assert.Equal(t, "image", block.Type)
	assert.Equal(t, "base64", block.Source.Type)
	assert.Equal(t, "image/jpeg", block.Source.MediaType)
}

func TestAnthropicImageBlockFromOpenAIPartHTTPURL(t *testing.T) {
	part := OpenAIPart{Type: "image_url", ImageURL: json.RawMessage(`{"url":"https://example.com/cat.png","detail":"high"}`)}
	block, ok := AnthropicImageBlockFromOpenAIPart(part)
	require.True(t, ok)
	assert.Equal(t, "url", block.Source.Type)
	assert.Equal(t, "https://example.com/cat.png", block.Source.URL)
}

func TestAnthropicImageBlockFromOpenAIPartRejectsBadScheme(t *testing.T) {
	part := OpenAIPart{Type: "image_url", ImageURL: json.RawMessage(`"ftp://example.com/cat.png"`)}
	_, ok := AnthropicImageBlockFromOpenAIPart(part)
	assert.False(t, ok)
}

func TestOpenAIRequestToAnthropicMergesSystem(t *testing.T) {
	req := OpenAIRequest{
		Model: "gpt-test",
		Messages: []OpenAIMessage{
			{Role: "system", RawContent: json.RawMessage(`"you are helpful"`)},
			{Role: "user", RawContent: json.RawMessage(`"hello"`)},
		},
	}
	anth, err := OpenAIRequestToAnthropic(req)
	require.NoError(t, err)
	require.Len(t, anth.System, 1)
	assert.Equal(t, "you are helpful", anth.System[0].Text)
	require.Len(t, anth.Messages, 1)
	assert.Equal(t, "user", anth.Messages[0].Role)
	assert.Equal(t, DefaultMaxOutputTokens, anth.MaxTokens)
}

func TestOpenAIRequestToAnthropicMapsImageParts(t *testing.T) {
	req := OpenAIRequest{
		Model: "gpt-test",
		Messages: []OpenAIMessage{
			{Role: "user", RawContent: json.RawMessage(`[
				{"type":"text","text":"what is this?"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,QUJD"}}
			]`)},
		},
	}
	anth, err := OpenAIRequestToAnthropic(req)
	require.NoError(t, err)
	require.Len(t, anth.Messages, 1)
	require.Len(t, anth.Messages[0].Content, 2)
	assert.Equal(t, "text", anth.Messages[0].Content[0].Type)
	assert.Equal(t, "image", anth.Messages[0].Content[1].Type)
}

func TestOpenAIRequestToAnthropicDropsInvalidImagePart(t *testing.T) {
	req := OpenAIRequest{
		Messages: []OpenAIMessage{
			{Role: "user", RawContent: json.RawMessage(`[
				{"type":"image_url","image_url":{"url":"not-a-url"}}
			]`)},
		},
	}
	anth, err := OpenAIRequestToAnthropic(req)
	require.NoError(t, err)
	require.Len(t, anth.Messages, 1)
	// nothing valid landed; falls back to a single empty text block
	require.Len(t, anth.Messages[0].Content, 1)
	assert.Equal(t, "text", anth.Messages[0].Content[0].Type)
	assert.Equal(t, "", anth.Messages[0].Content[0].Text)
}

func TestOpenAIRequestToAnthropicRespectsExplicitMaxTokens(t *testing.T) {
	req := OpenAIRequest{MaxTokens: 512, Messages: []OpenAIMessage{{Role: "user", RawContent: json.RawMessage(`"hi"`)}}}
	anth, err := OpenAIRequestToAnthropic(req)
	require.NoError(t, err)
	assert.Equal(t, 512, anth.MaxTokens)
}

func TestOpenAIRequestToAnthropicCarriesTemperatureAndStop(t *testing.T) {
	req := OpenAIRequest{
		Messages:    []OpenAIMessage{{Role: "user", RawContent: json.RawMessage(`"hi"`)}},
		Temperature: json.RawMessage(`0.4`),
		Stop:        json.RawMessage(`"STOP"`),
	}
	anth, err := OpenAIRequestToAnthropic(req)
	require.NoError(t, err)
	require.NotNil(t, anth.Temperature)
	assert.InDelta(t, 0.4, *anth.Temperature, 0.0001)
	assert.Equal(t, []string{"STOP"}, anth.StopSeqs)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", MapStopReason("end_turn"))
	assert.Equal(t, "stop", MapStopReason("stop_sequence"))
	assert.Equal(t, "length", MapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", MapStopReason("tool_use"))
	assert.Equal(t, "stop", MapStopReason("something_else"))
}

func TestAnthropicResponseToOpenAIConcatenatesTextBlocks(t *testing.T) {
	resp := AnthropicResponse{
		ID:         "msg_1",
		Model:      "claude-x",
		StopReason: "end_turn",
		Content: []AnthropicContentBlock{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		},
		Usage: AnthropicUsage{InputTokens: 10, OutputTokens: 5},
	}
	out := AnthropicResponseToOpenAI(resp, "gpt-alias", time.Unix(1000, 0))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gpt-alias", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello world", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage.PromptTokens)
	assert.Equal(t, 10, *out.Usage.PromptTokens)
	assert.Equal(t, 5, *out.Usage.CompletionTokens)
	assert.Equal(t, 15, *out.Usage.TotalTokens)
}

func TestAnthropicResponseToOpenAICarriesThinkingAsReasoning(t *testing.T) {
	thinking := "first I considered..."
	resp := AnthropicResponse{
		StopReason: "end_turn",
		Content:    []AnthropicContentBlock{{Type: "text", Text: "answer"}},
		Thinking:   &thinking,
	}
	out := AnthropicResponseToOpenAI(resp, "model", time.Unix(0, 0))
	require.NotNil(t, out.Choices[0].Message.Reasoning)
	assert.Equal(t, thinking, *out.Choices[0].Message.Reasoning)
}

func TestConvertUsageSumsCacheTokensIntoPrompt(t *testing.T) {
	usage := convertUsage(AnthropicUsage{InputTokens: 10, CacheCreationInputTokens: 3, CacheReadInputTokens: 2, OutputTokens: 7})
	assert.Equal(t, 15, *usage.PromptTokens)
	assert.Equal(t, 7, *usage.CompletionTokens)
	assert.Equal(t, 22, *usage.TotalTokens)
}

func TestHasCacheControlFindsNestedKey(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral"}}]}]}`)
	assert.True(t, HasCacheControl(payload))
}

func TestHasCacheControlAbsent(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.False(t, HasCacheControl(payload))
}

func TestHasImageDetectsContentBlock(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"user","content":[{"type":"image","source":{"type":"url","url":"https://x/y.png"}}]}]}`)
	assert.True(t, HasImage(payload))
}

func TestHasImageDetectsAttachment(t *testing.T) {
	payload := []byte(`{"messages":[],"attachments":[{"type":"image_url"}]}`)
	assert.True(t, HasImage(payload))
}

func TestHasImageFalseWithoutAny(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"user","content":"just text"}]}`)
	assert.False(t, HasImage(payload))
}

func TestToChatMessagesRoundTripsFlatText(t *testing.T) {
	req := AnthropicRequest{
		System:   []AnthropicTextBlock{{Type: "text", Text: "be nice"}},
		Messages: []AnthropicMessage{{Role: "user", Content: []AnthropicContentBlock{{Type: "text", Text: "hi"}}}},
	}
	messages := ToChatMessages(req)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "be nice", messages[0].Content)
	assert.Equal(t, "hi", messages[1].Content)
}

func TestRewriteModelReplacesFieldInPlace(t *testing.T) {
	payload := []byte(`{"model":"claude-old","messages":[]}`)
	out, err := RewriteModel(payload, "claude-new")
	require.NoError(t, err)
	assert.Equal(t, "claude-new", gjson.GetBytes(out, "model").String())
	assert.True(t, gjson.GetBytes(out, "messages").Exists())
}

func TestFromChatMessagesSplitsSystemBackOut(t *testing.T) {
	messages := []chatmsg.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
	}
	system, out := FromChatMessages(messages)
	require.Len(t, system, 1)
	assert.Equal(t, "be nice", system[0].Text)
	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Content[0].Text)
}
