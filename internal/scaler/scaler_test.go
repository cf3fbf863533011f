package scaler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScaleAnthropicToOpenAIText(t *testing.T) {
	got := Scale(200000, Anthropic, OpenAI, false)
	assert.Equal(t, 131072, got)
}

func TestScaleAnthropicToOpenAIVision(t *testing.T) {
	got := Scale(200000, Anthropic, OpenAI, true)
	assert.Equal(t, 65535, got)
}

func TestScaleOpenAIToAnthropicText(t *testing.T) {
	got := Scale(131072, OpenAI, Anthropic, false)
	assert.Equal(t, 200000, got)
}

func TestScaleOpenAIVisionToOpenAIText(t *testing.T) {
	got := Scale(65535, OpenAI, OpenAI, true)
	assert.Equal(t, 131072, got)
}

func TestScaleUnknownCombinationIsIdentity(t *testing.T) {
	got := Scale(500, Anthropic, Anthropic, false)
	assert.Equal(t, 500, got)
}

func TestScaleZeroOrNegativeIsPreserved(t *testing.T) {
	assert.Equal(t, 0, Scale(0, Anthropic, OpenAI, false))
	assert.Equal(t, -5, Scale(-5, Anthropic, OpenAI, false))
}

func TestScaleNeverRoundsBelowOne(t *testing.T) {
	got := Scale(1, Anthropic, OpenAI, true)
	assert.Equal(t, 1, got)
}

func TestScaleUsageAppliesFieldwise(t *testing.T) {
	u := Usage{PromptTokens: 200000, CompletionTokens: 100, TotalTokens: 200100}
	scaled := ScaleUsage(u, Anthropic, OpenAI, false)
	assert.Equal(t, 131072, scaled.PromptTokens)
	assert.Equal(t, 65, scaled.CompletionTokens)
}

func TestScaleCountTokensAppliesVisionScaleAndRoundsUp(t *testing.T) {
	got := ScaleCountTokens(100, true, 1.5)
	assert.Equal(t, 150, got)
}

func TestScaleCountTokensIgnoredWhenNotVisionRouted(t *testing.T) {
	got := ScaleCountTokens(100, false, 1.5)
	assert.Equal(t, 100, got)
}

func TestScaleCountTokensDefaultsScaleWhenNonPositive(t *testing.T) {
	got := ScaleCountTokens(100, true, 0)
	assert.Equal(t, 100, got)
}
