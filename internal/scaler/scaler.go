// Package scaler rescales token-usage counts reported by the upstream
// provider so that clients on either dialect see a uniform context window,
// regardless of which endpoint family actually served the request.
package scaler

import "math"

// Family names an endpoint dialect.
type Family string

const (
	Anthropic Family = "anthropic"
	OpenAI    Family = "openai"
)

// Window sizes, in tokens, for the four endpoint/vision regimes this proxy
// advertises.
const (
	AnthropicText = 200000
	OpenAIText    = 131072
	OpenAIVision  = 65535
)

// DefaultVisionCountScale is applied to count_tokens responses when the
// client is on the Anthropic dialect and the request is vision-routed, per
// spec.md Open Question 1 (kept at 1.0, matching observed upstream
// behavior; configurable).
const DefaultVisionCountScale = 1.0

// factor returns the window_downstream / window_upstream ratio for a given
// (upstream, downstream, isVision) combination. Combinations the table
// doesn't name default to 1.0 (no rescaling).
func factor(upstream, downstream Family, isVision bool) float64 {
	switch {
	case upstream == Anthropic && downstream == OpenAI && !isVision:
		return float64(OpenAIText) / float64(AnthropicText)
	case upstream == Anthropic && downstream == OpenAI && isVision:
		return float64(OpenAIVision) / float64(AnthropicText)
	case upstream == OpenAI && downstream == Anthropic && !isVision:
		return float64(AnthropicText) / float64(OpenAIText)
	case upstream == OpenAI && downstream == OpenAI && isVision:
		return float64(OpenAIText) / float64(OpenAIVision)
	default:
		return 1.0
	}
}

// Scale rescales a single raw token count from the upstream's window to the
// downstream's window. A raw count of 0 (or less) is preserved unscaled —
// there's nothing to round down to 1 from. Otherwise the result is never
// rounded below 1, so a nonzero count never disappears entirely.
func Scale(raw int, upstream, downstream Family, isVision bool) int {
	if raw <= 0 {
		return raw
	}
	f := factor(upstream, downstream, isVision)
	scaled := int(math.Floor(float64(raw) * f))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// Usage is the subset of a usage object this package rescales field-wise.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ScaleUsage applies Scale to each field of a usage object independently.
func ScaleUsage(u Usage, upstream, downstream Family, isVision bool) Usage {
	return Usage{
		PromptTokens:     Scale(u.PromptTokens, upstream, downstream, isVision),
		CompletionTokens: Scale(u.CompletionTokens, upstream, downstream, isVision),
		TotalTokens:      Scale(u.TotalTokens, upstream, downstream, isVision),
	}
}

// ScaleCountTokens applies the vision count-scale to a count_tokens
// response when the client is on the Anthropic dialect and the request
// is vision-routed. Rounds up, per spec.md §4.8, so an estimate never
// under-reports.
func ScaleCountTokens(raw int, visionRouted bool, visionCountScale float64) int {
	if !visionRouted || raw <= 0 {
		return raw
	}
	if visionCountScale <= 0 {
		visionCountScale = DefaultVisionCountScale
	}
	return int(math.Ceil(float64(raw) * visionCountScale))
}
