// Package router decides which upstream endpoint family serves a request —
// the Anthropic-style Messages API or the OpenAI-style Chat Completions
// API — and resolves the client-declared model id to the upstream model id
// that family expects. Routing is decided strictly against the
// client-declared model before alias resolution runs, so a caller is never
// surprised by a routing decision made against a model name it never typed
// (see spec.md REDESIGN FLAG #3 / Open Question 3).
package router

import "github.com/howard-nolan/llmrouter/internal/scaler"

// Config carries the alias table and auto-routing model names the Router
// consults. It is populated from RoutingConfig (internal/config).
type Config struct {
	ModelMap        map[string]string
	AutoTextModel   string
	AutoVisionModel string
}

// Decision is the outcome of routing one request.
type Decision struct {
	// Family is the upstream endpoint family this request dispatches to.
	Family scaler.Family
	// DeclaredModel is the model the client actually sent, before any
	// alias resolution or auto-text/auto-vision rewrite.
	DeclaredModel string
	// UpstreamModel is the resolved model id to send upstream, after alias
	// resolution and any AUTOTEXT/AUTOVISION rewrite.
	UpstreamModel string
	// IsVision reports whether this request routed to the vision-capable
	// model (has_image, or the declared/resolved model is AutoVisionModel).
	IsVision bool
}

// Route decides the endpoint family and resolved upstream model for a
// request, given the client-declared model and whether the payload
// contains an image.
//
// Decision order (per spec.md §4.9):
//  1. has_image detection (supplied by the caller, via mapper.HasImage).
//  2. Family: openai iff hasImage or declaredModel == AutoVisionModel, else
//     anthropic. This check runs against the model the client actually
//     typed — never a post-alias name.
//  3. AUTOTEXT_MODEL/AUTOVISION_MODEL rewrite: if the declared model is the
//     auto-text alias and an image is present, rewrite to the vision
//     target and route openai; if the declared model is the auto-vision
//     alias and no image is present, rewrite to the text target, leaving
//     the family from step 2 unchanged.
//  4. Alias resolution of the (possibly rewritten) model.
func Route(cfg Config, declaredModel string, hasImage bool) Decision {
	family := scaler.Anthropic
	isVision := hasImage || declaredModel == cfg.AutoVisionModel
	if isVision {
		family = scaler.OpenAI
	}

	resolved := declaredModel
	switch {
	case declaredModel == cfg.AutoTextModel && hasImage && cfg.AutoVisionModel != "":
		resolved = cfg.AutoVisionModel
		isVision = true
		family = scaler.OpenAI
	case declaredModel == cfg.AutoVisionModel && !hasImage && cfg.AutoTextModel != "":
		resolved = cfg.AutoTextModel
	}

	if alias, ok := cfg.ModelMap[resolved]; ok && alias != "" {
		resolved = alias
	}

	return Decision{
		Family:        family,
		DeclaredModel: declaredModel,
		UpstreamModel: resolved,
		IsVision:      isVision,
	}
}
