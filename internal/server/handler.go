package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmrouter/internal/logsink"
	"github.com/howard-nolan/llmrouter/internal/mapper"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/scaler"
	"github.com/howard-nolan/llmrouter/internal/streambridge"
	"github.com/howard-nolan/llmrouter/internal/upstream"
)

// maxRequestBody bounds how much of an incoming request body this proxy
// will buffer in memory before translating it. 32 MiB comfortably covers
// inline base64 images without leaving the proxy open to an unbounded
// read off a slow or hostile client.
const maxRequestBody = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// dialectEndpoint names the client-facing endpoint for metrics/log labels.
type dialectEndpoint struct {
	path    string
	dialect string
}

var (
	messagesEndpoint       = dialectEndpoint{"/v1/messages", "anthropic"}
	chatCompletionEndpoint = dialectEndpoint{"/v1/chat/completions", "openai"}
)

// handleMessages serves POST /v1/messages: an Anthropic-dialect request in,
// an Anthropic-dialect response (or SSE stream) out, regardless of which
// upstream family the Router sends it to.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, messagesEndpoint, scaler.Anthropic, decodeAnthropicRequest, encodeAnthropicNonStream)
}

// handleChatCompletions serves POST /v1/chat/completions: an OpenAI-dialect
// request in, an OpenAI-dialect response (or SSE stream) out.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, chatCompletionEndpoint, scaler.OpenAI, decodeOpenAIRequest, encodeOpenAINonStream)
}

// decode translates a raw client-dialect request body into the proxy's
// canonical Anthropic-shaped internal representation.
type decodeFunc func(body []byte) (mapper.AnthropicRequest, error)

// encodeNonStream translates a raw upstream response body (from
// upstreamFamily) into the client dialect's non-stream JSON envelope.
type encodeNonStreamFunc func(upstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool) ([]byte, error)

func decodeAnthropicRequest(body []byte) (mapper.AnthropicRequest, error) {
	var req mapper.AnthropicRequest
	err := json.Unmarshal(body, &req)
	return req, err
}

func decodeOpenAIRequest(body []byte) (mapper.AnthropicRequest, error) {
	var oreq mapper.OpenAIRequest
	if err := json.Unmarshal(body, &oreq); err != nil {
		return mapper.AnthropicRequest{}, err
	}
	return mapper.OpenAIRequestToAnthropic(oreq)
}

func encodeAnthropicNonStream(upstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool) ([]byte, error) {
	switch upstreamFamily {
	case scaler.OpenAI:
		var oresp mapper.OpenAIChatCompletionResponse
		if err := json.Unmarshal(body, &oresp); err != nil {
			return nil, err
		}
		resp := mapper.OpenAIResponseToAnthropic(oresp, modelAlias)
		resp.Usage = toScalerUsage(resp.Usage).scale(upstreamFamily, scaler.Anthropic, isVision).toAnthropic(resp.Usage)
		return json.Marshal(resp)
	default:
		var resp mapper.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		resp.Model = modelAlias
		resp.Usage = toScalerUsage(resp.Usage).scale(upstreamFamily, scaler.Anthropic, isVision).toAnthropic(resp.Usage)
		return json.Marshal(resp)
	}
}

func encodeOpenAINonStream(upstreamFamily scaler.Family, body []byte, modelAlias string, isVision bool) ([]byte, error) {
	switch upstreamFamily {
	case scaler.Anthropic:
		var resp mapper.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		oresp := mapper.AnthropicResponseToOpenAI(resp, modelAlias, time.Now())
		oresp.Usage = toScalerUsage(oresp.Usage).scale(upstreamFamily, scaler.OpenAI, isVision).toOpenAI(oresp.Usage)
		return json.Marshal(oresp)
	default:
		var oresp mapper.OpenAIChatCompletionResponse
		if err := json.Unmarshal(body, &oresp); err != nil {
			return nil, err
		}
		oresp.Model = modelAlias
		oresp.Usage = toScalerUsage(oresp.Usage).scale(upstreamFamily, scaler.OpenAI, isVision).toOpenAI(oresp.Usage)
		return json.Marshal(oresp)
	}
}

// scalerUsage is a tiny local alias so the encode* helpers above read as a
// pipeline (toScalerUsage -> scale -> toX) instead of repeating
// scaler.ScaleUsage(...) with a throwaway struct literal at each call site.
type scalerUsage scaler.Usage

func toScalerUsage(u any) scalerUsage {
	switch v := u.(type) {
	case mapper.AnthropicUsage:
		return scalerUsage{PromptTokens: v.InputTokens, CompletionTokens: v.OutputTokens, TotalTokens: v.InputTokens + v.OutputTokens}
	case mapper.OpenAIUsage:
		su := scalerUsage{}
		if v.PromptTokens != nil {
			su.PromptTokens = *v.PromptTokens
		}
		if v.CompletionTokens != nil {
			su.CompletionTokens = *v.CompletionTokens
		}
		if v.TotalTokens != nil {
			su.TotalTokens = *v.TotalTokens
		}
		return su
	default:
		return scalerUsage{}
	}
}

func (su scalerUsage) scale(upstream, downstream scaler.Family, isVision bool) scalerUsage {
	return scalerUsage(scaler.ScaleUsage(scaler.Usage(su), upstream, downstream, isVision))
}

func (su scalerUsage) toAnthropic(orig mapper.AnthropicUsage) mapper.AnthropicUsage {
	orig.InputTokens = su.PromptTokens
	orig.OutputTokens = su.CompletionTokens
	return orig
}

func (su scalerUsage) toOpenAI(orig mapper.OpenAIUsage) mapper.OpenAIUsage {
	prompt, completion, total := su.PromptTokens, su.CompletionTokens, su.TotalTokens
	orig.PromptTokens = &prompt
	orig.CompletionTokens = &completion
	orig.TotalTokens = &total
	return orig
}

// serve is the shared pipeline behind both /v1/messages and
// /v1/chat/completions: read the body, route it, run it through the
// Context Manager, dispatch upstream, and translate the reply back into
// the caller's dialect (streamed or not).
func (s *Server) serve(w http.ResponseWriter, r *http.Request, ep dialectEndpoint, downstream scaler.Family, decode decodeFunc, encode encodeNonStreamFunc) {
	correlationID := logsink.NewCorrelationID()
	w.Header().Set("X-Correlation-Id", correlationID)

	if s.deps.Metrics != nil {
		s.deps.Metrics.Requests.WithLabelValues(ep.path, ep.dialect).Inc()
	}
	start := time.Now()
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RequestDuration.WithLabelValues(ep.path).Observe(time.Since(start).Seconds())
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	hasImage := mapper.HasImage(body)
	declaredModel := gjson.GetBytes(body, "model").String()
	decision := router.Route(s.deps.Routing, declaredModel, hasImage)

	req, err := decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Model = decision.UpstreamModel

	s.condense(r.Context(), &req, decision, correlationID)

	dispatchBody, path, err := buildDispatchBody(req, decision.Family)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "translating request: "+err.Error())
		return
	}

	streaming := req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	s.logUpstreamRequest(correlationID, ep, decision, path, len(dispatchBody))

	if streaming {
		s.serveStream(w, r, decision, downstream, declaredModel, path, dispatchBody, correlationID)
		return
	}
	s.serveNonStream(w, r, decision, declaredModel, path, dispatchBody, encode, correlationID)
}

// condense runs the conversation through the Context Manager and writes
// the (possibly condensed) messages back onto req.
func (s *Server) condense(ctx context.Context, req *mapper.AnthropicRequest, decision router.Decision, correlationID string) {
	if s.deps.ContextMgr == nil {
		return
	}
	messages := mapper.ToChatMessages(*req)
	result := s.deps.ContextMgr.Apply(ctx, messages, decision.IsVision, req.MaxTokens)
	system, out := mapper.FromChatMessages(result.ProcessedMessages)
	req.System = system
	req.Messages = out

	if s.deps.Metrics != nil && result.OriginalTokens > 0 {
		analysis := s.deps.ContextMgr.Analyze(messages, decision.IsVision, req.MaxTokens)
		s.deps.Metrics.ContextUtilization.Observe(analysis.UtilizationPercent / 100)
		if result.StrategyUsed != "" {
			outcome := "monitor"
			if result.TokensSaved > 0 {
				outcome = "condensed"
			}
			s.deps.Metrics.CondensationRuns.WithLabelValues(string(result.StrategyUsed), outcome).Inc()
		}
	}
	if s.deps.Logs != nil && result.TokensSaved > 0 {
		s.deps.Logs.Enqueue(logsink.PerformanceMetric, logsink.Debug, correlationID, map[string]any{
			"strategy_used":   string(result.StrategyUsed),
			"risk_level":      string(result.RiskLevel),
			"tokens_saved":    result.TokensSaved,
			"original_tokens": result.OriginalTokens,
			"final_tokens":    result.FinalTokens,
		})
	}
}

// buildDispatchBody translates req into the wire shape decision.Family's
// upstream endpoint expects, and returns the path to dispatch it to.
func buildDispatchBody(req mapper.AnthropicRequest, family scaler.Family) ([]byte, string, error) {
	if family == scaler.OpenAI {
		oreq, err := mapper.AnthropicRequestToOpenAI(req)
		if err != nil {
			return nil, "", err
		}
		body, err := json.Marshal(oreq)
		return body, "/chat/completions", err
	}
	body, err := json.Marshal(req)
	return body, "/messages", err
}

func (s *Server) serveNonStream(w http.ResponseWriter, r *http.Request, decision router.Decision, declaredModel, path string, dispatchBody []byte, encode encodeNonStreamFunc, correlationID string) {
	result, err := s.deps.Upstream.Do(r.Context(), upstream.Request{
		Family:  decision.Family,
		Path:    path,
		Body:    dispatchBody,
		Headers: r.Header,
	})
	if err != nil {
		s.reportUpstreamFailure(decision, err, correlationID)
		writeError(w, http.StatusBadGateway, "upstream connection lost: "+err.Error())
		return
	}

	s.logUpstreamResponse(correlationID, decision, result.StatusCode, len(result.Body))

	if result.StatusCode >= 400 {
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(string(decision.Family), statusClass(result.StatusCode)).Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	out, err := encode(decision.Family, result.Body, declaredModel, decision.IsVision)
	if err != nil {
		writeError(w, http.StatusBadGateway, "translating upstream response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, decision router.Decision, downstream scaler.Family, declaredModel, path string, dispatchBody []byte, correlationID string) {
	resp, err := s.deps.Upstream.Stream(r.Context(), upstream.Request{
		Family:  decision.Family,
		Path:    path,
		Body:    dispatchBody,
		Headers: r.Header,
	})
	if err != nil {
		s.reportUpstreamFailure(decision, err, correlationID)
		streambridge.WriteStreamError(w, downstream, "upstream connection lost: "+err.Error())
		return
	}
	defer resp.Body.Close()

	s.logUpstreamResponse(correlationID, decision, resp.StatusCode, 0)

	if resp.StatusCode >= 400 {
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(string(decision.Family), statusClass(resp.StatusCode)).Inc()
		}
		body, _ := io.ReadAll(resp.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if !upstream.IsEventStream(resp) {
		body, _ := io.ReadAll(resp.Body)
		if err := streambridge.NonStreamingFallback(decision.Family, downstream, body, declaredModel, decision.IsVision, w); err != nil {
			log.Printf("streambridge: non-streaming fallback: %v", err)
		}
		return
	}

	if _, _, err := streambridge.Bridge(resp.Body, w, decision.Family, downstream, decision.IsVision, declaredModel); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.StreamErrors.WithLabelValues(string(decision.Family), string(downstream)).Inc()
		}
		log.Printf("streambridge: mid-stream failure: %v", err)
	}
}

func (s *Server) reportUpstreamFailure(decision router.Decision, err error, correlationID string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(string(decision.Family), "connection_lost").Inc()
	}
	if s.deps.Logs != nil {
		var connErr *upstream.ConnectionLostError
		attempts := 0
		if errors.As(err, &connErr) {
			attempts = connErr.Attempts
		}
		s.deps.Logs.Enqueue(logsink.Error, logsink.Critical, correlationID, map[string]any{
			"family":   string(decision.Family),
			"error":    err.Error(),
			"attempts": attempts,
		})
	}
}

func (s *Server) logUpstreamRequest(correlationID string, ep dialectEndpoint, decision router.Decision, path string, bodySize int) {
	if s.deps.Logs == nil {
		return
	}
	s.deps.Logs.Enqueue(logsink.UpstreamRequest, logsink.Important, correlationID, map[string]any{
		"endpoint":       ep.path,
		"family":         string(decision.Family),
		"path":           path,
		"declared_model": decision.DeclaredModel,
		"upstream_model": decision.UpstreamModel,
		"is_vision":      decision.IsVision,
		"body_bytes":     bodySize,
	})
}

func (s *Server) logUpstreamResponse(correlationID string, decision router.Decision, statusCode, bodySize int) {
	if s.deps.Logs == nil {
		return
	}
	level := logsink.Important
	if statusCode >= 400 {
		level = logsink.Critical
	}
	s.deps.Logs.Enqueue(logsink.UpstreamResponse, level, correlationID, map[string]any{
		"family":      string(decision.Family),
		"status_code": statusCode,
		"body_bytes":  bodySize,
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// handleCountTokens serves POST /v1/messages/count_tokens: it runs the
// Router + Tokenizer over the request without dispatching anything
// upstream, and returns the scaled estimate under three compatible keys.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	hasImage := mapper.HasImage(body)
	declaredModel := gjson.GetBytes(body, "model").String()
	decision := router.Route(s.deps.Routing, declaredModel, hasImage)

	var req mapper.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	messages := mapper.ToChatMessages(req)
	raw := s.deps.Tokenizer.CountMessages(messages, "").Total

	visionScaled := decision.IsVision && s.deps.ScaleCountTokensForVision
	count := scaler.ScaleCountTokens(raw, visionScaled, s.deps.VisionCountScale)

	if visionScaled {
		w.Header().Set("X-Proxy-Count-Scaled", "VISION")
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"input_tokens":      count,
		"token_count":       count,
		"input_token_count": count,
	})
}

// modelEntry is one entry of the /v1/models static listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelIDs assembles the static model list from the configured alias
// table's keys and values plus the AUTOTEXT/AUTOVISION routing targets,
// per spec.md §6.1.
func (s *Server) modelIDs() []string {
	seen := map[string]struct{}{}
	add := func(id string) {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	for k, v := range s.deps.Routing.ModelMap {
		add(k)
		add(v)
	}
	add(s.deps.Routing.AutoTextModel)
	add(s.deps.Routing.AutoVisionModel)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	ids := s.modelIDs()
	entries := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "proxy"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, known := range s.modelIDs() {
		if known == id {
			writeJSON(w, http.StatusOK, modelEntry{ID: id, Object: "model", Created: time.Now().Unix(), OwnedBy: "proxy"})
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown model: "+id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
