// Package condenser decides when a conversation is too large for its
// target context window and, when it is, produces a shorter replacement
// using one of four strategies: summarizing whole segments, extracting key
// points, progressively summarizing in decreasing-size layers, or — when
// none of those can run — truncating deterministically without calling
// upstream at all.
package condenser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
	"github.com/howard-nolan/llmrouter/internal/chunkstore"
)

// Strategy names a condensation algorithm. The string values double as
// the `strategy_used` label reported back to callers and stored in the
// result cache key.
type Strategy string

const (
	ConversationSummary      Strategy = "conversation_summary"
	KeyPointExtraction       Strategy = "key_point_extraction"
	ProgressiveSummarization Strategy = "progressive_summarization"
	SmartTruncation          Strategy = "smart_truncation"
	ChunkCached              Strategy = "chunk_cached"
	ChunkBased               Strategy = "chunk_based"
	EnvDedupOnly             Strategy = "environment_deduplication_only"
	NoStrategy               Strategy = "none"
)

const segmentTargetTokens = 4000

// Result is what a condensation attempt produces.
type Result struct {
	Success         bool
	Messages        []chatmsg.Message
	OriginalTokens  int
	CondensedTokens int
	TokensSaved     int
	Strategy        Strategy
	ProcessingTime  time.Duration
	Error           string
	Metadata        map[string]any
}

// Summarizer asks the upstream model to summarize a block of text.
// Strategies fall back to a heuristic excerpt when it errors or returns
// an empty string.
type Summarizer func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Counter counts tokens across a message slice.
type Counter func(messages []chatmsg.Message) int

// Config tunes condensation thresholds and the result cache.
type Config struct {
	Enabled           bool
	DefaultStrategy   Strategy
	CautionThreshold  float64
	WarningThreshold  float64
	CriticalThreshold float64
	MinMessages       int
	CacheTTL          time.Duration
	CacheSize         int
	Timeout           time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = ConversationSummary
	}
	if c.CautionThreshold <= 0 {
		c.CautionThreshold = 0.70
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 0.80
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 0.90
	}
	if c.MinMessages <= 0 {
		c.MinMessages = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 3600 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Condenser selects and executes condensation strategies. It's safe for
// concurrent use; the result cache is the only shared mutable state and
// go-cache already serializes access to it internally.
type Condenser struct {
	cfg        Config
	counter    Counter
	summarizer Summarizer
	cache      *gocache.Cache
}

// New builds a Condenser. summarizer may be nil, in which case every
// AI-backed strategy falls back to its heuristic path immediately.
func New(cfg Config, counter Counter, summarizer Summarizer) *Condenser {
	cfg.applyDefaults()
	cache := gocache.New(cfg.CacheTTL, cfg.CacheTTL*2)
	return &Condenser{cfg: cfg, counter: counter, summarizer: summarizer, cache: cache}
}

func (c *Condenser) count(messages []chatmsg.Message) int {
	if c.counter == nil {
		return 0
	}
	return c.counter(messages)
}

// ShouldCondense reports whether the current token usage warrants
// condensation, and why.
func (c *Condenser) ShouldCondense(messages []chatmsg.Message, currentTokens, maxTokens int) (bool, string) {
	if !c.cfg.Enabled {
		return false, "condensation disabled"
	}
	if len(messages) < c.cfg.MinMessages {
		return false, fmt.Sprintf("too few messages (%d < %d)", len(messages), c.cfg.MinMessages)
	}
	if maxTokens <= 0 {
		return false, "no token budget configured"
	}
	utilization := float64(currentTokens) / float64(maxTokens)
	switch {
	case utilization >= c.cfg.CriticalThreshold:
		return true, fmt.Sprintf("critical threshold reached (%.2f >= %.2f)", utilization, c.cfg.CriticalThreshold)
	case utilization >= c.cfg.WarningThreshold:
		return true, fmt.Sprintf("warning threshold reached (%.2f >= %.2f)", utilization, c.cfg.WarningThreshold)
	case utilization >= c.cfg.CautionThreshold:
		return true, fmt.Sprintf("caution threshold reached (%.2f >= %.2f)", utilization, c.cfg.CautionThreshold)
	}
	return false, fmt.Sprintf("threshold not reached (%.2f < %.2f)", utilization, c.cfg.CautionThreshold)
}

// SelectStrategy picks a strategy, honoring preferred when it names a
// known one, else auto-selecting on conversation shape.
func (c *Condenser) SelectStrategy(messages []chatmsg.Message, currentTokens, maxTokens int, preferred Strategy) Strategy {
	switch preferred {
	case ConversationSummary, KeyPointExtraction, ProgressiveSummarization, SmartTruncation:
		return preferred
	}

	n := len(messages)
	switch {
	case n > 20:
		return ProgressiveSummarization
	case n > 10:
		return ConversationSummary
	case maxTokens > 0 && float64(currentTokens) > float64(maxTokens)*0.9:
		return SmartTruncation
	default:
		return KeyPointExtraction
	}
}

// Condense is the main entry point: check the gate, select a strategy,
// consult the cache, run the strategy, and fall back to smart truncation
// on failure.
func (c *Condenser) Condense(ctx context.Context, messages []chatmsg.Message, currentTokens, maxTokens int, preferred Strategy) Result {
	start := time.Now()

	should, reason := c.ShouldCondense(messages, currentTokens, maxTokens)
	if !should {
		return Result{
			Success:         false,
			Messages:        messages,
			OriginalTokens:  currentTokens,
			CondensedTokens: currentTokens,
			Strategy:        EnvDedupOnly,
			ProcessingTime:  time.Since(start),
			Error:           reason,
		}
	}

	strategy := c.SelectStrategy(messages, currentTokens, maxTokens, preferred)

	key := cacheKey(messages, strategy, maxTokens)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(Result)
	}

	result := c.run(ctx, strategy, messages, maxTokens)
	if !result.Success {
		result = c.run(ctx, SmartTruncation, messages, maxTokens)
	}
	result.ProcessingTime = time.Since(start)

	if result.Success {
		if c.cache.ItemCount() >= c.cfg.CacheSize {
			oldestKey, oldestExp := "", int64(0)
			for k, item := range c.cache.Items() {
				if oldestKey == "" || item.Expiration < oldestExp {
					oldestKey, oldestExp = k, item.Expiration
				}
			}
			c.cache.Delete(oldestKey)
		}
		c.cache.SetDefault(key, result)
	}
	return result
}

// CondenseChunked prefers the Chunk Store when one is supplied: reuses
// fresh condensed chunks as-is, condenses only the chunks that need it,
// and reports strategy "chunk_cached" when nothing had to run at all.
func (c *Condenser) CondenseChunked(ctx context.Context, store *chunkstore.Store, messages []chatmsg.Message, currentTokens, maxTokens int, preferred Strategy, isVision bool) Result {
	if store == nil {
		return c.Condense(ctx, messages, currentTokens, maxTokens, preferred)
	}

	start := time.Now()
	chunks := store.IdentifyChunks(messages, isVision)
	if len(chunks) == 0 {
		return Result{Success: false, Messages: messages, OriginalTokens: currentTokens, CondensedTokens: currentTokens, Strategy: NoStrategy, Error: "no chunks identified"}
	}

	analysis := store.Analyze(chunks)
	if len(analysis.Uncondensed) == 0 && len(analysis.Condensed) > 0 {
		final := reconstructFromChunks(chunks)
		finalTokens := c.count(final)
		return Result{
			Success:         true,
			Messages:        final,
			OriginalTokens:  currentTokens,
			CondensedTokens: finalTokens,
			TokensSaved:     currentTokens - finalTokens,
			Strategy:        ChunkCached,
			ProcessingTime:  time.Since(start),
			Metadata: map[string]any{
				"chunks_used":      len(chunks),
				"condensed_chunks": len(analysis.Condensed),
			},
		}
	}

	totalSaved := 0
	chunksFromCache := 0
	for _, chunk := range chunks {
		if chunk.IsFresh(c.cfg.CacheTTL) {
			totalSaved += chunk.TokensSaved
			chunksFromCache++
			continue
		}

		chunkTarget := maxTokens / len(chunks)
		if half := chunk.TokenCount / 2; half > chunkTarget {
			chunkTarget = half
		}

		chunkResult, _, err := store.Condense(chunk, func() (chunkstore.CondenseResult, error) {
			sub := c.Condense(ctx, chunk.Messages, chunk.TokenCount, chunkTarget, preferred)
			if !sub.Success {
				return chunkstore.CondenseResult{}, fmt.Errorf("chunk condensation failed: %s", sub.Error)
			}
			content := ""
			if len(sub.Messages) > 0 {
				content = sub.Messages[0].FlatText()
			}
			return chunkstore.CondenseResult{Content: content, Strategy: string(sub.Strategy), TokensSaved: sub.TokensSaved}, nil
		})
		if err == nil {
			totalSaved += chunkResult.TokensSaved
		}
	}

	final := reconstructFromChunks(chunks)
	finalTokens := c.count(final)
	return Result{
		Success:         true,
		Messages:        final,
		OriginalTokens:  currentTokens,
		CondensedTokens: finalTokens,
		TokensSaved:     totalSaved,
		Strategy:        ChunkBased,
		ProcessingTime:  time.Since(start),
		Metadata: map[string]any{
			"total_chunks":      len(chunks),
			"chunks_from_cache": chunksFromCache,
		},
	}
}

func reconstructFromChunks(chunks []*chunkstore.Chunk) []chatmsg.Message {
	var out []chatmsg.Message
	for _, chunk := range chunks {
		if chunk.State == chunkstore.Condensed && chunk.CondensedContent != "" {
			out = append(out, chatmsg.Message{
				Role:    "assistant",
				Content: chunk.CondensedContent,
			})
			continue
		}
		out = append(out, chunk.Messages...)
	}
	return out
}

func (c *Condenser) run(ctx context.Context, strategy Strategy, messages []chatmsg.Message, maxTokens int) Result {
	switch strategy {
	case ConversationSummary:
		return c.conversationSummary(ctx, messages, maxTokens)
	case KeyPointExtraction:
		return c.keyPointExtraction(ctx, messages)
	case ProgressiveSummarization:
		return c.progressiveSummarization(ctx, messages)
	case SmartTruncation:
		return c.smartTruncation(messages, maxTokens)
	default:
		return c.smartTruncation(messages, maxTokens)
	}
}

// importance is a message's preservation score, computed per the scoring
// formula: 30 for user role, 40 for tool use, 50*recency_rank/n,
// min(len/1000, 20), 15 for a question mark, 20 for a code fence. A
// message is preserved verbatim when role is system or its score
// reaches 50.
type importance struct {
	index    int
	score    float64
	preserve bool
}

func (c *Condenser) scoreImportance(messages []chatmsg.Message) []importance {
	n := len(messages)
	scores := make([]importance, n)
	for i, m := range messages {
		score := 0.0
		if m.Role == "user" {
			score += 30
		}
		if m.HasToolUse() {
			score += 40
		}
		score += 50 * float64(i+1) / float64(n)
		text := m.FlatText()
		score += math.Min(float64(len(text))/1000, 20)
		if strings.Contains(text, "?") {
			score += 15
		}
		if strings.Contains(text, "```") {
			score += 20
		}
		scores[i] = importance{
			index:    i,
			score:    score,
			preserve: m.Role == "system" || score >= 50,
		}
	}
	return scores
}

// conversationSummary segments the non-preserved suffix into ~4000-token
// chunks and summarizes each with an upstream call, preserving
// high-importance messages verbatim.
func (c *Condenser) conversationSummary(ctx context.Context, messages []chatmsg.Message, maxTokens int) Result {
	originalTokens := c.count(messages)
	scores := c.scoreImportance(messages)

	var preserve, condense []chatmsg.Message
	for _, s := range scores {
		if s.preserve {
			preserve = append(preserve, messages[s.index])
		} else {
			condense = append(condense, messages[s.index])
		}
	}

	if len(condense) == 0 {
		return Result{
			Success:         false,
			Messages:        messages,
			OriginalTokens:  originalTokens,
			CondensedTokens: originalTokens,
			Strategy:        ConversationSummary,
			Error:           "no messages available for condensation",
		}
	}

	segments := c.segment(condense, segmentTargetTokens)
	var summaries []chatmsg.Message
	for _, segment := range segments {
		summaries = append(summaries, c.summarizeSegment(ctx, segment))
	}

	final := reconstructConversation(preserve, summaries)
	condensedTokens := c.count(final)

	return Result{
		Success:         true,
		Messages:        final,
		OriginalTokens:  originalTokens,
		CondensedTokens: condensedTokens,
		TokensSaved:     originalTokens - condensedTokens,
		Strategy:        ConversationSummary,
		Metadata: map[string]any{
			"segments_summarized": len(segments),
			"messages_preserved":  len(preserve),
			"messages_condensed":  len(condense),
		},
	}
}

func (c *Condenser) segment(messages []chatmsg.Message, targetTokens int) [][]chatmsg.Message {
	var segments [][]chatmsg.Message
	var current []chatmsg.Message
	currentTokens := 0

	for _, m := range messages {
		msgTokens := c.count([]chatmsg.Message{m})
		if currentTokens+msgTokens > targetTokens && len(current) > 0 {
			segments = append(segments, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += msgTokens
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

func (c *Condenser) summarizeSegment(ctx context.Context, segment []chatmsg.Message) chatmsg.Message {
	text := formatForSummary(segment)
	prompt := fmt.Sprintf(
		"Please summarize the following conversation segment while preserving:\n"+
			"1. Key decisions and conclusions\n2. Important questions and answers\n"+
			"3. Technical details and code snippets\n4. Context needed for continuing the conversation\n\n"+
			"Conversation segment:\n%s\n\nProvide a concise summary that captures the essential information:", text)

	if summary, ok := c.callSummarizer(ctx, prompt, 600); ok {
		return chatmsg.Message{Role: "assistant", Content: "[Summary]: " + summary}
	}
	return chatmsg.Message{Role: "assistant", Content: fmt.Sprintf("[Summary]: condensed %d messages from earlier in the conversation", len(segment))}
}

func (c *Condenser) callSummarizer(ctx context.Context, prompt string, maxTokens int) (string, bool) {
	if c.summarizer == nil {
		return "", false
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	summary, err := c.summarizer(timeoutCtx, prompt, maxTokens)
	if err != nil || strings.TrimSpace(summary) == "" {
		return "", false
	}
	return summary, true
}

func formatForSummary(messages []chatmsg.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, strings.ToUpper(m.Role)+": "+m.FlatText())
	}
	return strings.Join(lines, "\n")
}

func reconstructConversation(preserve []chatmsg.Message, condensed []chatmsg.Message) []chatmsg.Message {
	var system, other []chatmsg.Message
	for _, m := range preserve {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}
	result := make([]chatmsg.Message, 0, len(system)+len(condensed)+len(other))
	result = append(result, system...)
	result = append(result, condensed...)
	result = append(result, other...)
	return result
}

// keyPointExtraction preserves high-importance messages verbatim and
// bullets the rest into one synthetic message.
func (c *Condenser) keyPointExtraction(ctx context.Context, messages []chatmsg.Message) Result {
	originalTokens := c.count(messages)
	scores := c.scoreImportance(messages)

	var keyMessages, remaining []chatmsg.Message
	preserved := make(map[int]bool)
	for _, s := range scores {
		if s.preserve {
			keyMessages = append(keyMessages, messages[s.index])
			preserved[s.index] = true
		}
	}
	for i, m := range messages {
		if !preserved[i] {
			remaining = append(remaining, m)
		}
	}

	final := keyMessages
	if len(remaining) > 0 {
		points := c.extractKeyPoints(ctx, remaining)
		final = append(final, chatmsg.Message{
			Role:    "assistant",
			Content: "[Key points from conversation]: " + points,
		})
	}

	condensedTokens := c.count(final)
	return Result{
		Success:         true,
		Messages:        final,
		OriginalTokens:  originalTokens,
		CondensedTokens: condensedTokens,
		TokensSaved:     originalTokens - condensedTokens,
		Strategy:        KeyPointExtraction,
		Metadata: map[string]any{
			"key_messages_preserved": len(keyMessages),
			"key_points_extracted":   len(remaining),
		},
	}
}

func (c *Condenser) extractKeyPoints(ctx context.Context, messages []chatmsg.Message) string {
	text := formatForExtraction(messages)
	prompt := fmt.Sprintf(
		"Extract the most important key points from these messages:\n"+
			"1. Decisions made\n2. Questions asked and answered\n3. Technical solutions provided\n"+
			"4. Action items or next steps\n5. Critical context information\n\nMessages:\n%s\n\n"+
			"Provide a bulleted list of the most important key points:", text)

	if points, ok := c.callSummarizer(ctx, prompt, 800); ok {
		return points
	}
	return fallbackKeyPoints(messages)
}

func formatForExtraction(messages []chatmsg.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Role+": "+m.FlatText())
	}
	return strings.Join(lines, "\n")
}

func fallbackKeyPoints(messages []chatmsg.Message) string {
	var points []string
	for _, m := range messages {
		text := m.FlatText()
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "decision") || strings.Contains(lower, "decided"):
			points = append(points, "• Decision: "+truncate(text, 100)+"...")
		case strings.Contains(lower, "solution") || strings.Contains(lower, "fix"):
			points = append(points, "• Solution: "+truncate(text, 100)+"...")
		case strings.Contains(text, "?"):
			points = append(points, "• Question: "+truncate(text, 100)+"...")
		case strings.Contains(text, "```"):
			points = append(points, "• Code provided")
		}
		if len(points) >= 5 {
			break
		}
	}
	if len(points) == 0 {
		return "• Conversation condensed to save context space"
	}
	return strings.Join(points, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// progressiveSummarization splits the conversation into layers of n/4,
// n/2 and n/4 messages (so the middle layer is the largest; the sizes do
// not decrease), plus one further layer for whatever remains. Each layer
// is summarized independently, and the most recent preserved messages are
// appended.
func (c *Condenser) progressiveSummarization(ctx context.Context, messages []chatmsg.Message) Result {
	originalTokens := c.count(messages)

	if len(messages) < 3 {
		return Result{
			Success:         false,
			Messages:        messages,
			OriginalTokens:  originalTokens,
			CondensedTokens: originalTokens,
			Strategy:        ProgressiveSummarization,
			Error:           "too few messages for progressive summarization",
		}
	}

	layers := layerMessages(messages)

	var summarized []chatmsg.Message
	layerSizes := make([]int, len(layers))
	for i, layer := range layers {
		layerSizes[i] = len(layer)
		if len(layer) == 1 {
			summarized = append(summarized, layer[0])
			continue
		}
		summarized = append(summarized, c.summarizeLayer(ctx, layer))
	}

	scores := c.scoreImportance(messages)
	var recentImportant []chatmsg.Message
	tailStart := len(scores) - 3
	if tailStart < 0 {
		tailStart = 0
	}
	for _, s := range scores[tailStart:] {
		if s.preserve {
			recentImportant = append(recentImportant, messages[s.index])
		}
	}

	final := append(append([]chatmsg.Message{}, summarized...), recentImportant...)
	condensedTokens := c.count(final)

	return Result{
		Success:         true,
		Messages:        final,
		OriginalTokens:  originalTokens,
		CondensedTokens: condensedTokens,
		TokensSaved:     originalTokens - condensedTokens,
		Strategy:        ProgressiveSummarization,
		Metadata: map[string]any{
			"layers_created":            len(layers),
			"messages_per_layer":        layerSizes,
			"recent_messages_preserved": len(recentImportant),
		},
	}
}

func layerMessages(messages []chatmsg.Message) [][]chatmsg.Message {
	remaining := append([]chatmsg.Message{}, messages...)
	sizes := []int{len(messages) / 4, len(messages) / 2, len(messages) / 4}

	var layers [][]chatmsg.Message
	for _, size := range sizes {
		if len(remaining) > size && size > 0 {
			layers = append(layers, remaining[:size])
			remaining = remaining[size:]
		}
	}
	if len(remaining) > 0 {
		layers = append(layers, remaining)
	}
	return layers
}

func (c *Condenser) summarizeLayer(ctx context.Context, layer []chatmsg.Message) chatmsg.Message {
	lines := make([]string, 0, len(layer))
	for _, m := range layer {
		lines = append(lines, m.Role+": "+truncate(m.FlatText(), 200)+"...")
	}
	prompt := fmt.Sprintf("Create a high-level summary of this conversation segment:\n%s\n\n"+
		"Focus on the main themes and outcomes. Keep it concise but comprehensive.", strings.Join(lines, "\n"))

	if summary, ok := c.callSummarizer(ctx, prompt, 600); ok {
		return chatmsg.Message{Role: "assistant", Content: "[Progressive summary]: " + summary}
	}
	return chatmsg.Message{Role: "assistant", Content: fmt.Sprintf("[Layer summary]: condensed %d messages from early conversation", len(layer))}
}

// smartTruncation never calls upstream: it keeps system messages, admits
// user/assistant messages newest-first while they fit the budget, and
// truncates the single boundary message that would overflow it.
func (c *Condenser) smartTruncation(messages []chatmsg.Message, targetTokens int) Result {
	originalTokens := c.count(messages)
	if len(messages) == 0 {
		return Result{Success: true, Messages: messages, Strategy: SmartTruncation}
	}

	var system, other []chatmsg.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}

	result := append([]chatmsg.Message{}, system...)
	currentTokens := c.count(result)

	var admitted []chatmsg.Message
	for i := len(other) - 1; i >= 0; i-- {
		m := other[i]
		msgTokens := c.count([]chatmsg.Message{m})

		if currentTokens+msgTokens <= targetTokens {
			admitted = append([]chatmsg.Message{m}, admitted...)
			currentTokens += msgTokens
			continue
		}

		remaining := targetTokens - currentTokens
		if truncated, ok := c.truncateSingleMessage(m, remaining); ok {
			admitted = append([]chatmsg.Message{truncated}, admitted...)
		}
		break
	}
	result = append(result, admitted...)

	condensedTokens := c.count(result)
	return Result{
		Success:         true,
		Messages:        result,
		OriginalTokens:  originalTokens,
		CondensedTokens: condensedTokens,
		TokensSaved:     originalTokens - condensedTokens,
		Strategy:        SmartTruncation,
		Metadata: map[string]any{
			"fallback_reason": "AI condensation unavailable or failed",
		},
	}
}

// Truncate runs the deterministic smart-truncation strategy directly,
// bypassing strategy selection and the result cache. The Context
// Manager uses this for emergency truncation once AI condensation is
// unavailable or has already failed.
func (c *Condenser) Truncate(messages []chatmsg.Message, targetTokens int) Result {
	return c.smartTruncation(messages, targetTokens)
}

func (c *Condenser) truncateSingleMessage(m chatmsg.Message, maxTokens int) (chatmsg.Message, bool) {
	if maxTokens <= 0 {
		return chatmsg.Message{}, false
	}

	if !m.HasParts {
		targetChars := maxTokens * 3
		if len(m.Content) <= targetChars {
			return m, true
		}
		truncated := m
		truncated.Content = m.Content[:targetChars] + "... [truncated]"
		return truncated, true
	}

	maxParts := int(math.Ceil(float64(maxTokens) / 1000))
	if maxParts <= 0 {
		maxParts = 1
	}
	if maxParts >= len(m.Parts) {
		return m, true
	}

	truncated := m
	truncated.Parts = append(append([]chatmsg.ContentPart{}, m.Parts[:maxParts]...),
		chatmsg.ContentPart{Type: "text", Text: "... [truncated]"})
	return truncated, true
}

func cacheKey(messages []chatmsg.Message, strategy Strategy, maxTokens int) string {
	h := sha256.New()
	h.Write([]byte(chatmsg.ContentHash(messages)))
	h.Write([]byte(strategy))
	h.Write([]byte(strconv.Itoa(maxTokens)))
	return hex.EncodeToString(h.Sum(nil))
}
