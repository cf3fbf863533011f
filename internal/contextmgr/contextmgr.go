// Package contextmgr ties env-deduplication, condensation, and emergency
// truncation together into one risk-driven pipeline: analyze where a
// conversation sits against its context window, and — for anything past
// the caution line — apply the lightest intervention that gets it back
// under budget.
package contextmgr

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
	"github.com/howard-nolan/llmrouter/internal/chunkstore"
	"github.com/howard-nolan/llmrouter/internal/condenser"
	"github.com/howard-nolan/llmrouter/internal/envdedup"
)

// RiskLevel classifies how close a conversation is to overflowing its
// context window.
type RiskLevel string

const (
	Safe     RiskLevel = "safe"
	Caution  RiskLevel = "caution"
	Warning  RiskLevel = "warning"
	Critical RiskLevel = "critical"
	Overflow RiskLevel = "overflow"
)

// Strategy is the action recommended for a given risk level.
type Strategy string

const (
	MonitorOnly            Strategy = "monitor_only"
	CondensationLight      Strategy = "condensation_light"
	CondensationAggressive Strategy = "condensation_aggressive"
	EmergencyTruncation    Strategy = "emergency_truncation"
)

// Analysis is a point-in-time read of a conversation's context-window
// posture.
type Analysis struct {
	RiskLevel           RiskLevel
	UtilizationPercent  float64
	CurrentTokens       int
	LimitTokens         int
	AvailableTokens     int
	RecommendedStrategy Strategy
	ShouldCondense      bool
	MessageCount        int
	AnalysisTime        time.Duration
}

// Result is the outcome of a full Apply pass.
type Result struct {
	OriginalMessages  []chatmsg.Message
	ProcessedMessages []chatmsg.Message
	OriginalTokens    int
	FinalTokens       int
	TokensSaved       int
	StrategyUsed      Strategy
	RiskLevel         RiskLevel
	ProcessingTime    time.Duration
	Metadata          map[string]any
}

// Counter counts tokens across a message slice.
type Counter func(messages []chatmsg.Message) int

// Config holds the window limits and risk thresholds.
type Config struct {
	TextLimit         int
	VisionLimit       int
	CautionThreshold  float64
	WarningThreshold  float64
	CriticalThreshold float64
	MinMessages       int
	CacheSize         int
	CacheTTL          time.Duration
}

func (c *Config) applyDefaults() {
	if c.TextLimit <= 0 {
		c.TextLimit = 200000
	}
	if c.VisionLimit <= 0 {
		c.VisionLimit = 65535
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
	if c.CacheSize <= 0 {
		c.CacheSize = 100
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
}

type cacheEntry struct {
	analysis Analysis
	expires  time.Time
}

// Manager orchestrates env-dedup, condensation, and truncation behind a
// single Analyze/Apply pair.
type Manager struct {
	cfg       Config
	counter   Counter
	deduper   *envdedup.Deduper
	condenser *condenser.Condenser
	chunks    *chunkstore.Store

	analysisCache *lru.Cache[string, cacheEntry]
}

// New builds a Manager. chunks may be nil — Apply then always uses the
// Condenser's traditional (non-chunk-based) orchestration.
func New(cfg Config, counter Counter, deduper *envdedup.Deduper, cond *condenser.Condenser, chunks *chunkstore.Store) *Manager {
	cfg.applyDefaults()
	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		cache, _ = lru.New[string, cacheEntry](100)
	}
	return &Manager{cfg: cfg, counter: counter, deduper: deduper, condenser: cond, chunks: chunks, analysisCache: cache}
}

func (m *Manager) count(messages []chatmsg.Message) int {
	if m.counter == nil {
		return 0
	}
	return m.counter(messages)
}

func (m *Manager) limit(isVision bool) int {
	if isVision {
		return m.cfg.VisionLimit
	}
	return m.cfg.TextLimit
}

// Analyze reports the current risk level and recommended strategy,
// memoized by a digest of the messages, vision flag, and window limits.
func (m *Manager) Analyze(messages []chatmsg.Message, isVision bool, maxResponseTokens int) Analysis {
	start := time.Now()

	key := analysisCacheKey(messages, isVision, m.cfg.TextLimit, m.cfg.VisionLimit)
	if cached, ok := m.analysisCache.Get(key); ok && time.Now().Before(cached.expires) {
		cached.analysis.AnalysisTime = time.Since(start)
		return cached.analysis
	}

	currentTokens := m.count(messages)
	limitTokens := m.limit(isVision)

	available := limitTokens - currentTokens
	if maxResponseTokens > 0 {
		available -= maxResponseTokens
	}
	if available < 0 {
		available = 0
	}

	utilization := 100.0
	if limitTokens > 0 {
		utilization = float64(currentTokens) / float64(limitTokens) * 100
	}

	risk := classify(utilization, m.cfg)
	strategy, shouldCondense := recommend(risk, len(messages) >= m.cfg.MinMessages)

	analysis := Analysis{
		RiskLevel:           risk,
		UtilizationPercent:  utilization,
		CurrentTokens:       currentTokens,
		LimitTokens:         limitTokens,
		AvailableTokens:     available,
		RecommendedStrategy: strategy,
		ShouldCondense:      shouldCondense,
		MessageCount:        len(messages),
		AnalysisTime:        time.Since(start),
	}

	m.analysisCache.Add(key, cacheEntry{analysis: analysis, expires: time.Now().Add(m.cfg.CacheTTL)})
	return analysis
}

func classify(utilizationPercent float64, cfg Config) RiskLevel {
	switch {
	case utilizationPercent >= 100:
		return Overflow
	case utilizationPercent >= cfg.CriticalThreshold*100:
		return Critical
	case utilizationPercent >= cfg.WarningThreshold*100:
		return Warning
	case utilizationPercent >= cfg.CautionThreshold*100:
		return Caution
	default:
		return Safe
	}
}

func recommend(risk RiskLevel, hasEnoughMessages bool) (Strategy, bool) {
	switch risk {
	case Overflow:
		return EmergencyTruncation, true
	case Critical:
		return CondensationAggressive, hasEnoughMessages
	case Warning:
		return CondensationLight, hasEnoughMessages
	default:
		return MonitorOnly, false
	}
}

// Apply runs the full pipeline: env-dedup, re-analyze, and then — for
// Warning/Critical — condense to a threshold-scaled target, falling
// back to emergency truncation if condensation doesn't succeed or the
// risk level is already Overflow.
func (m *Manager) Apply(ctx context.Context, messages []chatmsg.Message, isVision bool, maxResponseTokens int) Result {
	start := time.Now()
	original := messages

	deduplicated := messages
	envTokensSaved := 0
	if m.deduper != nil {
		dedupResult := m.deduper.Deduplicate(messages)
		deduplicated = dedupResult.Messages
		envTokensSaved = dedupResult.TokensSaved
	}

	originalTokens := m.count(deduplicated)
	analysis := m.Analyze(deduplicated, isVision, maxResponseTokens)

	switch analysis.RiskLevel {
	case Safe, Caution:
		return Result{
			OriginalMessages:  original,
			ProcessedMessages: deduplicated,
			OriginalTokens:    originalTokens,
			FinalTokens:       originalTokens,
			TokensSaved:       envTokensSaved,
			StrategyUsed:      MonitorOnly,
			RiskLevel:         analysis.RiskLevel,
			ProcessingTime:    time.Since(start),
			Metadata:          map[string]any{"action": "none_required"},
		}
	}

	if (analysis.RiskLevel == Warning || analysis.RiskLevel == Critical) && analysis.ShouldCondense && m.condenser != nil {
		limit := m.limit(isVision)
		targetTokens := int(float64(limit) * m.cfg.WarningThreshold)
		if analysis.RiskLevel == Critical {
			targetTokens = int(float64(limit) * m.cfg.CautionThreshold)
		}

		var condensed condenser.Result
		if m.chunks != nil {
			condensed = m.condenser.CondenseChunked(ctx, m.chunks, deduplicated, originalTokens, targetTokens, "", isVision)
		} else {
			condensed = m.condenser.Condense(ctx, deduplicated, originalTokens, targetTokens, "")
		}

		if condensed.Success {
			finalTokens := m.count(condensed.Messages)
			// Success only means the strategy ran, not that its output fits
			// the window (Condense sets Success true unconditionally once a
			// strategy produces any output). Per spec step 4, only return
			// here when the condensed result is actually under the hard
			// limit; otherwise fall through to emergency truncation.
			if finalTokens <= limit {
				return Result{
					OriginalMessages:  original,
					ProcessedMessages: condensed.Messages,
					OriginalTokens:    originalTokens,
					FinalTokens:       finalTokens,
					TokensSaved:       envTokensSaved + (originalTokens - finalTokens),
					StrategyUsed:      analysis.RecommendedStrategy,
					RiskLevel:         analysis.RiskLevel,
					ProcessingTime:    time.Since(start),
					Metadata: map[string]any{
						"action":                "ai_condensation",
						"condensation_strategy": string(condensed.Strategy),
						"target_tokens":         targetTokens,
					},
				}
			}
		}
	}

	return m.emergencyTruncate(original, deduplicated, originalTokens, envTokensSaved, analysis.RiskLevel, isVision, start)
}

func (m *Manager) emergencyTruncate(original, deduplicated []chatmsg.Message, originalTokens, envTokensSaved int, risk RiskLevel, isVision bool, start time.Time) Result {
	limit := m.limit(isVision)
	target := limit - 100
	if target < 0 {
		target = 0
	}

	var final []chatmsg.Message
	finalTokens := originalTokens
	if m.condenser != nil {
		truncated := m.condenser.Truncate(deduplicated, target)
		final = truncated.Messages
		finalTokens = m.count(final)
	} else {
		final = deduplicated
	}

	return Result{
		OriginalMessages:  original,
		ProcessedMessages: final,
		OriginalTokens:    originalTokens,
		FinalTokens:       finalTokens,
		TokensSaved:       envTokensSaved + (originalTokens - finalTokens),
		StrategyUsed:      EmergencyTruncation,
		RiskLevel:         risk,
		ProcessingTime:    time.Since(start),
		Metadata: map[string]any{
			"action":       "emergency_truncation",
			"target_tokens": target,
		},
	}
}

func analysisCacheKey(messages []chatmsg.Message, isVision bool, textLimit, visionLimit int) string {
	digest := chatmsg.Digest(messages, 24)
	visionFlag := "0"
	if isVision {
		visionFlag = "1"
	}
	return digest + ":" + visionFlag + ":" + strconv.Itoa(textLimit) + ":" + strconv.Itoa(visionLimit)
}
