// Package chunkstore groups a conversation into fixed-size message chunks
// and tracks each chunk's condensation lifecycle independently, so a long
// running conversation doesn't have to re-summarize messages it already
// summarized on a previous turn. Chunks are identified by the content they
// contain, not by position — a chunk's identity survives as long as its
// messages don't change, which lets the Condenser skip straight to a
// cached summary instead of re-condensing the same eight messages every
// request.
package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

// State is a chunk's position in the condensation lifecycle.
//
//	Unprocessed -> Condensing -> Condensed
//	Condensing -> Unprocessed   (condensation attempt failed)
//	Condensed  -> Modified      (the chunk's messages changed)
//	Condensed  -> Expired       (age > AgeThreshold)
//	Modified/Expired -> Condensing
//
// No code in this package moves a chunk to Modified: chunk IDs derive from
// content, so a chunk whose messages change gets a new ID and starts as
// Unprocessed, while the old ID keeps its Condensed state.
type State string

const (
	Unprocessed State = "unprocessed"
	Condensing  State = "condensing"
	Condensed   State = "condensed"
	Modified    State = "modified"
	Expired     State = "expired"
)

// Defaults mirror the original proxy's environment-variable defaults.
const (
	DefaultSizeMessages    = 8
	DefaultMaxTokens       = 4000
	DefaultOverlapMessages = 2
	DefaultCacheSize       = 100
	DefaultCacheTTL        = 3600 * time.Second
	DefaultAgeThreshold    = 1800 * time.Second
)

// Chunk is a contiguous slice of a conversation, plus its condensation
// state and (once condensed) the condensed replacement content.
type Chunk struct {
	ChunkID      string
	Messages     []chatmsg.Message
	StartIndex   int
	EndIndex     int
	TokenCount   int
	ContentHash  string
	IsVision     bool
	CreatedAt    time.Time
	LastModified time.Time

	State                 State
	CondensationStrategy  string
	CondensedContent      string
	CondensationTimestamp time.Time
	TokensSaved           int
}

// TokenCounter counts tokens across a message slice. Injected so this
// package doesn't import internal/tokenizer directly.
type TokenCounter func(messages []chatmsg.Message) int

// Config configures a Store.
type Config struct {
	Enabled         bool
	SizeMessages    int
	MaxTokens       int
	OverlapMessages int
	CacheSize       int
	CacheTTL        time.Duration
	AgeThreshold    time.Duration
	CacheDir        string
}

func (c *Config) applyDefaults() {
	if c.SizeMessages <= 0 {
		c.SizeMessages = DefaultSizeMessages
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.OverlapMessages < 0 {
		c.OverlapMessages = DefaultOverlapMessages
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.AgeThreshold <= 0 {
		c.AgeThreshold = DefaultAgeThreshold
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
}

type stateEntry struct {
	State     State
	Timestamp time.Time
}

// Store holds chunks and their condensation state in two bounded LRU maps,
// backed by an on-disk mirror so state survives a restart.
type Store struct {
	cfg     Config
	counter TokenCounter

	chunks *lru.Cache[string, *Chunk]
	states *lru.Cache[string, stateEntry]

	sf singleflight.Group

	persistDir string
	cron       *cron.Cron
}

// New builds a Store. If on-disk persistence can't be set up (read-only
// filesystem, permission error), the Store still works purely in-memory —
// persistence is a durability nicety, not a correctness requirement.
func New(cfg Config, counter TokenCounter) (*Store, error) {
	cfg.applyDefaults()

	chunks, err := lru.New[string, *Chunk](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	states, err := lru.New[string, stateEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating state cache: %w", err)
	}

	s := &Store{cfg: cfg, counter: counter, chunks: chunks, states: states}

	persistDir := filepath.Join(cfg.CacheDir, "chunks")
	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		s.persistDir = ""
	} else {
		s.persistDir = persistDir
	}

	return s, nil
}

// IdentifyChunks groups messages into chunks using a greedy left-to-right
// pass: a new chunk starts once the running message reaches
// SizeMessages messages or MaxTokens tokens, carrying the last
// OverlapMessages messages of the closed chunk forward so condensation
// has surrounding context. If chunking is disabled, the whole
// conversation becomes one fallback chunk.
func (s *Store) IdentifyChunks(messages []chatmsg.Message, isVision bool) []*Chunk {
	if !s.cfg.Enabled {
		return s.fallbackChunk(messages, isVision)
	}
	if len(messages) == 0 {
		return nil
	}

	var chunks []*Chunk
	var current []chatmsg.Message
	currentTokens := 0
	startIndex := 0

	for i, m := range messages {
		msgTokens := s.count([]chatmsg.Message{m})

		wouldExceed := len(current) >= s.cfg.SizeMessages ||
			currentTokens+msgTokens > s.cfg.MaxTokens
		if wouldExceed && len(current) > 0 {
			chunks = append(chunks, s.buildChunk(current, startIndex, i-1, isVision))

			overlapStart := len(current) - s.cfg.OverlapMessages
			if overlapStart < 0 {
				overlapStart = 0
			}
			current = append([]chatmsg.Message(nil), current[overlapStart:]...)
			currentTokens = s.count(current)
			startIndex = i - len(current)
		}

		current = append(current, m)
		currentTokens += msgTokens
	}

	if len(current) > 0 {
		chunks = append(chunks, s.buildChunk(current, startIndex, len(messages)-1, isVision))
	}

	return chunks
}

func (s *Store) count(messages []chatmsg.Message) int {
	if s.counter == nil {
		return 0
	}
	return s.counter(messages)
}

func (s *Store) fallbackChunk(messages []chatmsg.Message, isVision bool) []*Chunk {
	if len(messages) == 0 {
		return nil
	}
	hash := chatmsg.Digest(messages, 16)
	now := time.Now()
	return []*Chunk{{
		ChunkID:      "fallback_" + hash,
		Messages:     messages,
		StartIndex:   0,
		EndIndex:     len(messages) - 1,
		TokenCount:   s.count(messages),
		ContentHash:  hash,
		IsVision:     isVision,
		CreatedAt:    now,
		LastModified: now,
		State:        Unprocessed,
	}}
}

func chunkID(messages []chatmsg.Message, isVision bool) string {
	hash := chatmsg.Digest(messages, 16)
	return fmt.Sprintf("chunk_%s_%t", hash, isVision)
}

func (s *Store) buildChunk(messages []chatmsg.Message, start, end int, isVision bool) *Chunk {
	id := chunkID(messages, isVision)
	now := time.Now()

	state := s.lookupState(id)
	if state.State == Condensed && now.Sub(state.Timestamp) > s.cfg.AgeThreshold {
		state.State = Expired
		s.setState(id, Expired)
	}

	chunk := &Chunk{
		ChunkID:      id,
		Messages:     messages,
		StartIndex:   start,
		EndIndex:     end,
		TokenCount:   s.count(messages),
		ContentHash:  chatmsg.Digest(messages, 16),
		IsVision:     isVision,
		CreatedAt:    now,
		LastModified: now,
		State:        state.State,
	}

	// Rehydrate condensed content from the in-memory cache if the content
	// hash still matches — a cache hit on a previously condensed chunk.
	if cached, ok := s.chunks.Get(id); ok && cached.ContentHash == chunk.ContentHash {
		chunk.CondensedContent = cached.CondensedContent
		chunk.CondensationStrategy = cached.CondensationStrategy
		chunk.CondensationTimestamp = cached.CondensationTimestamp
		chunk.TokensSaved = cached.TokensSaved
	} else if loaded, ok := s.loadContent(id); ok {
		chunk.CondensedContent = loaded.Content
		chunk.CondensationStrategy = loaded.Strategy
		chunk.CondensationTimestamp = loaded.Timestamp
		chunk.TokensSaved = loaded.TokensSaved
	}

	s.chunks.Add(id, chunk)
	return chunk
}

// IsFresh reports whether a chunk's condensed content can be reused
// as-is: it's in the Condensed state and younger than AgeThreshold.
func (c *Chunk) IsFresh(ageThreshold time.Duration) bool {
	if c.State != Condensed || c.CondensedContent == "" {
		return false
	}
	return time.Since(c.CondensationTimestamp) <= ageThreshold
}

// CondenseResult is what a condensation attempt produces for a chunk.
type CondenseResult struct {
	Content     string
	Strategy    string
	TokensSaved int
}

// Condense runs fn to produce condensed content for a chunk, guaranteeing
// that concurrent calls for the same chunk ID share one in-flight
// attempt instead of condensing the same messages twice. The chunk is
// marked Condensing for the duration and moves to Condensed on success
// or back to Unprocessed on failure.
func (s *Store) Condense(c *Chunk, fn func() (CondenseResult, error)) (res CondenseResult, shared bool, err error) {
	s.setState(c.ChunkID, Condensing)

	v, err, shared := s.sf.Do(c.ChunkID, func() (any, error) {
		return fn()
	})
	if err != nil {
		s.setState(c.ChunkID, Unprocessed)
		return CondenseResult{}, shared, err
	}

	res = v.(CondenseResult)
	s.MarkCondensed(c, res.Content, res.Strategy, res.TokensSaved)
	return res, shared, nil
}

// MarkCondensed records a chunk's condensed replacement content and
// persists it to disk (best effort — a write failure here never fails
// the calling request).
func (s *Store) MarkCondensed(c *Chunk, condensedContent, strategy string, tokensSaved int) {
	c.State = Condensed
	c.CondensedContent = condensedContent
	c.CondensationStrategy = strategy
	c.CondensationTimestamp = time.Now()
	c.TokensSaved = tokensSaved
	c.LastModified = c.CondensationTimestamp

	s.chunks.Add(c.ChunkID, c)
	s.setState(c.ChunkID, Condensed)
	s.persist(c)
}

func (s *Store) lookupState(id string) stateEntry {
	if entry, ok := s.states.Get(id); ok {
		if time.Since(entry.Timestamp) < s.cfg.CacheTTL {
			return entry
		}
		s.states.Remove(id)
	}

	if loaded, ok := s.loadStateFromDisk(id); ok {
		s.states.Add(id, loaded)
		return loaded
	}

	return stateEntry{State: Unprocessed}
}

func (s *Store) setState(id string, state State) {
	s.states.Add(id, stateEntry{State: state, Timestamp: time.Now()})
}

type stateFile struct {
	ChunkID   string `json:"chunk_id"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

type contentFile struct {
	ChunkID     string    `json:"chunk_id"`
	Content     string    `json:"content"`
	Strategy    string    `json:"strategy"`
	TokensSaved int       `json:"tokens_saved"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Store) persist(c *Chunk) {
	if s.persistDir == "" {
		return
	}

	state := stateFile{ChunkID: c.ChunkID, State: string(c.State), Timestamp: time.Now().Unix()}
	if b, err := json.Marshal(state); err == nil {
		_ = os.WriteFile(filepath.Join(s.persistDir, c.ChunkID+"_state.json"), b, 0o644)
	}

	content := contentFile{
		ChunkID:     c.ChunkID,
		Content:     c.CondensedContent,
		Strategy:    c.CondensationStrategy,
		TokensSaved: c.TokensSaved,
		Timestamp:   c.CondensationTimestamp,
	}
	if b, err := json.Marshal(content); err == nil {
		_ = os.WriteFile(filepath.Join(s.persistDir, c.ChunkID+"_content.json"), b, 0o644)
	}
}

func (s *Store) loadStateFromDisk(id string) (stateEntry, bool) {
	if s.persistDir == "" {
		return stateEntry{}, false
	}
	b, err := os.ReadFile(filepath.Join(s.persistDir, id+"_state.json"))
	if err != nil {
		return stateEntry{}, false
	}
	var sf stateFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return stateEntry{}, false
	}
	return stateEntry{State: State(sf.State), Timestamp: time.Unix(sf.Timestamp, 0)}, true
}

func (s *Store) loadContent(id string) (contentFile, bool) {
	if s.persistDir == "" {
		return contentFile{}, false
	}
	b, err := os.ReadFile(filepath.Join(s.persistDir, id+"_content.json"))
	if err != nil {
		return contentFile{}, false
	}
	var cf contentFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return contentFile{}, false
	}
	return cf, true
}

// StartCleaner schedules a background job (every 10 minutes by default)
// that deletes on-disk chunk entries older than CacheTTL. Call Stop when
// shutting down.
func (s *Store) StartCleaner(spec string) error {
	if s.persistDir == "" {
		return nil
	}
	if spec == "" {
		spec = "@every 10m"
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return fmt.Errorf("scheduling chunk cleaner: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the background cleaner, if one is running.
func (s *Store) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Store) sweep() {
	entries, err := os.ReadDir(s.persistDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.CacheTTL)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.persistDir, e.Name()))
		}
	}
}

// AnalysisResult summarizes a chunk set's condensation posture for the
// Condenser's orchestration decision.
type AnalysisResult struct {
	Chunks              []*Chunk
	Uncondensed      []*Chunk
	Condensed        []*Chunk
	Modified         []*Chunk
	TotalTokens      int
	EstimatedSavings int
	AllFresh         bool
}

// Analyze classifies chunks by condensation state.
func (s *Store) Analyze(chunks []*Chunk) AnalysisResult {
	result := AnalysisResult{Chunks: chunks, AllFresh: len(chunks) > 0}
	for _, c := range chunks {
		result.TotalTokens += c.TokenCount
		switch {
		case c.IsFresh(s.cfg.AgeThreshold):
			result.Condensed = append(result.Condensed, c)
			result.EstimatedSavings += c.TokensSaved
		case c.State == Modified:
			result.Modified = append(result.Modified, c)
			result.Uncondensed = append(result.Uncondensed, c)
			result.AllFresh = false
		default:
			result.Uncondensed = append(result.Uncondensed, c)
			result.EstimatedSavings += int(float64(c.TokenCount) * 0.3)
			result.AllFresh = false
		}
	}
	sort.SliceStable(result.Chunks, func(i, j int) bool {
		return result.Chunks[i].StartIndex < result.Chunks[j].StartIndex
	})
	return result
}
