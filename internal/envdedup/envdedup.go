// Package envdedup strips repeated "environment_details" blocks that
// editor-integrated clients (Kilo-style IDE agents, for instance) tend to
// resend on every turn verbatim. Left alone, these blocks are pure token
// waste: the model already saw the file tree, the open tabs, the terminal
// state two turns ago, and the client just sent it again. This package
// detects those blocks and collapses them down to the copy the caller
// actually needs, under one of four configurable strategies.
package envdedup

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
)

// Strategy selects how overlapping/duplicate environment_details blocks
// are resolved down to the ones that survive.
type Strategy string

const (
	// KeepLatest discards every block except the most recently sent one.
	KeepLatest Strategy = "keep_latest"
	// KeepMostRelevant scores each block and keeps only the top scorer.
	KeepMostRelevant Strategy = "keep_most_relevant"
	// Merge keeps the newest block as a base and folds in any lines from
	// older blocks that don't already appear in it.
	Merge Strategy = "merge"
	// Selective groups near-duplicate blocks (word-Jaccard similarity) and
	// keeps the newest member of each group, leaving singleton blocks
	// (ones with no near-duplicate) untouched.
	Selective Strategy = "selective"
)

// blockPattern matches a full environment_details tag pair, including
// whatever is between them, across newlines.
var blockPattern = regexp.MustCompile(`(?is)<environment_details>.*?</environment_details>`)

// Block is one detected environment_details occurrence.
type Block struct {
	Content        string
	Start, End     int
	MessageIndex   int
	Timestamp      time.Time
	RelevanceScore float64
}

// Result is the outcome of a Deduplicate call.
type Result struct {
	Messages    []chatmsg.Message
	Removed     []Block
	Kept        []Block
	TokensSaved int
}

// Counter counts tokens in a string. The Deduper takes this as an
// injected dependency instead of importing the tokenizer package
// directly, so the two packages don't need to know about each other.
type Counter func(text string) int

// Config configures a Deduper.
type Config struct {
	Enabled  bool
	Strategy Strategy
	MaxAge   time.Duration
}

// Deduper detects and removes redundant environment_details blocks.
type Deduper struct {
	cfg     Config
	counter Counter
}

// New builds a Deduper. counter may be nil, in which case TokensSaved is
// always reported as 0 (callers that don't care about the metric, such as
// unit tests, don't need to wire one up).
func New(cfg Config, counter Counter) *Deduper {
	if cfg.Strategy == "" {
		cfg.Strategy = KeepLatest
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	return &Deduper{cfg: cfg, counter: counter}
}

// Deduplicate applies the configured strategy to messages and returns the
// rewritten message list plus the blocks that were kept and removed.
func (d *Deduper) Deduplicate(messages []chatmsg.Message) Result {
	if !d.cfg.Enabled || len(messages) == 0 {
		return Result{Messages: messages}
	}

	var blocks []Block
	for i, m := range messages {
		if m.Role != "user" || !containsEnvDetails(m) {
			continue
		}
		blocks = append(blocks, detect(m.FlatText(), i)...)
	}
	if len(blocks) == 0 {
		return Result{Messages: messages}
	}

	beforeTokens := d.totalTokens(messages)

	var kept, removed []Block
	var out []chatmsg.Message
	switch d.cfg.Strategy {
	case KeepMostRelevant:
		kept, removed = d.keepMostRelevant(blocks)
		out = removeBlocks(messages, removed)
	case Merge:
		kept, removed = d.merge(blocks)
		out = spliceMerge(messages, kept[0], removed)
	case Selective:
		kept, removed = d.selective(blocks)
		out = removeBlocks(messages, removed)
	default:
		kept, removed = keepLatest(blocks)
		out = removeBlocks(messages, removed)
	}

	result := Result{Messages: out, Kept: kept, Removed: removed}
	if d.counter != nil {
		result.TokensSaved = beforeTokens - d.totalTokens(out)
		if result.TokensSaved < 0 {
			result.TokensSaved = 0
		}
	}
	return result
}

func (d *Deduper) totalTokens(messages []chatmsg.Message) int {
	if d.counter == nil {
		return 0
	}
	total := 0
	for _, m := range messages {
		total += d.counter(m.FlatText())
	}
	return total
}

func containsEnvDetails(m chatmsg.Message) bool {
	return strings.Contains(m.FlatText(), "<environment_details>")
}

// detect finds all non-overlapping environment_details blocks in content,
// resolving overlaps by earliest start position, longest match on a tie.
func detect(content string, messageIndex int) []Block {
	if content == "" {
		return nil
	}
	locs := blockPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}

	candidates := make([]Block, 0, len(locs))
	for _, loc := range locs {
		candidates = append(candidates, Block{
			Content:      strings.TrimSpace(content[loc[0]:loc[1]]),
			Start:        loc[0],
			End:          loc[1],
			MessageIndex: messageIndex,
			Timestamp:    time.Now(),
		})
	}

	return resolveOverlaps(candidates)
}

// resolveOverlaps drops candidates that overlap an already-kept block,
// visiting them by earliest start first and, on equal starts, longest
// first.
func resolveOverlaps(candidates []Block) []Block {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return (candidates[i].End - candidates[i].Start) > (candidates[j].End - candidates[j].Start)
	})

	var kept []Block
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && c.End > k.Start {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

// keepLatest keeps only the block from the highest message index (ties
// broken by timestamp, which in practice means insertion order), removing
// every other block.
func keepLatest(blocks []Block) (kept, removed []Block) {
	sorted := append([]Block(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MessageIndex != sorted[j].MessageIndex {
			return sorted[i].MessageIndex > sorted[j].MessageIndex
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	return sorted[:1], sorted[1:]
}

func (d *Deduper) keepMostRelevant(blocks []Block) (kept, removed []Block) {
	scored := append([]Block(nil), blocks...)
	for i := range scored {
		scored[i].RelevanceScore = d.relevanceScore(scored[i])
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RelevanceScore > scored[j].RelevanceScore
	})
	return scored[:1], scored[1:]
}

func (d *Deduper) relevanceScore(b Block) float64 {
	age := time.Since(b.Timestamp)
	recency := 1 - age.Minutes()/d.cfg.MaxAge.Minutes()
	if recency < 0 {
		recency = 0
	}

	length := float64(len(b.Content)) / 500
	if length > 1 {
		length = 1
	}

	structure := structureScore(b.Content)

	return recency*0.4 + length*0.3 + structure*0.3
}

var (
	kvPattern   = regexp.MustCompile(`\w+\s*[:=]\s*\w+`)
	pathPattern = regexp.MustCompile(`[/\\][\w/\\.-]+`)
	urlPattern  = regexp.MustCompile(`https?://\S+`)
	jsonPattern = regexp.MustCompile(`[\[\]{}]`)
)

func structureScore(content string) float64 {
	score := 0.0
	if kvPattern.MatchString(content) {
		score += 0.3
	}
	if len(strings.Split(content, "\n")) > 2 {
		score += 0.2
	}
	if pathPattern.MatchString(content) {
		score += 0.2
	}
	if urlPattern.MatchString(content) {
		score += 0.1
	}
	if jsonPattern.MatchString(content) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (d *Deduper) merge(blocks []Block) (kept, removed []Block) {
	sorted := append([]Block(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MessageIndex != sorted[j].MessageIndex {
			return sorted[i].MessageIndex > sorted[j].MessageIndex
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	base := sorted[0]
	lines := lineSet(base.Content)
	merged := base.Content
	for _, b := range sorted[1:] {
		var unique []string
		for _, l := range strings.Split(b.Content, "\n") {
			l = strings.TrimSpace(l)
			if l == "" {
				continue
			}
			if _, ok := lines[l]; !ok {
				unique = append(unique, l)
				lines[l] = struct{}{}
			}
		}
		if len(unique) > 0 {
			sort.Strings(unique)
			merged += "\n" + strings.Join(unique, "\n")
		}
	}

	mergedBlock := base
	mergedBlock.Content = merged
	mergedBlock.RelevanceScore = 1.0
	return []Block{mergedBlock}, sorted[1:]
}

// spliceMerge applies a merge result to messages: the base block's own span
// is replaced in place with its merged (union-of-lines) content, and every
// other contributing block is deleted outright. base's span is resolved
// first so that, on the rare message carrying more than one block, any
// other removed block positioned after base within the same message gets
// its offsets shifted by the replacement's length delta before deletion.
func spliceMerge(messages []chatmsg.Message, base Block, removed []Block) []chatmsg.Message {
	out := append([]chatmsg.Message(nil), messages...)
	if base.MessageIndex < 0 || base.MessageIndex >= len(out) {
		return out
	}
	out[base.MessageIndex] = replaceInMessage(out[base.MessageIndex], base, base.Content)

	delta := len(base.Content) - (base.End - base.Start)
	adjusted := make([]Block, len(removed))
	for i, b := range removed {
		if b.MessageIndex == base.MessageIndex && b.Start >= base.End {
			b.Start += delta
			b.End += delta
		}
		adjusted[i] = b
	}
	return removeBlocks(out, adjusted)
}

// replaceInMessage substitutes b's span within m's content (or the one
// text part containing it) with replacement, mirroring removeFromMessage's
// offset bookkeeping but splicing text in rather than cutting it out.
func replaceInMessage(m chatmsg.Message, b Block, replacement string) chatmsg.Message {
	if !m.HasParts {
		content := m.Content
		if b.Start < 0 || b.End > len(content) || b.Start > b.End {
			return m
		}
		m.Content = content[:b.Start] + replacement + content[b.End:]
		return m
	}

	parts := append([]chatmsg.ContentPart(nil), m.Parts...)
	offset := 0
	for i, p := range parts {
		if i > 0 {
			offset++
		}
		if p.Type != "text" {
			continue
		}
		localStart := b.Start - offset
		localEnd := b.End - offset
		if localStart >= 0 && localEnd <= len(p.Text) && localStart < localEnd {
			parts[i].Text = p.Text[:localStart] + replacement + p.Text[localEnd:]
		}
		offset += len(p.Text)
	}
	m.Parts = parts
	return m
}

func lineSet(content string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			set[l] = struct{}{}
		}
	}
	return set
}

// selective groups near-duplicate blocks (word-Jaccard similarity ≥0.9),
// keeping the newest member of each group and leaving every block that
// has no near-duplicate untouched.
func (d *Deduper) selective(blocks []Block) (kept, removed []Block) {
	n := len(blocks)
	grouped := make([]bool, n)
	groups := make([][]int, 0, n)

	for i := 0; i < n; i++ {
		if grouped[i] {
			continue
		}
		group := []int{i}
		grouped[i] = true
		for j := i + 1; j < n; j++ {
			if grouped[j] {
				continue
			}
			if jaccard(blocks[i].Content, blocks[j].Content) >= 0.9 {
				group = append(group, j)
				grouped[j] = true
			}
		}
		groups = append(groups, group)
	}

	for _, group := range groups {
		if len(group) == 1 {
			kept = append(kept, blocks[group[0]])
			continue
		}
		members := make([]Block, len(group))
		for k, idx := range group {
			members[k] = blocks[idx]
		}
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].MessageIndex != members[j].MessageIndex {
				return members[i].MessageIndex > members[j].MessageIndex
			}
			return members[i].Timestamp.After(members[j].Timestamp)
		})
		kept = append(kept, members[0])
		removed = append(removed, members[1:]...)
	}
	return kept, removed
}

func jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// removeBlocks splices the given blocks out of messages, processing each
// message's blocks in descending start-index order so earlier removals
// never shift the offsets of later ones.
func removeBlocks(messages []chatmsg.Message, blocks []Block) []chatmsg.Message {
	if len(blocks) == 0 {
		return messages
	}

	out := append([]chatmsg.Message(nil), messages...)

	byMessage := map[int][]Block{}
	for _, b := range blocks {
		byMessage[b.MessageIndex] = append(byMessage[b.MessageIndex], b)
	}

	for idx, bs := range byMessage {
		if idx < 0 || idx >= len(out) {
			continue
		}
		sort.SliceStable(bs, func(i, j int) bool { return bs[i].Start > bs[j].Start })
		out[idx] = removeFromMessage(out[idx], bs)
	}

	return out
}

func removeFromMessage(m chatmsg.Message, blocks []Block) chatmsg.Message {
	if !m.HasParts {
		content := m.Content
		for _, b := range blocks {
			if b.Start < 0 || b.End > len(content) || b.Start > b.End {
				continue
			}
			content = content[:b.Start] + content[b.End:]
		}
		m.Content = content
		return m
	}

	// offset must track FlatText's join logic exactly: a single space is
	// inserted before every part after the first, text or not.
	parts := append([]chatmsg.ContentPart(nil), m.Parts...)
	offset := 0
	for i, p := range parts {
		if i > 0 {
			offset++
		}
		if p.Type != "text" {
			continue
		}
		text := p.Text
		for _, b := range blocks {
			localStart := b.Start - offset
			localEnd := b.End - offset
			if localStart < 0 || localEnd > len(text) || localStart >= localEnd {
				continue
			}
			text = text[:localStart] + text[localEnd:]
		}
		parts[i].Text = text
		offset += len(p.Text)
	}

	// Splice out any text part that's now empty (or whitespace-only).
	filtered := parts[:0]
	for _, p := range parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) == "" {
			continue
		}
		filtered = append(filtered, p)
	}
	m.Parts = filtered
	return m
}
