// Package logsink is the proxy's async, batched log writer. Handlers and
// the upstream client enqueue structured entries and return immediately;
// background flushers, one per entry kind, batch entries to newline
// delimited JSON files so a slow disk never adds latency to a request.
package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the verbosity tier of a log entry, used for filtering against
// the configured PerformanceLevel.
type Level string

const (
	Critical  Level = "critical"
	Important Level = "important"
	Debug     Level = "debug"
)

// rank orders levels from least to most verbose, so "only let entries at or
// below this rank through" is a single integer comparison.
var rank = map[Level]int{Critical: 0, Important: 1, Debug: 2}

// Kind names one of the four entry kinds this sink writes to its own file
// and flushes on its own goroutine.
type Kind string

const (
	UpstreamRequest Kind = "upstream_request"
	UpstreamResponse Kind = "upstream_response"
	Error           Kind = "error"
	PerformanceMetric Kind = "performance_metric"
)

// Entry is one structured log record.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	Kind          Kind           `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data"`
}

// Config configures the sink's verbosity gate, batching thresholds, and
// output directory.
type Config struct {
	// MinLevel is the most verbose level processed; entries more verbose
	// than it are dropped at enqueue time without ever touching a channel.
	MinLevel     Level
	Dir          string
	BatchSize    int
	BatchTimeout time.Duration

	// queueSize overrides bufferedChannelSize; zero keeps the default.
	// Unexported — only used by tests that need to force the full-queue
	// drop path deterministically.
	queueSize int
}

func (c Config) applyDefaults() Config {
	if c.MinLevel == "" {
		c.MinLevel = Debug
	}
	if c.Dir == "" {
		c.Dir = "./logs"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	return c
}

// bufferedChannelSize is the per-kind queue depth. Once full, Enqueue drops
// the entry rather than block the caller — logging must never add latency
// or backpressure to a request in flight.
const bufferedChannelSize = 1024

// Sink is the async log writer. One background goroutine per Kind drains
// that kind's channel and flushes batches to its own NDJSON file.
type Sink struct {
	cfg Config

	queues map[Kind]chan Entry
	wg     sync.WaitGroup
	stop   chan struct{}

	mu      sync.Mutex
	dropped map[Kind]int
}

// New constructs a Sink and starts one flusher goroutine per kind. Callers
// must call Stop during shutdown to flush any remaining buffered entries.
func New(cfg Config) *Sink {
	s := newUnstarted(cfg)
	for k, q := range s.queues {
		s.wg.Add(1)
		go s.flushLoop(k, q)
	}
	return s
}

// newUnstarted builds the Sink's queues without starting any flusher
// goroutine, so tests can exercise the full-queue drop path deterministically
// by filling a queue directly before any consumer drains it.
func newUnstarted(cfg Config) *Sink {
	cfg = cfg.applyDefaults()
	queueSize := cfg.queueSize
	if queueSize <= 0 {
		queueSize = bufferedChannelSize
	}
	s := &Sink{
		cfg:     cfg,
		queues:  make(map[Kind]chan Entry),
		stop:    make(chan struct{}),
		dropped: make(map[Kind]int),
	}
	for _, k := range []Kind{UpstreamRequest, UpstreamResponse, Error, PerformanceMetric} {
		s.queues[k] = make(chan Entry, queueSize)
	}
	_ = os.MkdirAll(cfg.Dir, 0o755)
	return s
}

// NewCorrelationID mints a fresh correlation id, used by handlers to tie
// together the upstream_request/upstream_response/error entries for one
// in-flight call.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Enqueue records one entry. It never blocks: an entry more verbose than
// the sink's MinLevel is dropped silently, and an entry whose kind's queue
// is full is dropped and counted in that kind's drop counter.
func (s *Sink) Enqueue(kind Kind, level Level, correlationID string, data map[string]any) {
	if rank[level] > rank[s.cfg.MinLevel] {
		return
	}
	q, ok := s.queues[kind]
	if !ok {
		return
	}
	entry := Entry{Timestamp: time.Now(), Level: level, Kind: kind, CorrelationID: correlationID, Data: data}
	select {
	case q <- entry:
	default:
		s.mu.Lock()
		s.dropped[kind]++
		s.mu.Unlock()
	}
}

// Dropped returns the number of entries dropped for kind due to a full
// queue, since startup.
func (s *Sink) Dropped(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[kind]
}

func (s *Sink) flushLoop(kind Kind, q chan Entry) {
	defer s.wg.Done()
	batch := make([]Entry, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(kind, batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-q:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			// Drain whatever is already queued, best-effort, then flush
			// and exit — nothing new is admitted once Stop has been
			// called.
			for {
				select {
				case e := <-q:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// filenames maps each kind to the on-disk file spec.md §6.4 names. The
// ".json" suffix is historical (the content is newline-delimited JSON, not
// a single JSON document) but kept for compatibility with callers that
// tail these paths by name.
var filenames = map[Kind]string{
	UpstreamRequest:   "upstream_requests.json",
	UpstreamResponse:  "upstream_responses.json",
	Error:             "error_logs.json",
	PerformanceMetric: "performance_metrics.json",
}

func (s *Sink) write(kind Kind, batch []Entry) {
	name, ok := filenames[kind]
	if !ok {
		name = string(kind) + ".json"
	}
	path := filepath.Join(s.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsink: open %s: %v (dropping batch of %d)\n", path, err, len(batch))
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "logsink: write %s: %v (dropping remainder of batch)\n", path, err)
			return
		}
	}
}

// Stop signals every flusher to drain and flush its remaining buffer, then
// waits for them to exit. Safe to call once during graceful shutdown.
func (s *Sink) Stop() {
	close(s.stop)
	s.wg.Wait()
}
