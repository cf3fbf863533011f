package logsink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readNDJSON(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestEnqueueFlushesOnBatchSize(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, BatchSize: 3, BatchTimeout: time.Hour, MinLevel: Debug})
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.Enqueue(Error, Critical, "corr-1", map[string]any{"i": i})
	}

	require.Eventually(t, func() bool {
		return len(readNDJSON(t, filepath.Join(dir, "error_logs.json"))) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueFlushesOnTimeout(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, BatchSize: 50, BatchTimeout: 20 * time.Millisecond, MinLevel: Debug})
	defer s.Stop()

	s.Enqueue(PerformanceMetric, Debug, "corr-2", map[string]any{"latency_ms": 12})

	require.Eventually(t, func() bool {
		return len(readNDJSON(t, filepath.Join(dir, "performance_metrics.json"))) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueFiltersByVerbosity(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, BatchSize: 1, BatchTimeout: time.Hour, MinLevel: Important})

	s.Enqueue(UpstreamRequest, Debug, "corr-3", map[string]any{"path": "/v1/messages"})
	s.Stop()

	assert.Empty(t, readNDJSON(t, filepath.Join(dir, "upstream_requests.json")))
}

func TestStopFlushesRemainingBuffer(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, BatchSize: 50, BatchTimeout: time.Hour, MinLevel: Debug})

	s.Enqueue(UpstreamResponse, Important, "corr-4", map[string]any{"status": 200})
	s.Stop()

	entries := readNDJSON(t, filepath.Join(dir, "upstream_responses.json"))
	require.Len(t, entries, 1)
	assert.Equal(t, "corr-4", entries[0].CorrelationID)
	assert.Equal(t, Important, entries[0].Level)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	// No flusher goroutine running yet, so filling the queue to capacity
	// and enqueueing once more deterministically exercises the drop path
	// without racing a concurrent consumer.
	s := newUnstarted(Config{Dir: dir, MinLevel: Debug, queueSize: 2})

	s.Enqueue(Error, Critical, "corr-5", map[string]any{"i": 0})
	s.Enqueue(Error, Critical, "corr-5", map[string]any{"i": 1})
	s.Enqueue(Error, Critical, "corr-5", map[string]any{"i": 2})

	assert.Equal(t, 1, s.Dropped(Error))
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
