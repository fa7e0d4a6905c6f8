// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // static labels added to every stream
	BatchSize     int               // max buffered entries before a flush (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout (default 10s)
}

// Writer buffers log lines and pushes them to Loki, one stream per log
// level. Writes never fail: when Loki is unreachable lines are dropped and
// FlushErrors counts the failed pushes.
type Writer struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	flushInterval time.Duration
	flushTrigger  chan struct{}
	flushing      atomic.Bool
	flushErrors   atomic.Uint64
	errOut        io.Writer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ zerolog.LevelWriter = (*Writer)(nil)

type entry struct {
	level     string
	timestamp time.Time
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "blockvault"
	}

	return &Writer{
		url:           cfg.URL,
		client:        &http.Client{Timeout: cfg.Timeout},
		labels:        labels,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
		errOut:        os.Stderr,
	}
}

// Write buffers p under the "unknown" level.
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel buffers p under level and signals a flush once the batch is
// full.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	// zerolog reuses p.
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	name := level.String()
	if name == "" {
		name = "unknown"
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{level: name, timestamp: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes what is left.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.flush()
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels merges labels into the static labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := maps.Clone(w.labels)
	w.mu.Unlock()

	if err := w.push(buildRequest(labels, entries)); err != nil {
		// Reported on stderr: logging it would loop back into this writer.
		if n := w.flushErrors.Add(1); n <= 3 {
			fmt.Fprintf(w.errOut, "loki: %v\n", err)
		}
	}
}

// buildRequest groups entries into one stream per level, keeping the write
// order inside each stream.
func buildRequest(labels map[string]string, entries []entry) pushRequest {
	var req pushRequest
	index := make(map[string]int)
	for _, e := range entries {
		i, ok := index[e.level]
		if !ok {
			streamLabels := maps.Clone(labels)
			streamLabels["level"] = e.level
			req.Streams = append(req.Streams, stream{Stream: streamLabels})
			i = len(req.Streams) - 1
			index[e.level] = i
		}
		req.Streams[i].Values = append(req.Streams[i].Values, []string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}
	return req
}

func (w *Writer) push(payload pushRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
