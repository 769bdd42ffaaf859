// Package loki ships relay log lines to a Grafana Loki push endpoint.
//
// The Writer is an io.Writer meant to sit beside the console writer in a
// zerolog.MultiLevelWriter. Writes never block on the network and never fail:
// lines are queued and pushed in batches by a background loop, and an
// unreachable Loki only costs the queued lines.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PushPath is Loki's push API path, appended to the configured base URL.
const PushPath = "/loki/api/v1/push"

// Config configures a Writer.
type Config struct {
	URL           string            // Loki base URL, e.g. http://loki:3100
	Labels        map[string]string // Stream labels; job defaults to pacsrelay
	BatchSize     int               // Lines per push (default 100)
	MaxPending    int               // Lines queued before the oldest are dropped (default 10000)
	FlushInterval time.Duration     // Push at least this often (default 5s)
	Timeout       time.Duration     // Per-push HTTP timeout (default 10s)
}

type line struct {
	at   time.Time
	text string
}

// Writer batches log lines and pushes them to Loki.
type Writer struct {
	pushURL    string
	labels     map[string]string
	client     *http.Client
	batchSize  int
	maxPending int
	interval   time.Duration

	mu      sync.Mutex
	pending []line

	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	pushing sync.Mutex

	failures atomic.Uint64
	dropped  atomic.Uint64
}

// NewWriter creates a Writer. Call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "pacsrelay"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		pushURL:    strings.TrimRight(cfg.URL, "/") + PushPath,
		labels:     labels,
		client:     &http.Client{Timeout: cfg.Timeout},
		batchSize:  cfg.BatchSize,
		maxPending: cfg.MaxPending,
		interval:   cfg.FlushInterval,
		kick:       make(chan struct{}, 1),
	}
}

// Write queues one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.pending) >= w.maxPending {
		w.pending = w.pending[1:]
		w.dropped.Add(1)
	}
	w.pending = append(w.pending, line{at: time.Now(), text: text})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the push loop until Close.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.kick:
			}
			w.drain(ctx)
		}
	}()
}

// Close stops the loop and pushes whatever is still queued, bounded by the
// client timeout.
func (w *Writer) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.drain(context.Background())
	return nil
}

// drain pushes every queued line in batches.
func (w *Writer) drain(ctx context.Context) {
	for {
		batch := w.take()
		if len(batch) == 0 {
			return
		}
		if err := w.push(ctx, batch); err != nil {
			// Only the first failure is reported; logging it would loop back here.
			if w.failures.Add(1) == 1 {
				_, _ = fmt.Fprintf(os.Stderr, "loki: %v\n", err)
			}
			return
		}
	}
}

func (w *Writer) take() []line {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.pending)
	if n > w.batchSize {
		n = w.batchSize
	}
	batch := w.pending[:n:n]
	w.pending = w.pending[n:]
	return batch
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Flush pushes queued lines now. It returns the first push error.
func (w *Writer) Flush(ctx context.Context) error {
	for {
		batch := w.take()
		if len(batch) == 0 {
			return nil
		}
		if err := w.push(ctx, batch); err != nil {
			w.failures.Add(1)
			return err
		}
	}
}

func (w *Writer) push(ctx context.Context, batch []line) error {
	w.pushing.Lock()
	defer w.pushing.Unlock()

	values := make([][2]string, len(batch))
	for i, l := range batch {
		values[i] = [2]string{strconv.FormatInt(l.at.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: %s", resp.Status)
	}
	return nil
}

// Failures is the number of pushes that did not reach Loki.
func (w *Writer) Failures() uint64 { return w.failures.Load() }

// Dropped is the number of lines discarded because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Pending is the number of queued lines.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
