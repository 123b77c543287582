// Package audit implements the append-only audit event stream.
//
// Every control decision in the pipeline (plan blocked, role denied, anomaly
// detected, signature rejected, throttle) lands here exactly once. Events are
// written as JSONL, kept in a bounded in-memory window for the API, and fanned
// out to live subscribers (the websocket stream). The trail is the sole
// durable trace of control decisions; records are never edited after emission.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of an audit event.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Event is a single audit record. Write-once; Context holds free-form
// decision detail (matched keyword, amount, reason codes, ...).
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Severity  Severity               `json:"severity"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Recorder is the narrow interface pipeline components emit through.
type Recorder interface {
	Record(actor, action string, severity Severity, detail map[string]interface{})
}

// Store is an optional persistence backend for audit events. The default
// deployment writes JSONL only; a Redis-backed store can be plugged in for
// shared visibility across pods.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Trail is the central audit sink.
type Trail struct {
	mu        sync.RWMutex
	recent    []Event
	maxRecent int
	out       io.Writer
	store     Store
	storeCh   chan Event
	subs      []chan Event
	logger    *log.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithWriter directs JSONL output to w (tests pass a buffer or io.Discard).
func WithWriter(w io.Writer) Option {
	return func(t *Trail) { t.out = w }
}

// WithStore attaches a persistence backend.
func WithStore(s Store) Option {
	return func(t *Trail) { t.store = s }
}

// WithMaxRecent bounds the in-memory window.
func WithMaxRecent(n int) Option {
	return func(t *Trail) { t.maxRecent = n }
}

// NewTrail creates an audit trail. By default events are kept in memory only.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{
		maxRecent: 1000,
		out:       io.Discard,
		logger:    log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store != nil {
		// Single writer so the store sees events in emission order.
		t.storeCh = make(chan Event, 256)
		go t.storeLoop()
	}
	return t
}

// NewFileTrail creates a trail that appends JSONL to the given path,
// creating parent directories as needed.
func NewFileTrail(path string, opts ...Option) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithWriter(f)}, opts...)
	return NewTrail(opts...), nil
}

// Record emits one audit event. Ordered by emission time under the trail's
// lock, so concurrent emitters never interleave half-written records.
func (t *Trail) Record(actor, action string, severity Severity, detail map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Severity:  severity,
		Context:   detail,
	}

	t.mu.Lock()
	t.recent = append(t.recent, event)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[len(t.recent)-t.maxRecent:]
	}
	if data, err := json.Marshal(event); err == nil {
		t.out.Write(append(data, '\n'))
	}
	subs := make([]chan Event, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	if severity == SeverityHigh {
		t.logger.Printf("🚨 %s %s severity=%s", actor, action, severity)
	}

	// Fan out to live subscribers without blocking the emitter.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than stall the pipeline.
		}
	}

	if t.storeCh != nil {
		select {
		case t.storeCh <- event:
		default:
			t.logger.Printf("⚠️ audit store backlog full, dropping event %s", event.ID)
		}
	}
}

// storeLoop drains storeCh sequentially, preserving emission order in the
// persistence backend.
func (t *Trail) storeLoop() {
	for event := range t.storeCh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := t.store.Append(ctx, event); err != nil {
			t.logger.Printf("⚠️ audit store append failed: %v", err)
		}
		cancel()
	}
}

// Subscribe returns a channel receiving every event recorded after the call.
func (t *Trail) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 100)
	t.subs = append(t.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (t *Trail) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	filtered := t.subs[:0]
	for _, s := range t.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	t.subs = filtered
	close(ch)
}

// Recent returns a copy of the in-memory event window, oldest first.
func (t *Trail) Recent() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.recent))
	copy(out, t.recent)
	return out
}

// FindByAction returns recent events whose action matches exactly.
func (t *Trail) FindByAction(action string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Event
	for _, e := range t.recent {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
