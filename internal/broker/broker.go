// Package broker implements the pull-based mailbox between the orchestrator
// and workers: per-recipient FIFO queues with signature verification and
// per-sender rate limiting at the door.
package broker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/envelope"
)

// ErrThrottled is returned when a sender exceeds its enqueue rate.
// Retryable after backoff; DequeueAll is never throttled.
var ErrThrottled = errors.New("rate limit exceeded")

// ErrSignatureRejected wraps the underlying verification failure.
// A message tripping this never enters a queue.
var ErrSignatureRejected = errors.New("signature rejected")

// Config tunes the broker's per-sender sliding window.
type Config struct {
	RateLimitWindow time.Duration // default 60s
	RateLimitMax    int           // default 100 requests per window
}

// Broker is a thread-safe mailbox keyed by recipient. Messages for the same
// recipient are delivered in enqueue order; no ordering is promised across
// recipients. A single mutex covers all queues — recipient cardinality is
// small (one mailbox per worker kind), so finer locking buys nothing here.
type Broker struct {
	mu      sync.Mutex
	queues  map[string][]envelope.Envelope
	senders map[string][]time.Time // sender → request times in window

	cfg    Config
	signer *envelope.Signer
	trail  audit.Recorder
	logger *log.Logger
}

// New creates a broker that admits only messages passing signature
// verification by signer.
func New(cfg Config, signer *envelope.Signer, trail audit.Recorder) *Broker {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	return &Broker{
		queues:  make(map[string][]envelope.Envelope),
		senders: make(map[string][]time.Time),
		cfg:     cfg,
		signer:  signer,
		trail:   trail,
		logger:  log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
	}
}

// Enqueue admits a signed envelope into its recipient's mailbox and returns
// the assigned message ID. Rejections, in order of checking:
//
//  1. sender over its sliding-window rate limit → ErrThrottled (MEDIUM audit)
//  2. missing/invalid/stale signature → ErrSignatureRejected (HIGH audit)
//
// The envelope is stored as passed (plus MessageID); it is never mutated
// after acceptance.
func (b *Broker) Enqueue(env *envelope.Envelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.allowLocked(env.Sender) {
		b.logger.Printf("⚠️ Rate limit exceeded: sender=%s", env.Sender)
		metrics.Rejected.WithLabelValues("throttled").Inc()
		b.trail.Record("broker", "rate_limit_exceeded", audit.SeverityMedium, map[string]interface{}{
			"sender":   env.Sender,
			"protocol": env.Protocol,
			"limit":    b.cfg.RateLimitMax,
			"window_s": b.cfg.RateLimitWindow.Seconds(),
		})
		return "", fmt.Errorf("%w: max %d requests per %s", ErrThrottled, b.cfg.RateLimitMax, b.cfg.RateLimitWindow)
	}

	if err := b.signer.Verify(env); err != nil {
		b.logger.Printf("🚫 Signature verification failed: sender=%s err=%v", env.Sender, err)
		metrics.Rejected.WithLabelValues("signature_invalid").Inc()
		b.trail.Record("broker", "signature_verification_failed", audit.SeverityHigh, map[string]interface{}{
			"sender":    env.Sender,
			"recipient": env.Recipient,
			"protocol":  env.Protocol,
			"task_id":   env.TaskID,
			"error":     err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrSignatureRejected, err)
	}

	stored := *env
	stored.MessageID = "MSG-" + uuid.New().String()[:8]
	b.queues[env.Recipient] = append(b.queues[env.Recipient], stored)

	metrics.Enqueued.WithLabelValues(env.Recipient).Inc()
	metrics.QueueSize.WithLabelValues(env.Recipient).Set(float64(len(b.queues[env.Recipient])))
	b.logger.Printf("📨 Message %s queued: %s → %s (protocol=%s task=%s)",
		stored.MessageID, env.Sender, env.Recipient, env.Protocol, env.TaskID)

	return stored.MessageID, nil
}

// DequeueAll atomically drains every pending message for recipient, in
// enqueue order. Messages enqueued concurrently with the call are either
// included or left for the next call — never dropped, never duplicated.
// Not subject to rate limiting.
func (b *Broker) DequeueAll(recipient string) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.queues[recipient]
	if len(pending) == 0 {
		return nil
	}
	delete(b.queues, recipient)

	metrics.Dequeued.WithLabelValues(recipient).Add(float64(len(pending)))
	metrics.QueueSize.WithLabelValues(recipient).Set(0)
	b.logger.Printf("📬 Inbox drained: recipient=%s messages=%d", recipient, len(pending))

	return pending
}

// Pending returns the current queue depth for a recipient.
func (b *Broker) Pending(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[recipient])
}

// Stats summarizes broker state for the status endpoint.
func (b *Broker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	depths := make(map[string]int, len(b.queues))
	for recipient, q := range b.queues {
		depths[recipient] = len(q)
		total += len(q)
	}
	return map[string]interface{}{
		"pending_messages": total,
		"queue_depths":     depths,
		"active_senders":   len(b.senders),
		"rate_limit_max":   b.cfg.RateLimitMax,
	}
}

// allowLocked applies the sliding-window rate limit for sender.
// Caller holds b.mu.
func (b *Broker) allowLocked(sender string) bool {
	now := time.Now()
	cutoff := now.Add(-b.cfg.RateLimitWindow)

	kept := b.senders[sender][:0]
	for _, t := range b.senders[sender] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= b.cfg.RateLimitMax {
		b.senders[sender] = kept
		return false
	}
	b.senders[sender] = append(kept, now)
	return true
}
