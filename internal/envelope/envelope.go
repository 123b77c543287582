// Package envelope defines the signed unit of work exchanged between the
// orchestrator and workers, and the HMAC signature service protecting it.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the message exchanged over the broker. Created by a sender,
// enqueued immutably, never mutated after creation. Signature covers every
// field except MessageID (assigned by the broker on acceptance) and the
// signature itself.
type Envelope struct {
	MessageID string                 `json:"message_id,omitempty"`
	Sender    string                 `json:"sender"`
	Recipient string                 `json:"recipient"`
	Protocol  string                 `json:"protocol"`
	TaskID    string                 `json:"task_id"`
	Payload   map[string]interface{} `json:"payload"`
	Nonce     string                 `json:"nonce"`
	Timestamp int64                  `json:"timestamp"` // Unix seconds, UTC
	Signature string                 `json:"signature,omitempty"`
}

// New builds an unsigned envelope with a fresh nonce and current timestamp.
func New(sender, recipient, protocol, taskID string, payload map[string]interface{}) (*Envelope, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sender:    sender,
		Recipient: recipient,
		Protocol:  protocol,
		TaskID:    taskID,
		Payload:   payload,
		Nonce:     nonce,
		Timestamp: time.Now().UTC().Unix(),
	}, nil
}

// NewNonce returns 16 random bytes hex-encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Age returns how old the envelope's timestamp is.
func (e *Envelope) Age() time.Duration {
	return time.Since(time.Unix(e.Timestamp, 0))
}

// canonical returns the deterministic serialization the signature covers.
// encoding/json marshals map keys in sorted order at every depth, which makes
// the representation independent of insertion order.
func (e *Envelope) canonical() ([]byte, error) {
	fields := map[string]interface{}{
		"sender":    e.Sender,
		"recipient": e.Recipient,
		"protocol":  e.Protocol,
		"task_id":   e.TaskID,
		"payload":   e.Payload,
		"nonce":     e.Nonce,
		"timestamp": e.Timestamp,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization: %w", err)
	}
	return data, nil
}
