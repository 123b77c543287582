package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EventFieldsPopulated(t *testing.T) {
	trail := NewTrail()
	trail.Record("role_gate", "permission_denied", SeverityHigh, map[string]interface{}{
		"role": "employee",
	})

	events := trail.Recent()
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "role_gate", e.Actor)
	assert.Equal(t, "permission_denied", e.Action)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, "employee", e.Context["role"])
}

func TestRecord_WritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	trail := NewTrail(WithWriter(&buf))

	trail.Record("broker", "rate_limit_exceeded", SeverityMedium, nil)
	trail.Record("broker", "signature_verification_failed", SeverityHigh, nil)

	scanner := bufio.NewScanner(&buf)
	var lines []Event
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "rate_limit_exceeded", lines[0].Action)
	assert.Equal(t, "signature_verification_failed", lines[1].Action)
}

func TestRecent_BoundedWindow(t *testing.T) {
	trail := NewTrail(WithMaxRecent(5))
	for i := 0; i < 12; i++ {
		trail.Record("actor", fmt.Sprintf("action_%d", i), SeverityLow, nil)
	}

	events := trail.Recent()
	require.Len(t, events, 5)
	assert.Equal(t, "action_7", events[0].Action)
	assert.Equal(t, "action_11", events[4].Action)
}

func TestRecent_ReturnsCopy(t *testing.T) {
	trail := NewTrail()
	trail.Record("a", "x", SeverityLow, nil)

	events := trail.Recent()
	events[0].Action = "mutated"
	assert.Equal(t, "x", trail.Recent()[0].Action)
}

func TestFindByAction(t *testing.T) {
	trail := NewTrail()
	trail.Record("a", "x", SeverityLow, nil)
	trail.Record("a", "y", SeverityLow, nil)
	trail.Record("a", "x", SeverityLow, nil)

	assert.Len(t, trail.FindByAction("x"), 2)
	assert.Len(t, trail.FindByAction("y"), 1)
	assert.Empty(t, trail.FindByAction("z"))
}

func TestSubscribe_ReceivesLiveEvents(t *testing.T) {
	trail := NewTrail()
	ch := trail.Subscribe()
	defer trail.Unsubscribe(ch)

	trail.Record("anomaly_detector", "anomaly_high_value_request", SeverityHigh, nil)

	select {
	case e := <-ch:
		assert.Equal(t, "anomaly_high_value_request", e.Action)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestSubscribe_SlowSubscriberNeverBlocksEmitter(t *testing.T) {
	trail := NewTrail()
	ch := trail.Subscribe()
	defer trail.Unsubscribe(ch)

	// Overflow the subscriber buffer without draining it.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			trail.Record("a", "flood", SeverityLow, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a slow subscriber")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	trail := NewTrail()
	ch := trail.Subscribe()
	trail.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
}

// orderedStore captures appended events for ordering assertions.
type orderedStore struct {
	mu     sync.Mutex
	events []Event
}

func (s *orderedStore) Append(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *orderedStore) appended() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestRecord_StoreSeesEventsInEmissionOrder(t *testing.T) {
	store := &orderedStore{}
	trail := NewTrail(WithStore(store))

	const n = 50
	for i := 0; i < n; i++ {
		trail.Record("actor", fmt.Sprintf("ordered_%d", i), SeverityLow, nil)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(store.appended()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("store received %d of %d events", len(store.appended()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i, e := range store.appended() {
		assert.Equal(t, fmt.Sprintf("ordered_%d", i), e.Action)
	}
}

func TestRecord_ConcurrentEmittersSafe(t *testing.T) {
	trail := NewTrail()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				trail.Record("actor", "concurrent", SeverityLow, nil)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, trail.FindByAction("concurrent"), 200)
}
