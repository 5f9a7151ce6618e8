package paygate

import (
	"sync"
	"time"
)

// PaymentEventType identifies a point in the payment lifecycle.
type PaymentEventType string

const (
	// PaymentEventChallenge fires when a challenge arrives.
	PaymentEventChallenge PaymentEventType = "challenge"

	// PaymentEventSigned fires after a proof is signed and returned.
	PaymentEventSigned PaymentEventType = "signed"

	// PaymentEventRejected fires when a challenge is refused before
	// signing, by validation, guardrails or budget.
	PaymentEventRejected PaymentEventType = "rejected"

	// PaymentEventSettled fires when a settlement notification reports
	// success.
	PaymentEventSettled PaymentEventType = "settled"

	// PaymentEventFailed fires when a settlement notification reports
	// failure.
	PaymentEventFailed PaymentEventType = "failed"
)

// PaymentEvent describes one payment lifecycle transition on the
// paying client.
type PaymentEvent struct {
	Type         PaymentEventType
	RequestID    string
	Method       string
	Resource     string
	Network      string
	Asset        string
	Recipient    string
	Amount       float64
	AtomicAmount string
	Transaction  string
	Payer        string
	Err          error
	Timestamp    time.Time
}

// EventSink receives payment events. Sinks must not block: they are
// invoked inline on the payment path.
type EventSink func(PaymentEvent)

// PaymentRecorder is an EventSink that retains every event, for tests
// and monitoring.
type PaymentRecorder struct {
	mu     sync.RWMutex
	events []PaymentEvent
}

// NewPaymentRecorder creates an empty recorder.
func NewPaymentRecorder() *PaymentRecorder {
	return &PaymentRecorder{}
}

// Record appends an event. Safe for concurrent use.
func (r *PaymentRecorder) Record(event PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.events = append(r.events, event)
}

// Count returns the number of recorded events.
func (r *PaymentRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Events returns a copy of all recorded events in order.
func (r *PaymentRecorder) Events() []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PaymentEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recent event, or nil when empty.
func (r *PaymentRecorder) Last() *PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.events) == 0 {
		return nil
	}
	event := r.events[len(r.events)-1]
	return &event
}

// ByType returns all events of one type in order.
func (r *PaymentRecorder) ByType(t PaymentEventType) []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PaymentEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all recorded events.
func (r *PaymentRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
