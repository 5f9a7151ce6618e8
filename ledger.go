package paygate

import (
	"fmt"
	"sync"
	"time"
)

// RequestStatus tracks the outer JSON-RPC invocation.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
)

// PaymentStatus tracks the payment attached to an invocation.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// AuditRecord is one entry in the client's payment ledger. Payment
// fields stay zero until a challenge arrives for the request.
type AuditRecord struct {
	RequestID          string        `json:"requestId"`
	ServerID           string        `json:"serverId,omitempty"`
	Method             string        `json:"method"`
	Params             any           `json:"params,omitempty"`
	RequestStatus      RequestStatus `json:"requestStatus"`
	PaymentStatus      PaymentStatus `json:"paymentStatus"`
	CreatedAt          time.Time     `json:"createdAt"`
	RequestCompletedAt *time.Time    `json:"requestCompletedAt,omitempty"`
	PaymentCompletedAt *time.Time    `json:"paymentCompletedAt,omitempty"`
	TxHash             string        `json:"txHash,omitempty"`
	PayerAddress       string        `json:"payerAddress,omitempty"`
	ErrorReason        string        `json:"errorReason,omitempty"`
	PaymentAmount      float64       `json:"paymentAmount,omitempty"`
	PaymentNetwork     string        `json:"paymentNetwork,omitempty"`
	PaymentAsset       string        `json:"paymentAsset,omitempty"`
	PaymentPayTo       string        `json:"paymentPayTo,omitempty"`
}

const (
	// DefaultRecordTTL is how long finished records stay queryable.
	DefaultRecordTTL = 24 * time.Hour

	// DefaultLedgerCapacity bounds the ledger's memory footprint.
	DefaultLedgerCapacity = 10000

	pendingKeyPrefix = "pending:"
)

// Ledger is the client-side audit trail of outbound requests and the
// payments made for them. In-flight requests live under "pending:<id>"
// so a challenge can find them; once either the request or its payment
// reaches a terminal state the record moves to the bare "<id>" key and
// the pending key is deleted.
//
// A settlement notification can land before the outer response does,
// so both rekey paths tolerate the record being at either key.
type Ledger struct {
	mu    sync.Mutex
	store *MemoryStore[AuditRecord]
}

// NewLedger creates a ledger with the default TTL and capacity.
func NewLedger() *Ledger {
	return NewLedgerWithStore(NewMemoryStore[AuditRecord](DefaultRecordTTL, DefaultLedgerCapacity))
}

// NewLedgerWithStore creates a ledger on a caller-provided store.
func NewLedgerWithStore(store *MemoryStore[AuditRecord]) *Ledger {
	return &Ledger{store: store}
}

// PendingRequest describes an outbound request about to be sent.
type PendingRequest struct {
	RequestID string
	ServerID  string
	Method    string
	Params    any
}

// StorePending records an outbound request under "pending:<id>" with
// both statuses pending.
func (l *Ledger) StorePending(req PendingRequest) error {
	if req.RequestID == "" {
		return NewPaymentError(CodeInvalidRequest, "audit record requires a request id", nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Set(pendingKeyPrefix+req.RequestID, AuditRecord{
		RequestID:     req.RequestID,
		ServerID:      req.ServerID,
		Method:        req.Method,
		Params:        req.Params,
		RequestStatus: RequestStatusPending,
		PaymentStatus: PaymentStatusPending,
		CreatedAt:     time.Now(),
	})
	return nil
}

// GetPending returns the record for an in-flight request, if any.
func (l *Ledger) GetPending(requestID string) (*AuditRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.store.Get(pendingKeyPrefix + requestID); ok {
		return &rec, true
	}
	return nil, false
}

// Get returns the record for a request id, checking the completed key
// first and falling back to the pending key.
func (l *Ledger) Get(requestID string) (*AuditRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.store.Get(requestID); ok {
		return &rec, true
	}
	if rec, ok := l.store.Get(pendingKeyPrefix + requestID); ok {
		return &rec, true
	}
	return nil, false
}

// MarkRequestCompleted flips the request status to completed, stamps
// the completion time and moves the record to the bare "<id>" key. If
// a settlement notification already moved it there, the record is
// updated in place.
func (l *Ledger) MarkRequestCompleted(requestID string, when time.Time) error {
	if when.IsZero() {
		when = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.store.Get(pendingKeyPrefix + requestID); ok {
		rec.RequestStatus = RequestStatusCompleted
		rec.RequestCompletedAt = &when
		l.store.Set(requestID, rec)
		l.store.Delete(pendingKeyPrefix + requestID)
		return nil
	}
	if rec, ok := l.store.Get(requestID); ok {
		rec.RequestStatus = RequestStatusCompleted
		rec.RequestCompletedAt = &when
		l.store.Set(requestID, rec)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, requestID)
}

// MarkRequestFailed records that an outbound request never completed,
// for example because the transport failed. Like completion, it moves
// the record to the bare "<id>" key.
func (l *Ledger) MarkRequestFailed(requestID, reason string, when time.Time) error {
	if when.IsZero() {
		when = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := pendingKeyPrefix + requestID
	rec, ok := l.store.Get(key)
	if !ok {
		key = requestID
		rec, ok = l.store.Get(key)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, requestID)
	}
	rec.RequestStatus = RequestStatusFailed
	rec.RequestCompletedAt = &when
	if reason != "" && rec.ErrorReason == "" {
		rec.ErrorReason = reason
	}
	l.store.Set(requestID, rec)
	if key != requestID {
		l.store.Delete(key)
	}
	return nil
}

// PaymentUpdate carries the fields attached to a record when its
// payment status changes. Zero fields leave the record untouched.
type PaymentUpdate struct {
	TxHash      string
	Payer       string
	ErrorReason string
	Amount      float64
	Network     string
	Asset       string
	PayTo       string
	When        time.Time
}

// UpdatePaymentStatus applies a payment status change. Terminal
// statuses (completed, failed) stamp paymentCompletedAt and move the
// record out from under the pending key.
func (l *Ledger) UpdatePaymentStatus(requestID string, status PaymentStatus, upd PaymentUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pendingKeyPrefix + requestID
	rec, ok := l.store.Get(key)
	if !ok {
		key = requestID
		rec, ok = l.store.Get(key)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, requestID)
	}

	rec.PaymentStatus = status
	if upd.TxHash != "" {
		rec.TxHash = upd.TxHash
	}
	if upd.Payer != "" {
		rec.PayerAddress = upd.Payer
	}
	if upd.ErrorReason != "" {
		rec.ErrorReason = upd.ErrorReason
	}
	if upd.Amount > 0 {
		rec.PaymentAmount = upd.Amount
	}
	if upd.Network != "" {
		rec.PaymentNetwork = upd.Network
	}
	if upd.Asset != "" {
		rec.PaymentAsset = upd.Asset
	}
	if upd.PayTo != "" {
		rec.PaymentPayTo = upd.PayTo
	}

	if status == PaymentStatusCompleted || status == PaymentStatusFailed {
		when := upd.When
		if when.IsZero() {
			when = time.Now()
		}
		rec.PaymentCompletedAt = &when
		l.store.Set(requestID, rec)
		if key != requestID {
			l.store.Delete(key)
		}
		return nil
	}

	l.store.Set(key, rec)
	return nil
}

// RemovePending deletes the completed record for a request id.
func (l *Ledger) RemovePending(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Delete(requestID)
}

// Len returns the number of live records, pending and completed.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Len()
}
