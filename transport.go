package paygate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ErrTransportClosed is returned for operations on a closed transport.
var ErrTransportClosed = fmt.Errorf("transport closed")

// clientConfig collects everything the paying side needs. Assembled by
// ClientOption functions in NewPaymentTransport.
type clientConfig struct {
	signers    []PaymentSigner
	ledger     *Ledger
	pricer     Pricer
	guardrails *Guardrails
	budget     *BudgetManager
	options    []ClientPaymentOption
	serverID   string
	logger     *slog.Logger
	sinks      []EventSink
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		ledger:     NewLedger(),
		pricer:     USDCPricer{},
		guardrails: &Guardrails{},
		logger:     slog.Default(),
	}
}

// ClientOption configures a PaymentTransport.
type ClientOption func(*clientConfig)

// WithSigner adds a payment signer. Signers are consulted in the order
// they were added.
func WithSigner(signer PaymentSigner) ClientOption {
	return func(c *clientConfig) {
		c.signers = append(c.signers, signer)
	}
}

// WithSigners adds several signers at once.
func WithSigners(signers ...PaymentSigner) ClientOption {
	return func(c *clientConfig) {
		c.signers = append(c.signers, signers...)
	}
}

// WithLedger replaces the default in-memory audit ledger.
func WithLedger(ledger *Ledger) ClientOption {
	return func(c *clientConfig) {
		if ledger != nil {
			c.ledger = ledger
		}
	}
}

// WithPricer replaces the default USDC pricer.
func WithPricer(pricer Pricer) ClientOption {
	return func(c *clientConfig) {
		if pricer != nil {
			c.pricer = pricer
		}
	}
}

// WithMaxPaymentPerCall caps single payments in priced units.
func WithMaxPaymentPerCall(amount float64) ClientOption {
	return func(c *clientConfig) {
		c.guardrails.MaxPaymentPerCall = amount
	}
}

// WithWhitelistedServers restricts which recipients may be paid.
func WithWhitelistedServers(recipients ...string) ClientOption {
	return func(c *clientConfig) {
		c.guardrails.WhitelistedServers = append(c.guardrails.WhitelistedServers, recipients...)
	}
}

// WithGuardrails replaces the whole spending policy.
func WithGuardrails(guardrails *Guardrails) ClientOption {
	return func(c *clientConfig) {
		if guardrails != nil {
			c.guardrails = guardrails
		}
	}
}

// WithBudget attaches a budget manager enforcing windowed limits.
func WithBudget(budget *BudgetManager) ClientOption {
	return func(c *clientConfig) {
		c.budget = budget
	}
}

// WithPaymentOptions declares which network/asset combinations the
// client will pay on. Without any, every challenge passing the
// guardrails is eligible.
func WithPaymentOptions(options ...ClientPaymentOption) ClientOption {
	return func(c *clientConfig) {
		c.options = append(c.options, options...)
	}
}

// WithServerID labels audit records with an identifier for the server
// this transport talks to.
func WithServerID(serverID string) ClientOption {
	return func(c *clientConfig) {
		c.serverID = serverID
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventSink subscribes a sink to payment lifecycle events.
func WithEventSink(sink EventSink) ClientOption {
	return func(c *clientConfig) {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
	}
}

// WithPaymentRecorder subscribes a recorder to payment events.
func WithPaymentRecorder(recorder *PaymentRecorder) ClientOption {
	return func(c *clientConfig) {
		if recorder != nil {
			c.sinks = append(c.sinks, recorder.Record)
		}
	}
}

// PaymentTransport decorates any MCP client transport with in-band
// payment handling. Outbound requests are recorded in the audit
// ledger; inbound x402/payment_required requests are answered by the
// responder; x402/payment_result notifications are folded back into
// the ledger. Everything else passes through untouched.
type PaymentTransport struct {
	inner      transport.Interface
	cfg        *clientConfig
	responder  *responder
	reconciler *reconciler

	requestHandler transport.RequestHandler
	requestMu      sync.RWMutex

	notificationHandler func(mcp.JSONRPCNotification)
	notifyMu            sync.RWMutex

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPaymentTransport wraps an inner transport with payment handling.
// At least one signer is required.
func NewPaymentTransport(inner transport.Interface, opts ...ClientOption) (*PaymentTransport, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: inner transport must not be nil", ErrInvalidConfig)
	}
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.signers) == 0 {
		return nil, fmt.Errorf("%w: at least one signer is required", ErrInvalidConfig)
	}

	t := &PaymentTransport{
		inner:  inner,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	t.responder = newResponder(cfg)
	t.reconciler = newReconciler(cfg)

	if bidirectional, ok := inner.(transport.BidirectionalInterface); ok {
		bidirectional.SetRequestHandler(t.handleServerRequest)
	}
	inner.SetNotificationHandler(t.handleServerNotification)

	return t, nil
}

// Ledger exposes the audit ledger for inspection.
func (t *PaymentTransport) Ledger() *Ledger {
	return t.cfg.ledger
}

// Start implements transport.Interface.
func (t *PaymentTransport) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

// Close implements transport.Interface.
func (t *PaymentTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.inner.Close()
	})
	return err
}

// SendRequest implements transport.Interface. Every outbound request
// gains a pending audit record before dispatch so a payment challenge
// can correlate against it; the record's request side is resolved when
// the response (or transport failure) comes back.
func (t *PaymentTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	select {
	case <-t.closed:
		return nil, ErrTransportClosed
	default:
	}

	key := RequestKey(request.ID)
	if err := t.cfg.ledger.StorePending(PendingRequest{
		RequestID: key,
		ServerID:  t.serverID(),
		Method:    request.Method,
		Params:    request.Params,
	}); err != nil {
		return nil, err
	}

	response, err := t.inner.SendRequest(ctx, request)
	if err != nil {
		if lerr := t.cfg.ledger.MarkRequestFailed(key, err.Error(), time.Now()); lerr != nil {
			t.cfg.logger.Debug("failed to update audit record", "requestID", key, "error", lerr)
		}
		return nil, err
	}
	if lerr := t.cfg.ledger.MarkRequestCompleted(key, time.Now()); lerr != nil {
		t.cfg.logger.Debug("failed to update audit record", "requestID", key, "error", lerr)
	}
	return response, nil
}

// SendNotification implements transport.Interface.
func (t *PaymentTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return t.inner.SendNotification(ctx, notification)
}

// SetRequestHandler implements transport.Interface. The handler
// receives every server-to-client request except payment challenges,
// which the transport answers itself.
func (t *PaymentTransport) SetRequestHandler(handler transport.RequestHandler) {
	t.requestMu.Lock()
	t.requestHandler = handler
	t.requestMu.Unlock()
}

// SetNotificationHandler implements transport.Interface. Payment
// result notifications are reconciled first, then forwarded.
func (t *PaymentTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.notifyMu.Lock()
	t.notificationHandler = handler
	t.notifyMu.Unlock()
}

// GetSessionId implements transport.Interface.
func (t *PaymentTransport) GetSessionId() string {
	return t.inner.GetSessionId()
}

// SetProtocolVersion passes the negotiated protocol version through.
func (t *PaymentTransport) SetProtocolVersion(version string) {
	if httpConn, ok := t.inner.(transport.HTTPConnection); ok {
		httpConn.SetProtocolVersion(version)
	}
}

func (t *PaymentTransport) serverID() string {
	if t.cfg.serverID != "" {
		return t.cfg.serverID
	}
	return t.inner.GetSessionId()
}

func (t *PaymentTransport) handleServerRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if request.Method == MethodPaymentRequired {
		return t.responder.Handle(ctx, request)
	}

	t.requestMu.RLock()
	next := t.requestHandler
	t.requestMu.RUnlock()
	if next != nil {
		return next(ctx, request)
	}

	return &transport.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      request.ID,
		Error: &mcp.JSONRPCErrorDetails{
			Code:    mcp.METHOD_NOT_FOUND,
			Message: fmt.Sprintf("no handler configured for method: %s", request.Method),
		},
	}, nil
}

func (t *PaymentTransport) handleServerNotification(notification mcp.JSONRPCNotification) {
	if notification.Method == MethodPaymentResult {
		t.reconciler.Handle(notification)
	}

	t.notifyMu.RLock()
	next := t.notificationHandler
	t.notifyMu.RUnlock()
	if next != nil {
		next(notification)
	}
}
