package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// fakeTransport is a scriptable transport.Interface. Tests inspect
// whatever was sent and feed server-to-client traffic back through the
// handlers the payment transport registers on it.
type fakeTransport struct {
	mu       sync.Mutex
	started  bool
	closes   int
	session  string
	protocol string
	sent     []transport.JSONRPCRequest
	notified []mcp.JSONRPCNotification

	respond func(transport.JSONRPCRequest) (*transport.JSONRPCResponse, error)

	requestHandler      transport.RequestHandler
	notificationHandler func(mcp.JSONRPCNotification)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{session: "fake-session"}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, request)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(request)
	}
	return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, notification)
	return nil
}

func (f *fakeTransport) SetRequestHandler(handler transport.RequestHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestHandler = handler
}

func (f *fakeTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notificationHandler = handler
}

func (f *fakeTransport) GetSessionId() string {
	return f.session
}

func (f *fakeTransport) SetProtocolVersion(version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protocol = version
}

// deliverRequest plays a server-originated request into the handler the
// payment transport registered.
func (f *fakeTransport) deliverRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	f.mu.Lock()
	handler := f.requestHandler
	f.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no request handler registered")
	}
	return handler(ctx, request)
}

func (f *fakeTransport) deliverNotification(notification mcp.JSONRPCNotification) {
	f.mu.Lock()
	handler := f.notificationHandler
	f.mu.Unlock()
	if handler != nil {
		handler(notification)
	}
}

func settlementNotification(result PaymentResult) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC: "2.0",
		Notification: mcp.Notification{
			Method: MethodPaymentResult,
			Params: mcp.NotificationParams{
				AdditionalFields: map[string]any{
					"success":     result.Success,
					"transaction": result.Transaction,
					"network":     result.Network,
					"payer":       result.Payer,
					"errorReason": result.ErrorReason,
					"requestId":   result.RequestID,
				},
			},
		},
	}
}

// paidCall drives the wire interleaving of one paid invocation: the
// outer request goes out, the server challenges on the same id while it
// is in flight, and the outer response mirrors how the challenge went.
func paidCall(t *testing.T, pt *PaymentTransport, inner *fakeTransport, id int64, requirement PaymentRequirement) (*transport.JSONRPCResponse, *transport.JSONRPCResponse, error) {
	t.Helper()

	var challengeResp *transport.JSONRPCResponse
	inner.respond = func(request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
		challenge := requirement
		challenge.RequestID = RequestKey(request.ID)

		var err error
		challengeResp, err = inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      request.ID,
			Method:  MethodPaymentRequired,
			Params:  challenge,
		})
		if err != nil {
			return nil, err
		}
		if challengeResp.Error != nil {
			return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Error: challengeResp.Error}, nil
		}
		return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: json.RawMessage(`{"content":[]}`)}, nil
	}

	outer, err := pt.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"report"}`),
	})
	return challengeResp, outer, err
}

func decodePaymentResponse(t *testing.T, resp *transport.JSONRPCResponse) *PaymentPayload {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var pr PaymentResponse
	require.NoError(t, json.Unmarshal(resp.Result, &pr))
	require.NotNil(t, pr.Payment)
	return pr.Payment
}

func TestNewPaymentTransport_Validation(t *testing.T) {
	t.Run("RequiresInnerTransport", func(t *testing.T) {
		_, err := NewPaymentTransport(nil, WithSigner(NewMockSigner("0xabc")))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("RequiresSigner", func(t *testing.T) {
		_, err := NewPaymentTransport(newFakeTransport())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "at least one signer")
	})

	t.Run("HooksHandlersAtConstruction", func(t *testing.T) {
		inner := newFakeTransport()
		_, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
		require.NoError(t, err)
		assert.NotNil(t, inner.requestHandler)
		assert.NotNil(t, inner.notificationHandler)
	})
}

func TestPaymentTransport_AuditsOutboundRequests(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithServerID("srv-main"))
	require.NoError(t, err)

	_, err = pt.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "tools/list",
	})
	require.NoError(t, err)

	rec, ok := pt.Ledger().Get("1")
	require.True(t, ok)
	assert.Equal(t, "srv-main", rec.ServerID)
	assert.Equal(t, "tools/list", rec.Method)
	assert.Equal(t, RequestStatusCompleted, rec.RequestStatus)
	assert.NotNil(t, rec.RequestCompletedAt)
	// Nothing was paid for a free call.
	assert.Equal(t, PaymentStatusPending, rec.PaymentStatus)
}

func TestPaymentTransport_ServerIDFallsBackToSession(t *testing.T) {
	inner := newFakeTransport()
	inner.session = "session-77"
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	_, err = pt.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0", ID: mcp.NewRequestId(int64(1)), Method: "ping",
	})
	require.NoError(t, err)

	rec, ok := pt.Ledger().Get("1")
	require.True(t, ok)
	assert.Equal(t, "session-77", rec.ServerID)
}

func TestPaymentTransport_RecordsTransportFailure(t *testing.T) {
	inner := newFakeTransport()
	inner.respond = func(transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
		return nil, errors.New("connection reset")
	}
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	_, err = pt.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0", ID: mcp.NewRequestId(int64(1)), Method: "tools/call",
	})
	require.Error(t, err)

	rec, ok := pt.Ledger().Get("1")
	require.True(t, ok)
	assert.Equal(t, RequestStatusFailed, rec.RequestStatus)
	assert.Equal(t, "connection reset", rec.ErrorReason)
}

func TestPaymentTransport_AnswersChallenge(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	signer := NewMockSigner("0x1111111111111111111111111111111111111111")
	pt, err := NewPaymentTransport(inner,
		WithSigner(signer),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	challengeResp, outer, err := paidCall(t, pt, inner, 7, testRequirement("base-sepolia"))
	require.NoError(t, err)

	payment := decodePaymentResponse(t, challengeResp)
	assert.Equal(t, SupportedVersion, payment.X402Version)
	assert.Equal(t, "base-sepolia", payment.Network)
	require.NotNil(t, payment.Payload.Authorization)
	assert.Equal(t, signer.GetAddress(), payment.Payload.Authorization.From)
	assert.Equal(t, "10000", payment.Payload.Authorization.Value)

	require.NotNil(t, outer)
	assert.Nil(t, outer.Error)

	// The ledger carries the challenge facts; the payment stays pending
	// until a settlement notification arrives.
	rec, ok := pt.Ledger().Get("7")
	require.True(t, ok)
	assert.Equal(t, RequestStatusCompleted, rec.RequestStatus)
	assert.Equal(t, PaymentStatusPending, rec.PaymentStatus)
	assert.InDelta(t, 0.01, rec.PaymentAmount, 1e-9)
	assert.Equal(t, "base-sepolia", rec.PaymentNetwork)
	assert.Equal(t, USDCAddressBaseSepolia, rec.PaymentAsset)

	challenges := recorder.ByType(PaymentEventChallenge)
	require.Len(t, challenges, 1)
	assert.Equal(t, "7", challenges[0].RequestID)
	assert.Equal(t, "10000", challenges[0].AtomicAmount)

	signed := recorder.ByType(PaymentEventSigned)
	require.Len(t, signed, 1)
	assert.Equal(t, "tools/call", signed[0].Method)
	assert.InDelta(t, 0.01, signed[0].Amount, 1e-9)
	assert.Equal(t, signer.GetAddress(), signed[0].Payer)
}

func TestPaymentTransport_RejectsOverCap(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithMaxPaymentPerCall(0.001),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	// The challenge asks for 0.01, ten times the cap.
	challengeResp, outer, err := paidCall(t, pt, inner, 3, testRequirement("base-sepolia"))
	require.NoError(t, err)

	require.NotNil(t, challengeResp.Error)
	assert.Equal(t, CodeGuardrailViolation, challengeResp.Error.Code)
	assert.Contains(t, challengeResp.Error.Message, "exceeds per-call cap")
	require.NotNil(t, outer.Error)

	rec, ok := pt.Ledger().Get("3")
	require.True(t, ok)
	assert.Equal(t, PaymentStatusFailed, rec.PaymentStatus)
	assert.Contains(t, rec.ErrorReason, "exceeds per-call cap")
	// The outer response still arrived, so the request completed.
	assert.Equal(t, RequestStatusCompleted, rec.RequestStatus)

	rejected := recorder.ByType(PaymentEventRejected)
	require.Len(t, rejected, 1)
	assert.Error(t, rejected[0].Err)
	assert.Empty(t, recorder.ByType(PaymentEventSigned))
}

func TestPaymentTransport_RejectsUnlistedRecipient(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithWhitelistedServers("0x9999999999999999999999999999999999999999"))
	require.NoError(t, err)

	challengeResp, _, err := paidCall(t, pt, inner, 4, testRequirement("base-sepolia"))
	require.NoError(t, err)

	require.NotNil(t, challengeResp.Error)
	assert.Equal(t, CodeWhitelistViolation, challengeResp.Error.Code)
	assert.Contains(t, challengeResp.Error.Message, "not whitelisted")
}

func TestPaymentTransport_RejectsUnknownRequest(t *testing.T) {
	inner := newFakeTransport()
	_, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	// A challenge arrives with no outer request in flight.
	requirement := testRequirement("base-sepolia")
	requirement.RequestID = "999"
	resp, err := inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(999)),
		Method:  MethodPaymentRequired,
		Params:  requirement,
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodePaymentInvalid, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unknown payment request")
}

func TestPaymentTransport_RejectsMalformedChallenge(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	_, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	resp, err := inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  MethodPaymentRequired,
		Params:  json.RawMessage(`{"x402Version":"one"}`),
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodePaymentInvalid, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "malformed payment challenge")

	rejected := recorder.ByType(PaymentEventRejected)
	require.Len(t, rejected, 1)
}

func TestPaymentTransport_ValidatesRequirement(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PaymentRequirement)
		message string
	}{
		{"MissingPayTo", func(r *PaymentRequirement) { r.PayTo = "" }, "missing payTo"},
		{"MissingAmount", func(r *PaymentRequirement) { r.MaxAmountRequired = "" }, "missing maxAmountRequired"},
		{"MissingNetwork", func(r *PaymentRequirement) { r.Network = "" }, "missing network"},
		{"MissingRequestID", func(r *PaymentRequirement) { r.RequestID = "" }, "missing requestId"},
		{"WrongScheme", func(r *PaymentRequirement) { r.Scheme = "upto" }, "unsupported payment scheme"},
		{"WrongVersion", func(r *PaymentRequirement) { r.X402Version = 2 }, "unsupported x402 version"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inner := newFakeTransport()
			_, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
			require.NoError(t, err)

			requirement := testRequirement("base-sepolia")
			requirement.RequestID = "1"
			tc.mutate(&requirement)

			resp, err := inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
				JSONRPC: "2.0",
				ID:      mcp.NewRequestId(int64(1)),
				Method:  MethodPaymentRequired,
				Params:  requirement,
			})
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodePaymentInvalid, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tc.message)
		})
	}
}

func TestPaymentTransport_PaymentOptions(t *testing.T) {
	t.Run("NoMatchingOption", func(t *testing.T) {
		inner := newFakeTransport()
		pt, err := NewPaymentTransport(inner,
			WithSigner(NewMockSigner("0xabc")),
			WithPaymentOptions(AcceptUSDCBaseSepolia()))
		require.NoError(t, err)

		// The server asks for mainnet USDC; only the testnet is allowed.
		challengeResp, _, err := paidCall(t, pt, inner, 5, testRequirement("base"))
		require.NoError(t, err)

		require.NotNil(t, challengeResp.Error)
		assert.Equal(t, CodePaymentInvalid, challengeResp.Error.Code)
		assert.Contains(t, challengeResp.Error.Message, "no configured payment option accepts")
	})

	t.Run("OptionCap", func(t *testing.T) {
		inner := newFakeTransport()
		pt, err := NewPaymentTransport(inner,
			WithSigner(NewMockSigner("0xabc")),
			WithPaymentOptions(AcceptUSDCBaseSepolia().WithMaxAmount("5000")))
		require.NoError(t, err)

		// 10000 atomic units against a 5000 option cap.
		challengeResp, _, err := paidCall(t, pt, inner, 6, testRequirement("base-sepolia"))
		require.NoError(t, err)

		require.NotNil(t, challengeResp.Error)
		assert.Equal(t, CodeGuardrailViolation, challengeResp.Error.Code)
		assert.Contains(t, challengeResp.Error.Message, "exceeds option cap")
	})

	t.Run("MatchingOptionSigns", func(t *testing.T) {
		inner := newFakeTransport()
		pt, err := NewPaymentTransport(inner,
			WithSigner(NewMockSigner("0xabc")),
			WithPaymentOptions(AcceptUSDCBaseSepolia().WithMaxAmount("50000")))
		require.NoError(t, err)

		challengeResp, _, err := paidCall(t, pt, inner, 7, testRequirement("base-sepolia"))
		require.NoError(t, err)
		decodePaymentResponse(t, challengeResp)
	})
}

func TestPaymentTransport_BudgetExhaustion(t *testing.T) {
	budget, err := NewBudgetManager("", &RateLimits{MaxAmountPerHour: "15000"})
	require.NoError(t, err)

	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithBudget(budget))
	require.NoError(t, err)

	// First 10000-unit payment fits the 15000 hourly budget.
	challengeResp, _, err := paidCall(t, pt, inner, 1, testRequirement("base-sepolia"))
	require.NoError(t, err)
	decodePaymentResponse(t, challengeResp)

	// The second would overshoot it.
	challengeResp, _, err = paidCall(t, pt, inner, 2, testRequirement("base-sepolia"))
	require.NoError(t, err)
	require.NotNil(t, challengeResp.Error)
	assert.Equal(t, CodeGuardrailViolation, challengeResp.Error.Code)
	assert.Contains(t, challengeResp.Error.Message, "hourly payment budget exceeded")
}

func TestPaymentTransport_NoSignerForNetwork(t *testing.T) {
	inner := newFakeTransport()
	// A devnet-only SVM signer cannot answer EVM challenges.
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSolanaSigner("EetqiU5xqJe8HG1x3yQQZxcCARBbGvSHkcIzFABJtZCK")))
	require.NoError(t, err)

	challengeResp, _, err := paidCall(t, pt, inner, 8, testRequirement("base-sepolia"))
	require.NoError(t, err)

	require.NotNil(t, challengeResp.Error)
	assert.Equal(t, CodePaymentInvalid, challengeResp.Error.Code)
	assert.Contains(t, challengeResp.Error.Message, "no signer supports")
}

func TestPaymentTransport_SignerFallback(t *testing.T) {
	inner := newFakeTransport()
	svm := NewMockSolanaSigner("EetqiU5xqJe8HG1x3yQQZxcCARBbGvSHkcIzFABJtZCK")
	evm := NewMockSigner("0x2222222222222222222222222222222222222222")
	pt, err := NewPaymentTransport(inner, WithSigners(svm, evm))
	require.NoError(t, err)

	// The SVM signer is first but does not claim EVM networks, so the
	// challenge falls through to the EVM signer.
	challengeResp, _, err := paidCall(t, pt, inner, 9, testRequirement("base-sepolia"))
	require.NoError(t, err)

	payment := decodePaymentResponse(t, challengeResp)
	assert.Equal(t, evm.GetAddress(), payment.Payload.Authorization.From)
}

func TestPaymentTransport_ReconcilesSettlement(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	challengeResp, _, err := paidCall(t, pt, inner, 11, testRequirement("base-sepolia"))
	require.NoError(t, err)
	decodePaymentResponse(t, challengeResp)

	inner.deliverNotification(settlementNotification(PaymentResult{
		Success:     true,
		Transaction: "0xdeadbeef",
		Network:     "base-sepolia",
		Payer:       "0xabc",
		RequestID:   "11",
	}))

	rec, ok := pt.Ledger().Get("11")
	require.True(t, ok)
	assert.Equal(t, PaymentStatusCompleted, rec.PaymentStatus)
	assert.Equal(t, "0xdeadbeef", rec.TxHash)
	assert.Equal(t, "0xabc", rec.PayerAddress)
	assert.NotNil(t, rec.PaymentCompletedAt)

	settled := recorder.ByType(PaymentEventSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, "0xdeadbeef", settled[0].Transaction)
}

func TestPaymentTransport_ReconcilesFailedSettlement(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	pt, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	challengeResp, _, err := paidCall(t, pt, inner, 12, testRequirement("base-sepolia"))
	require.NoError(t, err)
	decodePaymentResponse(t, challengeResp)

	inner.deliverNotification(settlementNotification(PaymentResult{
		Success:     false,
		Network:     "base-sepolia",
		ErrorReason: "insufficient_funds",
		RequestID:   "12",
	}))

	rec, ok := pt.Ledger().Get("12")
	require.True(t, ok)
	assert.Equal(t, PaymentStatusFailed, rec.PaymentStatus)
	assert.Equal(t, "insufficient_funds", rec.ErrorReason)

	failed := recorder.ByType(PaymentEventFailed)
	require.Len(t, failed, 1)
	require.Error(t, failed[0].Err)
	assert.Contains(t, failed[0].Err.Error(), "insufficient_funds")
}

func TestPaymentTransport_DropsUnknownSettlement(t *testing.T) {
	inner := newFakeTransport()
	recorder := NewPaymentRecorder()
	_, err := NewPaymentTransport(inner,
		WithSigner(NewMockSigner("0xabc")),
		WithPaymentRecorder(recorder))
	require.NoError(t, err)

	inner.deliverNotification(settlementNotification(PaymentResult{
		Success:   true,
		RequestID: "ghost",
	}))

	assert.Equal(t, 0, recorder.Count())
}

func TestPaymentTransport_ForwardsSettlementToChainedHandler(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	var forwarded []string
	pt.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		forwarded = append(forwarded, n.Method)
	})

	inner.deliverNotification(settlementNotification(PaymentResult{Success: true, RequestID: "x"}))
	inner.deliverNotification(mcp.JSONRPCNotification{
		JSONRPC:      "2.0",
		Notification: mcp.Notification{Method: "notifications/progress"},
	})

	assert.Equal(t, []string{MethodPaymentResult, "notifications/progress"}, forwarded)
}

func TestPaymentTransport_ForwardsUnrelatedRequests(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	t.Run("NoHandlerConfigured", func(t *testing.T) {
		resp, err := inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      mcp.NewRequestId(int64(1)),
			Method:  "roots/list",
		})
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.METHOD_NOT_FOUND, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "no handler configured")
	})

	t.Run("ChainedHandler", func(t *testing.T) {
		pt.SetRequestHandler(func(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
			return &transport.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      request.ID,
				Result:  json.RawMessage(`{"roots":[]}`),
			}, nil
		})

		resp, err := inner.deliverRequest(context.Background(), transport.JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      mcp.NewRequestId(int64(2)),
			Method:  "roots/list",
		})
		require.NoError(t, err)
		assert.Nil(t, resp.Error)
		assert.JSONEq(t, `{"roots":[]}`, string(resp.Result))
	})
}

func TestPaymentTransport_Passthrough(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	require.NoError(t, pt.Start(context.Background()))
	assert.True(t, inner.started)

	require.NoError(t, pt.SendNotification(context.Background(), mcp.JSONRPCNotification{
		JSONRPC:      "2.0",
		Notification: mcp.Notification{Method: "notifications/initialized"},
	}))
	assert.Len(t, inner.notified, 1)

	assert.Equal(t, "fake-session", pt.GetSessionId())

	pt.SetProtocolVersion("2025-03-26")
	assert.Equal(t, "2025-03-26", inner.protocol)
}

func TestPaymentTransport_Close(t *testing.T) {
	inner := newFakeTransport()
	pt, err := NewPaymentTransport(inner, WithSigner(NewMockSigner("0xabc")))
	require.NoError(t, err)

	require.NoError(t, pt.Close())
	require.NoError(t, pt.Close())
	assert.Equal(t, 1, inner.closes)

	_, err = pt.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0", ID: mcp.NewRequestId(int64(1)), Method: "ping",
	})
	assert.ErrorIs(t, err, ErrTransportClosed)
}
