package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client/transport"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// orchestrator mediates one protected invocation at a time: assemble
// the requirement, challenge the client over the live session, verify
// the returned proof, and after the handler ran, settle and notify.
// It holds no per-invocation state; everything lives in the
// paymentState handed back from Verify.
type orchestrator struct {
	facilitator Facilitator
	pricer      paygate.Pricer
	supported   *supportedCache
	baseURL     string
	network     string
	payTo       string
	logger      *slog.Logger
}

// paymentState is the verified payment for one invocation. It stays
// inside the payment layer; handlers never see it.
type paymentState struct {
	requirement *paygate.PaymentRequirement
	payload     *paygate.PaymentPayload
	payer       string
}

// Verify runs the challenge-response half of the flow: it prices the
// handler, sends x402/payment_required on the invocation's session
// with the invocation's own request id, validates the returned proof
// and has the facilitator verify it. On success the sealed state is
// ready for Settle.
func (o *orchestrator) Verify(ctx context.Context, inv Invocation, desc *HandlerDescriptor) (*paymentState, error) {
	if o.facilitator == nil {
		return nil, paygate.WrapPaymentError(paygate.CodeInternalError,
			"no payment facilitator configured", paygate.ErrInvalidConfig)
	}

	requirement, err := o.assembleRequirement(inv, desc)
	if err != nil {
		return nil, err
	}

	challenge := transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      inv.RequestID,
		Method:  paygate.MethodPaymentRequired,
		Params:  requirement,
	}

	o.logger.DebugContext(ctx, "sending payment challenge",
		"handler", desc.Name,
		"requestId", requirement.RequestID,
		"network", requirement.Network,
		"amount", requirement.MaxAmountRequired)

	resp, err := inv.Session.SendRequest(ctx, challenge)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, paygate.WrapPaymentError(paygate.CodePaymentInvalid, "payment challenge failed", err)
	}

	if resp.Error != nil {
		return nil, o.challengeError(desc, requirement, resp.Error.Code, resp.Error.Message)
	}

	payload, err := decodeProof(resp.Result)
	if err != nil {
		return nil, err
	}
	if err := validateProof(payload, requirement); err != nil {
		return nil, err
	}

	verifyResp, err := o.facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		return nil, paygate.WrapPaymentError(paygate.CodePaymentInvalid, "payment verification failed", err)
	}
	if !verifyResp.IsValid {
		if verifyResp.InvalidReason == InvalidReasonReplay {
			return nil, paygate.NewPaymentError(paygate.CodeReplayDetected, "payment replay detected", nil)
		}
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = "facilitator rejected payment"
		}
		return nil, paygate.NewPaymentError(paygate.CodePaymentInvalid, reason, nil)
	}

	o.logger.InfoContext(ctx, "payment verified",
		"handler", desc.Name,
		"requestId", requirement.RequestID,
		"payer", verifyResp.Payer)

	return &paymentState{
		requirement: requirement,
		payload:     payload,
		payer:       verifyResp.Payer,
	}, nil
}

// Settle executes the verified payment and emits the result
// notification. It runs detached from the invocation's cancellation:
// once settlement starts, the money moves whether or not the caller
// is still waiting, and the client must hear about it either way.
func (o *orchestrator) Settle(ctx context.Context, inv Invocation, state *paymentState) error {
	ctx = context.WithoutCancel(ctx)

	settleResp, err := o.facilitator.Settle(ctx, state.payload, state.requirement)
	if err != nil || !settleResp.Success {
		reason := "settlement failed"
		if err != nil {
			reason = err.Error()
		} else if settleResp.ErrorReason != "" {
			reason = settleResp.ErrorReason
		}

		o.logger.WarnContext(ctx, "payment settlement failed",
			"requestId", state.requirement.RequestID,
			"reason", reason)

		o.notify(ctx, inv, paygate.PaymentResult{
			Success:     false,
			Network:     state.requirement.Network,
			ErrorReason: reason,
			RequestID:   state.requirement.RequestID,
		})
		return paygate.NewPaymentError(paygate.CodePaymentExecutionFailed, "Payment execution failed: "+reason, nil)
	}

	network := settleResp.Network
	if network == "" {
		network = state.requirement.Network
	}
	payer := settleResp.Payer
	if payer == "" {
		payer = state.payer
	}

	o.logger.InfoContext(ctx, "payment settled",
		"requestId", state.requirement.RequestID,
		"transaction", settleResp.Transaction,
		"payer", payer)

	o.notify(ctx, inv, paygate.PaymentResult{
		Success:     true,
		Transaction: settleResp.Transaction,
		Network:     network,
		Payer:       payer,
		RequestID:   state.requirement.RequestID,
	})
	return nil
}

func (o *orchestrator) assembleRequirement(inv Invocation, desc *HandlerDescriptor) (*paygate.PaymentRequirement, error) {
	network := desc.Payment.Network
	if network == "" {
		network = o.network
	}
	payTo := desc.Payment.PayTo
	if payTo == "" {
		payTo = o.payTo
	}
	if payTo == "" {
		return nil, paygate.WrapPaymentError(paygate.CodeInternalError,
			fmt.Sprintf("no payment recipient configured for %s", desc.Name),
			paygate.ErrInvalidConfig)
	}

	quote, err := o.pricer.Quote(network, desc.Payment.Amount)
	if err != nil {
		return nil, paygate.WrapPaymentError(paygate.CodeInternalError,
			fmt.Sprintf("price quote for %s failed", desc.Name),
			fmt.Errorf("%w: %v", paygate.ErrInvalidConfig, err))
	}

	extra := quote.Extra
	// Facilitator-advertised fields (SVM fee payer) override the
	// quote's defaults.
	if facilitatorExtra := o.supported.extraFor(network); facilitatorExtra != nil {
		if extra == nil {
			extra = make(map[string]string, len(facilitatorExtra))
		}
		for k, v := range facilitatorExtra {
			extra[k] = v
		}
	}

	description := desc.Payment.Description
	if description == "" {
		description = desc.Description
	}
	mimeType := desc.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	requirement := &paygate.PaymentRequirement{
		X402Version:       paygate.SupportedVersion,
		Scheme:            paygate.SchemeExact,
		Network:           network,
		MaxAmountRequired: quote.MaxAmountRequired,
		Asset:             quote.Asset,
		PayTo:             payTo,
		Resource:          resourceURL(o.baseURL, desc.Kind, desc.Name),
		Description:       description,
		MimeType:          mimeType,
		MaxTimeoutSeconds: defaultMaxTimeoutSeconds,
		Extra:             extra,
		RequestID:         paygate.RequestKey(inv.RequestID),
	}
	if len(desc.OutputSchema) > 0 {
		requirement.OutputSchema = desc.OutputSchema
	}
	return requirement, nil
}

// challengeError maps a client's error response to the challenge. A
// -32601, a "method not found" message, or the "unsupported request
// method" reply stock mcp-go clients send under a generic code all
// mean the client does not speak the extension, which surfaces as
// PAYMENT_REQUIRED with enough detail to pay out of band. Anything
// else, including client guardrail refusals, becomes PAYMENT_INVALID
// carrying the client's message.
func (o *orchestrator) challengeError(desc *HandlerDescriptor, requirement *paygate.PaymentRequirement, code int, message string) error {
	lower := strings.ToLower(message)
	if code == paygate.CodeMethodNotFound ||
		strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "unsupported request method") {
		return paygate.NewPaymentError(paygate.CodePaymentRequired, "Payment required", map[string]any{
			"amount":         desc.Payment.Amount,
			"asset":          requirement.Asset,
			"paymentAddress": requirement.PayTo,
			"network":        requirement.Network,
		})
	}
	return paygate.NewPaymentError(paygate.CodePaymentInvalid,
		fmt.Sprintf("payment rejected by client: %s", message), nil)
}

func decodeProof(result json.RawMessage) (*paygate.PaymentPayload, error) {
	if len(result) == 0 {
		return nil, paygate.NewPaymentError(paygate.CodePaymentInvalid, "no payment provided", nil)
	}
	var response paygate.PaymentResponse
	if err := json.Unmarshal(result, &response); err != nil {
		return nil, paygate.WrapPaymentError(paygate.CodePaymentInvalid, "malformed payment response", err)
	}
	if response.Payment == nil {
		return nil, paygate.NewPaymentError(paygate.CodePaymentInvalid, "no payment provided", nil)
	}
	return response.Payment, nil
}

func validateProof(payload *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) error {
	if payload.X402Version != paygate.SupportedVersion {
		return paygate.NewPaymentError(paygate.CodeInvalidRequest,
			fmt.Sprintf("unsupported payment version %d", payload.X402Version), nil)
	}
	if payload.Scheme != paygate.SchemeExact {
		return paygate.NewPaymentError(paygate.CodePaymentInvalid,
			fmt.Sprintf("unsupported payment scheme %q", payload.Scheme), nil)
	}
	if payload.Network != requirement.Network {
		return paygate.NewPaymentError(paygate.CodePaymentInvalid,
			fmt.Sprintf("payment network %q does not match required network %q", payload.Network, requirement.Network), nil)
	}
	if payload.Payload.Signature == "" && payload.Payload.Transaction == "" {
		return paygate.NewPaymentError(paygate.CodePaymentInvalid, "payment proof has no signature", nil)
	}
	return nil
}

// notify emits x402/payment_result. Send failures are logged and
// swallowed: the settlement outcome is already decided and the error
// path has its own reporting.
func (o *orchestrator) notify(ctx context.Context, inv Invocation, result paygate.PaymentResult) {
	if err := inv.Session.SendNotification(ctx, paygate.MethodPaymentResult, result); err != nil {
		o.logger.WarnContext(ctx, "failed to send payment result notification",
			"requestId", result.RequestID,
			"error", err)
	}
}
