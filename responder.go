package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// responder answers inbound x402/payment_required challenges. Every
// violation becomes a JSON-RPC error response on the challenge itself;
// the server decides how that surfaces on the original invocation.
type responder struct {
	cfg *clientConfig
}

func newResponder(cfg *clientConfig) *responder {
	return &responder{cfg: cfg}
}

// Handle runs the full challenge flow: decode, validate, correlate
// against the ledger, enforce policy, sign, and answer.
func (r *responder) Handle(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	requirement, perr := decodeRequirement(req.Params)
	if perr != nil {
		r.emit(PaymentEvent{Type: PaymentEventRejected, Err: perr})
		return paymentErrorResponse(req.ID, perr), nil
	}

	r.emit(PaymentEvent{
		Type:         PaymentEventChallenge,
		RequestID:    requirement.RequestID,
		Resource:     requirement.Resource,
		Network:      requirement.Network,
		Asset:        requirement.Asset,
		Recipient:    requirement.PayTo,
		AtomicAmount: requirement.MaxAmountRequired,
	})

	if perr := validateRequirement(requirement); perr != nil {
		return r.reject(req, requirement, perr), nil
	}

	record, ok := r.cfg.ledger.GetPending(requirement.RequestID)
	if !ok {
		perr := NewPaymentError(CodePaymentInvalid,
			fmt.Sprintf("unknown payment request: %s", requirement.RequestID), nil)
		r.cfg.logger.WarnContext(ctx, "challenge for unknown request",
			"requestID", requirement.RequestID, "resource", requirement.Resource)
		return r.reject(req, requirement, perr), nil
	}

	decimals, err := r.cfg.pricer.Decimals(requirement.Network, requirement.Asset)
	if err != nil {
		perr := WrapPaymentError(CodePaymentInvalid,
			fmt.Sprintf("cannot price asset %s on %s", requirement.Asset, requirement.Network), err)
		return r.reject(req, requirement, perr), nil
	}
	priced, err := AtomicToPriced(requirement.MaxAmountRequired, decimals)
	if err != nil {
		perr := WrapPaymentError(CodePaymentInvalid,
			fmt.Sprintf("invalid amount %q", requirement.MaxAmountRequired), err)
		return r.reject(req, requirement, perr), nil
	}

	// The challenge is now correlated: record what we may pay before
	// any policy decision, so rejections land on a populated record.
	_ = r.cfg.ledger.UpdatePaymentStatus(requirement.RequestID, PaymentStatusPending, PaymentUpdate{
		Amount:  priced,
		Network: requirement.Network,
		Asset:   requirement.Asset,
		PayTo:   requirement.PayTo,
	})

	option, perr := r.matchOption(requirement)
	if perr != nil {
		return r.reject(req, requirement, perr), nil
	}

	if err := r.cfg.guardrails.Check(priced, requirement.PayTo); err != nil {
		perr := toPaymentError(err)
		r.cfg.logger.WarnContext(ctx, "challenge violates guardrails",
			"requestID", requirement.RequestID, "amount", priced, "payTo", requirement.PayTo, "error", err)
		return r.reject(req, requirement, perr), nil
	}

	if perr := checkOptionCap(option, requirement, priced); perr != nil {
		return r.reject(req, requirement, perr), nil
	}

	atomicAmount, _ := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if r.cfg.budget != nil {
		if err := r.cfg.budget.CanSpend(atomicAmount, requirement.Resource); err != nil {
			perr := toPaymentError(err)
			return r.reject(req, requirement, perr), nil
		}
	}

	payload, signerAddr, perr := r.sign(ctx, requirement)
	if perr != nil {
		return r.reject(req, requirement, perr), nil
	}

	if r.cfg.budget != nil {
		r.cfg.budget.RecordPayment(atomicAmount, requirement.Resource)
	}

	r.cfg.logger.InfoContext(ctx, "payment signed",
		"requestID", requirement.RequestID,
		"method", record.Method,
		"network", requirement.Network,
		"amount", priced,
		"payTo", requirement.PayTo,
		"signer", signerAddr)
	r.emit(PaymentEvent{
		Type:         PaymentEventSigned,
		RequestID:    requirement.RequestID,
		Method:       record.Method,
		Resource:     requirement.Resource,
		Network:      requirement.Network,
		Asset:        requirement.Asset,
		Recipient:    requirement.PayTo,
		Amount:       priced,
		AtomicAmount: requirement.MaxAmountRequired,
		Payer:        signerAddr,
	})

	result, err := json.Marshal(PaymentResponse{Payment: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment response: %w", err)
	}
	return &transport.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	}, nil
}

// reject marks the ledger record failed, emits a rejection event and
// builds the error response. A missing record (pre-correlation
// failures) is fine; there is nothing to mark.
func (r *responder) reject(req transport.JSONRPCRequest, requirement *PaymentRequirement, perr *PaymentError) *transport.JSONRPCResponse {
	if requirement.RequestID != "" {
		_ = r.cfg.ledger.UpdatePaymentStatus(requirement.RequestID, PaymentStatusFailed, PaymentUpdate{
			ErrorReason: perr.Message,
		})
	}
	r.emit(PaymentEvent{
		Type:         PaymentEventRejected,
		RequestID:    requirement.RequestID,
		Resource:     requirement.Resource,
		Network:      requirement.Network,
		Asset:        requirement.Asset,
		Recipient:    requirement.PayTo,
		AtomicAmount: requirement.MaxAmountRequired,
		Err:          perr,
	})
	return paymentErrorResponse(req.ID, perr)
}

func (r *responder) emit(event PaymentEvent) {
	for _, sink := range r.cfg.sinks {
		sink(event)
	}
}

// matchOption finds the best configured payment option for the
// challenge. With no options configured every challenge is eligible.
func (r *responder) matchOption(requirement *PaymentRequirement) (*ClientPaymentOption, *PaymentError) {
	if len(r.cfg.options) == 0 {
		return nil, nil
	}
	candidates := make([]ClientPaymentOption, len(r.cfg.options))
	copy(candidates, r.cfg.options)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	for _, opt := range candidates {
		if opt.Network == requirement.Network && strings.EqualFold(opt.Asset, requirement.Asset) {
			matched := opt
			return &matched, nil
		}
	}
	return nil, NewPaymentError(CodePaymentInvalid,
		fmt.Sprintf("no configured payment option accepts %s on %s", requirement.Asset, requirement.Network), nil)
}

// sign tries every signer that claims the network and asset, in
// configuration order, until one produces a payment.
func (r *responder) sign(ctx context.Context, requirement *PaymentRequirement) (*PaymentPayload, string, *PaymentError) {
	var failures []SignerFailure
	attempted := false
	for _, signer := range r.cfg.signers {
		if !signer.SupportsNetwork(requirement.Network) || !signer.HasAsset(requirement.Asset, requirement.Network) {
			continue
		}
		attempted = true
		payload, err := signer.SignPayment(ctx, *requirement)
		if err == nil {
			return payload, signer.GetAddress(), nil
		}
		failures = append(failures, SignerFailure{
			SignerAddress: signer.GetAddress(),
			Network:       requirement.Network,
			Err:           err,
		})
	}
	if !attempted {
		return nil, "", WrapPaymentError(CodePaymentInvalid,
			fmt.Sprintf("no signer supports %s on %s", requirement.Asset, requirement.Network),
			ErrNoSignerConfigured)
	}
	return nil, "", WrapPaymentError(CodePaymentInvalid, "payment signing failed",
		&MultiSignerError{Failures: failures})
}

func decodeRequirement(params any) (*PaymentRequirement, *PaymentError) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, WrapPaymentError(CodePaymentInvalid, "malformed payment challenge", err)
	}
	var requirement PaymentRequirement
	if err := json.Unmarshal(raw, &requirement); err != nil {
		return nil, WrapPaymentError(CodePaymentInvalid, "malformed payment challenge", err)
	}
	return &requirement, nil
}

func validateRequirement(requirement *PaymentRequirement) *PaymentError {
	switch {
	case requirement.PayTo == "":
		return NewPaymentError(CodePaymentInvalid, "payment requirement missing payTo", nil)
	case requirement.MaxAmountRequired == "":
		return NewPaymentError(CodePaymentInvalid, "payment requirement missing maxAmountRequired", nil)
	case requirement.Network == "":
		return NewPaymentError(CodePaymentInvalid, "payment requirement missing network", nil)
	case requirement.RequestID == "":
		return NewPaymentError(CodePaymentInvalid, "payment requirement missing requestId", nil)
	}
	if requirement.Scheme != SchemeExact {
		return NewPaymentError(CodePaymentInvalid,
			fmt.Sprintf("unsupported payment scheme: %s", requirement.Scheme), nil)
	}
	if requirement.X402Version != SupportedVersion {
		return NewPaymentError(CodePaymentInvalid,
			fmt.Sprintf("unsupported x402 version: %d", requirement.X402Version), nil)
	}
	return nil
}

// checkOptionCap enforces a matched option's per-payment cap, compared
// in atomic units.
func checkOptionCap(option *ClientPaymentOption, requirement *PaymentRequirement, priced float64) *PaymentError {
	if option == nil || option.MaxAmount == "" {
		return nil
	}
	capAmount, ok := new(big.Int).SetString(option.MaxAmount, 10)
	if !ok {
		return WrapPaymentError(CodeInternalError,
			fmt.Sprintf("invalid option max amount %q", option.MaxAmount), ErrInvalidConfig)
	}
	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return NewPaymentError(CodePaymentInvalid,
			fmt.Sprintf("invalid amount %q", requirement.MaxAmountRequired), nil)
	}
	if amount.Cmp(capAmount) > 0 {
		return NewPaymentError(CodeGuardrailViolation,
			fmt.Sprintf("payment of %s exceeds option cap of %s on %s",
				requirement.MaxAmountRequired, option.MaxAmount, requirement.Network),
			map[string]any{
				"amount":          priced,
				"optionMaxAmount": option.MaxAmount,
				"network":         requirement.Network,
			})
	}
	return nil
}

// toPaymentError maps policy errors onto wire codes. Budget sentinels
// become guardrail violations; anything unrecognized is a payment
// invalidity.
func toPaymentError(err error) *PaymentError {
	if perr, ok := AsPaymentError(err); ok {
		return perr
	}
	switch {
	case isBudgetError(err):
		return WrapPaymentError(CodeGuardrailViolation, err.Error(), err)
	default:
		return WrapPaymentError(CodePaymentInvalid, err.Error(), err)
	}
}

func isBudgetError(err error) bool {
	return errors.Is(err, ErrAmountExceedsLimit) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrBudgetExceeded)
}

func paymentErrorResponse(id mcp.RequestId, perr *PaymentError) *transport.JSONRPCResponse {
	return &transport.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   perr.ErrorDetails(),
	}
}
