package paygate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// JSON-RPC error codes shared with the base protocol.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Payment error codes carried in JSON-RPC error responses. The 402xx
// range mirrors HTTP 402 semantics; 4021x codes are raised by the
// paying client before anything is signed.
const (
	// CodePaymentRequired is returned when a priced method is invoked
	// and no payment can be collected, for example because the client
	// does not implement the payment extension.
	CodePaymentRequired = 40200

	// CodePaymentInvalid covers every malformed, mismatched or rejected
	// payment proof.
	CodePaymentInvalid = 40201

	// CodeInsufficientPayment is reserved for partial-payment schemes.
	// Nothing emits it today.
	CodeInsufficientPayment = 40202

	// CodeReplayDetected is returned when the facilitator reports that
	// a payment authorization was already used.
	CodeReplayDetected = 40203

	// CodePaymentExecutionFailed is returned when settlement fails
	// after the handler already ran.
	CodePaymentExecutionFailed = 40204

	// CodeGuardrailViolation is raised by the client when a challenge
	// exceeds its per-call spending cap.
	CodeGuardrailViolation = 40210

	// CodeWhitelistViolation is raised by the client when the payment
	// recipient is not on its allowlist.
	CodeWhitelistViolation = 40211
)

var codeNames = map[int]string{
	CodeInvalidRequest:         "INVALID_REQUEST",
	CodeMethodNotFound:         "METHOD_NOT_FOUND",
	CodeInvalidParams:          "INVALID_PARAMS",
	CodeInternalError:          "INTERNAL_ERROR",
	CodePaymentRequired:        "PAYMENT_REQUIRED",
	CodePaymentInvalid:         "PAYMENT_INVALID",
	CodeInsufficientPayment:    "INSUFFICIENT_PAYMENT",
	CodeReplayDetected:         "REPLAY_DETECTED",
	CodePaymentExecutionFailed: "PAYMENT_EXECUTION_FAILED",
	CodeGuardrailViolation:     "GUARDRAIL_VIOLATION",
	CodeWhitelistViolation:     "WHITELIST_VIOLATION",
}

// CodeName returns the symbolic name for a wire error code, or the
// decimal code when the code is unknown.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("%d", code)
}

// Sentinel errors for common failure conditions.
var (
	// ErrInvalidConfig indicates a misconfigured handler, pricer or
	// facilitator. It surfaces as an internal error on the wire.
	ErrInvalidConfig = errors.New("invalid payment configuration")

	// ErrRecordNotFound indicates an audit ledger lookup missed.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrSigningFailed indicates the payment signing failed.
	ErrSigningFailed = errors.New("failed to sign payment")

	// ErrUnsupportedNetwork indicates the requested network is not supported.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrUnsupportedAsset indicates the requested asset is not supported.
	ErrUnsupportedAsset = errors.New("unsupported asset")

	// ErrInvalidPrivateKey indicates the provided private key is invalid.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrInvalidMnemonic indicates the provided mnemonic phrase is invalid.
	ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

	// ErrInvalidKeystore indicates the keystore file is invalid or corrupted.
	ErrInvalidKeystore = errors.New("invalid keystore file")

	// ErrWrongPassword indicates the keystore password is incorrect.
	ErrWrongPassword = errors.New("incorrect keystore password")

	// ErrNoSignerConfigured indicates no signer can serve a challenge.
	ErrNoSignerConfigured = errors.New("no signer configured for requested network and asset")

	// ErrAmountExceedsLimit indicates a payment exceeds the budget's
	// per-payment maximum.
	ErrAmountExceedsLimit = errors.New("payment amount exceeds configured maximum")

	// ErrRateLimitExceeded indicates too many payments in the current window.
	ErrRateLimitExceeded = errors.New("payment rate limit exceeded")

	// ErrBudgetExceeded indicates the hourly spending budget is exhausted.
	ErrBudgetExceeded = errors.New("hourly payment budget exceeded")
)

// PaymentError is a payment failure that maps onto a JSON-RPC error
// body. Details travel in the error's data member.
type PaymentError struct {
	Code    int
	Message string
	Details map[string]any
	Wrapped error
}

// NewPaymentError creates a payment error with the given wire code.
func NewPaymentError(code int, message string, details map[string]any) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// WrapPaymentError creates a payment error that wraps an underlying cause.
func WrapPaymentError(code int, message string, wrapped error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Wrapped: wrapped}
}

func (e *PaymentError) Error() string {
	var sb strings.Builder
	sb.WriteString(CodeName(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Wrapped != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Wrapped.Error())
	}
	return sb.String()
}

func (e *PaymentError) Unwrap() error {
	return e.Wrapped
}

// ErrorDetails converts the error into the JSON-RPC wire representation.
func (e *PaymentError) ErrorDetails() *mcp.JSONRPCErrorDetails {
	details := &mcp.JSONRPCErrorDetails{
		Code:    e.Code,
		Message: e.Message,
	}
	if len(e.Details) > 0 {
		details.Data = e.Details
	}
	return details
}

// PaymentErrorFromDetails reconstructs a payment error from a JSON-RPC
// error body received over the wire.
func PaymentErrorFromDetails(details *mcp.JSONRPCErrorDetails) *PaymentError {
	if details == nil {
		return nil
	}
	perr := &PaymentError{
		Code:    details.Code,
		Message: details.Message,
	}
	if details.Data != nil {
		if m, ok := details.Data.(map[string]any); ok {
			perr.Details = m
		} else if raw, err := json.Marshal(details.Data); err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				perr.Details = m
			}
		}
	}
	return perr
}

// AsPaymentError unwraps err looking for a *PaymentError.
func AsPaymentError(err error) (*PaymentError, bool) {
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// SignerFailure records why one signer could not produce a payment.
type SignerFailure struct {
	SignerAddress string
	Network       string
	Err           error
}

// MultiSignerError aggregates failures when every eligible signer was
// tried and none produced a payment.
type MultiSignerError struct {
	Failures []SignerFailure
}

func (e *MultiSignerError) Error() string {
	if len(e.Failures) == 0 {
		return "no signers attempted"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %d signer(s) failed: ", len(e.Failures))
	for i, f := range e.Failures {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s on %s: %v", f.SignerAddress, f.Network, f.Err)
	}
	return sb.String()
}

func (e *MultiSignerError) Unwrap() error {
	if len(e.Failures) == 1 {
		return e.Failures[0].Err
	}
	return nil
}
