package server

import (
	"log/slog"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// Config carries the payment-side wiring for a PaymentServer. Zero
// values are usable for everything except PayTo, which protected
// handlers need unless their registration overrides it.
type Config struct {
	// FacilitatorURL is the base URL of the settlement facilitator.
	// Ignored when Facilitator is set directly.
	FacilitatorURL string

	// Facilitator overrides the HTTP client built from FacilitatorURL.
	// Tests inject mocks here.
	Facilitator Facilitator

	// Pricer converts priced amounts to on-chain asset quotes.
	// Defaults to paygate.USDCPricer.
	Pricer paygate.Pricer

	// BaseURL is joined with the handler path to form the resource URL
	// in challenges. Empty leaves a bare path.
	BaseURL string

	// Network is the default settlement network for protected handlers
	// that do not name one. Defaults to "base-sepolia".
	Network string

	// PayTo is the default recipient address for protected handlers
	// that do not name one.
	PayTo string

	// CheckSupported queries the facilitator's supported kinds at
	// startup and refuses protected registrations on networks the
	// facilitator cannot settle.
	CheckSupported bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) pricer() paygate.Pricer {
	if c.Pricer != nil {
		return c.Pricer
	}
	return paygate.USDCPricer{}
}

func (c *Config) network() string {
	if c.Network != "" {
		return c.Network
	}
	return "base-sepolia"
}

// InvalidReasonReplay is the invalidReason a facilitator returns when
// a payment's nonce has been seen before. It maps to REPLAY_DETECTED
// on the wire.
const InvalidReasonReplay = "replay_detected"

// VerifyRequest is the POST /verify body.
type VerifyRequest struct {
	X402Version         int                         `json:"x402Version"`
	PaymentPayload      *paygate.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *paygate.PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's answer to a verification.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleRequest is the POST /settle body.
type SettleRequest struct {
	X402Version         int                         `json:"x402Version"`
	PaymentPayload      *paygate.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *paygate.PaymentRequirement `json:"paymentRequirements"`
}

// SettleResponse reports the settlement outcome.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind is one scheme/network combination a facilitator can
// settle. Extra carries network-specific settlement data such as the
// SVM fee payer address.
type SupportedKind struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Extra       map[string]string `json:"extra,omitempty"`
}
