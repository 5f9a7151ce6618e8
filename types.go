package paygate

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Methods added to the base protocol by the payment extension. The
// challenge is a server-to-client request on the live session; the
// result is a server-to-client notification after settlement.
const (
	MethodPaymentRequired = "x402/payment_required"
	MethodPaymentResult   = "x402/payment_result"
)

// SupportedVersion is the only payment protocol version this package
// speaks. Challenges and proofs carrying any other version are rejected.
const SupportedVersion = 1

// SchemeExact is the only settlement scheme currently supported: the
// payer authorizes the exact amount the server asked for.
const SchemeExact = "exact"

// PaymentRequirement describes one acceptable way to pay. It is sent
// flattened as the params of an x402/payment_required request, with
// RequestID tying the challenge back to the invocation being paid for.
type PaymentRequirement struct {
	X402Version       int               `json:"x402Version"`
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType,omitempty"`
	OutputSchema      any               `json:"outputSchema,omitempty"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
	RequestID         string            `json:"requestId,omitempty"`
}

// PaymentPayload is the signed payment proof a client returns in
// answer to a challenge.
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     PaymentPayloadData `json:"payload"`
}

// PaymentPayloadData carries the proof itself. EVM networks use a
// detached EIP-3009 signature plus the authorization it covers; SVM
// networks ship a partially signed transaction instead.
type PaymentPayloadData struct {
	Signature     string                `json:"signature,omitempty"`
	Authorization *PaymentAuthorization `json:"authorization,omitempty"`
	Transaction   string                `json:"transaction,omitempty"`
}

// PaymentAuthorization is the EIP-3009 transferWithAuthorization
// message the signature covers. Amounts are atomic units as decimal
// strings; times are unix seconds as decimal strings.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentResponse is the result body a client returns for a
// successfully answered challenge.
type PaymentResponse struct {
	Payment *PaymentPayload `json:"payment"`
}

// PaymentResult is the params of the x402/payment_result notification
// emitted once settlement concludes, successfully or not.
type PaymentResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	RequestID   string `json:"requestId"`
}

// RequestKey canonicalizes a JSON-RPC request id into the string form
// used for audit ledger keys and challenge correlation. String and
// numeric ids that print the same map to the same key.
func RequestKey(id mcp.RequestId) string {
	if id.IsNil() {
		return ""
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	s := string(raw)
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
