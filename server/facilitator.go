package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// Facilitator verifies and settles payment proofs. Verify is a
// read-only signature and balance check; Settle broadcasts the
// transfer and blocks until it lands.
type Facilitator interface {
	Verify(ctx context.Context, payment *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) (*VerifyResponse, error)
	Settle(ctx context.Context, payment *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) (*SettleResponse, error)
	GetSupported(ctx context.Context) ([]SupportedKind, error)
}

const (
	defaultVerifyTimeout = 5 * time.Second
	// Settlement waits for on-chain confirmation.
	defaultSettleTimeout = 60 * time.Second
)

// HTTPFacilitator talks to a facilitator service over its JSON API:
// POST /verify, POST /settle, GET /supported.
type HTTPFacilitator struct {
	baseURL       string
	client        *http.Client
	verifyTimeout time.Duration
	settleTimeout time.Duration
}

// FacilitatorOption configures an HTTPFacilitator.
type FacilitatorOption func(*HTTPFacilitator)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) FacilitatorOption {
	return func(f *HTTPFacilitator) {
		f.client = client
	}
}

// WithVerifyTimeout bounds a single verification call.
func WithVerifyTimeout(d time.Duration) FacilitatorOption {
	return func(f *HTTPFacilitator) {
		f.verifyTimeout = d
	}
}

// WithSettleTimeout bounds a single settlement call.
func WithSettleTimeout(d time.Duration) FacilitatorOption {
	return func(f *HTTPFacilitator) {
		f.settleTimeout = d
	}
}

// NewHTTPFacilitator creates a facilitator client for the service at
// baseURL.
func NewHTTPFacilitator(baseURL string, opts ...FacilitatorOption) *HTTPFacilitator {
	f := &HTTPFacilitator{
		baseURL:       baseURL,
		client:        &http.Client{},
		verifyTimeout: defaultVerifyTimeout,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payment *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) (*VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()

	req := &VerifyRequest{
		X402Version:         paygate.SupportedVersion,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}

	var resp VerifyResponse
	if err := f.post(ctx, "/verify", req, &resp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &resp, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payment *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) (*SettleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.settleTimeout)
	defer cancel()

	req := &SettleRequest{
		X402Version:         paygate.SupportedVersion,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}

	var resp SettleResponse
	if err := f.post(ctx, "/settle", req, &resp); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	return &resp, nil
}

func (f *HTTPFacilitator) GetSupported(ctx context.Context) ([]SupportedKind, error) {
	ctx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("create supported request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("supported request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported failed with status %d", resp.StatusCode)
	}

	var result struct {
		Kinds []SupportedKind `json:"kinds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}
	return result.Kinds, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
