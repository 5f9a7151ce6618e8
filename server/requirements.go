package server

import (
	"fmt"
	"strings"
	"sync"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

const defaultMaxTimeoutSeconds = 60

// supportedCache holds the facilitator's supported payment kinds,
// keyed by network. SVM networks advertise their fee payer address
// here; it has to be merged into outgoing requirements or clients
// cannot build a valid transaction.
type supportedCache struct {
	mu    sync.RWMutex
	kinds map[string]SupportedKind
}

func newSupportedCache() *supportedCache {
	return &supportedCache{kinds: make(map[string]SupportedKind)}
}

func (c *supportedCache) set(kinds []SupportedKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range kinds {
		c.kinds[kind.Network] = kind
	}
}

func (c *supportedCache) loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) > 0
}

func (c *supportedCache) supports(network string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.kinds[network]
	return ok
}

// extraFor returns a copy of the cached extra fields for a network,
// or nil when the network is unknown.
func (c *supportedCache) extraFor(network string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kind, ok := c.kinds[network]
	if !ok || kind.Extra == nil {
		return nil
	}
	out := make(map[string]string, len(kind.Extra))
	for k, v := range kind.Extra {
		out[k] = v
	}
	return out
}

func resourcePath(kind HandlerKind, name string) string {
	switch kind {
	case KindPrompt:
		return "/prompts/" + name
	case KindResource, KindResourceTemplate:
		return "/resources/" + name
	default:
		return "/tools/" + name
	}
}

// resourceURL builds the resource field of a challenge: the handler
// path joined onto the configured base URL, or the path alone.
func resourceURL(baseURL string, kind HandlerKind, name string) string {
	path := resourcePath(kind, name)
	if baseURL == "" {
		return path
	}
	return strings.TrimRight(baseURL, "/") + path
}

// RequireUSDC builds a complete USDC payment requirement for a
// network. amount is in priced units (dollars); the atomic amount,
// asset address and EIP-712 domain come from the default pricer.
func RequireUSDC(network, payTo string, amount float64, description string) (paygate.PaymentRequirement, error) {
	quote, err := paygate.USDCPricer{}.Quote(network, amount)
	if err != nil {
		return paygate.PaymentRequirement{}, fmt.Errorf("quote %s: %w", network, err)
	}

	return paygate.PaymentRequirement{
		X402Version:       paygate.SupportedVersion,
		Scheme:            paygate.SchemeExact,
		Network:           network,
		MaxAmountRequired: quote.MaxAmountRequired,
		Asset:             quote.Asset,
		PayTo:             payTo,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: defaultMaxTimeoutSeconds,
		Extra:             quote.Extra,
	}, nil
}
