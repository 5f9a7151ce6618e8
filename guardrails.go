package paygate

import (
	"fmt"
	"strings"
)

// Guardrails is the client's spending policy, checked before anything
// is signed. The zero value permits everything.
type Guardrails struct {
	// MaxPaymentPerCall caps a single payment in priced units. Zero
	// means uncapped. A challenge for exactly the cap passes.
	MaxPaymentPerCall float64

	// WhitelistedServers restricts which recipient addresses may be
	// paid. Empty means any recipient. Comparison is case-insensitive.
	WhitelistedServers []string
}

// Check validates one challenge against the policy. The cap is checked
// before the allowlist when both would fail.
func (g *Guardrails) Check(amount float64, payTo string) error {
	if g == nil {
		return nil
	}
	if g.MaxPaymentPerCall > 0 && amount > g.MaxPaymentPerCall {
		return NewPaymentError(CodeGuardrailViolation,
			fmt.Sprintf("payment of %g exceeds per-call cap of %g", amount, g.MaxPaymentPerCall),
			map[string]any{
				"amount":            amount,
				"maxPaymentPerCall": g.MaxPaymentPerCall,
			})
	}
	if len(g.WhitelistedServers) > 0 {
		allowed := false
		for _, server := range g.WhitelistedServers {
			if strings.EqualFold(server, payTo) {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewPaymentError(CodeWhitelistViolation,
				fmt.Sprintf("recipient %s is not whitelisted", payTo),
				map[string]any{
					"payTo":              payTo,
					"whitelistedServers": g.WhitelistedServers,
				})
		}
	}
	return nil
}
