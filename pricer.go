package paygate

import (
	"fmt"
	"math/big"
	"strings"
)

// AssetQuote is the on-chain asset charged for one priced invocation.
// MaxAmountRequired is in atomic units as a decimal string.
type AssetQuote struct {
	MaxAmountRequired string
	Asset             string
	Decimals          int
	Extra             map[string]string
}

// Pricer converts a handler's priced amount into an atomic asset quote
// for one network, and resolves asset decimals for the reverse
// conversion on the paying side.
type Pricer interface {
	Quote(network string, amount float64) (*AssetQuote, error)
	Decimals(network, asset string) (int, error)
}

// PricedToAtomic converts a priced amount into atomic units, rounding
// half up. It fails for amounts that are not positive or fall below
// the asset's precision.
func PricedToAtomic(amount float64, decimals int) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %v", amount)
	}
	scaled := new(big.Float).SetPrec(128).SetFloat64(amount)
	scaled.Mul(scaled, pow10Float(decimals))
	scaled.Add(scaled, big.NewFloat(0.5))
	atomic, _ := scaled.Int(nil)
	if atomic.Sign() <= 0 {
		return "", fmt.Errorf("amount %v is below asset precision of %d decimals", amount, decimals)
	}
	return atomic.String(), nil
}

// AtomicToPriced converts an atomic amount string back into priced units.
func AtomicToPriced(atomic string, decimals int) (float64, error) {
	v, ok := new(big.Int).SetString(atomic, 10)
	if !ok {
		return 0, fmt.Errorf("invalid atomic amount %q", atomic)
	}
	if v.Sign() <= 0 {
		return 0, fmt.Errorf("atomic amount must be positive, got %s", atomic)
	}
	f := new(big.Float).SetPrec(128).SetInt(v)
	f.Quo(f, pow10Float(decimals))
	priced, _ := f.Float64()
	return priced, nil
}

func pow10Float(decimals int) *big.Float {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Float).SetPrec(128).SetInt(exp)
}

// USDCPricer quotes USDC on every network in the chain registry.
// Priced amounts are whole USDC, so a quote of 0.001 on base-sepolia
// yields 1000 atomic units.
type USDCPricer struct{}

// Quote implements Pricer.
func (USDCPricer) Quote(network string, amount float64) (*AssetQuote, error) {
	asset, ok := USDCAddresses[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	atomic, err := PricedToAtomic(amount, USDCDecimals)
	if err != nil {
		return nil, err
	}
	return &AssetQuote{
		MaxAmountRequired: atomic,
		Asset:             asset,
		Decimals:          USDCDecimals,
		Extra:             usdcExtra(network),
	}, nil
}

// Decimals implements Pricer.
func (USDCPricer) Decimals(network, asset string) (int, error) {
	known, ok := USDCAddresses[network]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	if !strings.EqualFold(known, asset) {
		return 0, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, network)
	}
	return USDCDecimals, nil
}

func usdcExtra(network string) map[string]string {
	if IsSVMNetwork(network) {
		name := "USD Coin"
		if network == NetworkSolanaDevnet {
			name = "USDC"
		}
		return map[string]string{"name": name, "decimals": "6"}
	}
	return map[string]string{
		"name":    usdcDomainNames[network],
		"version": "2",
	}
}
