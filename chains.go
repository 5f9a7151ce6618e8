package paygate

import (
	"fmt"
	"math/big"
)

// NetworkChainIDs maps EVM network names to their chain IDs.
var NetworkChainIDs = map[string]*big.Int{
	"ethereum":       big.NewInt(1),
	"sepolia":        big.NewInt(11155111),
	"base":           big.NewInt(8453),
	"base-sepolia":   big.NewInt(84532),
	"polygon":        big.NewInt(137),
	"polygon-amoy":   big.NewInt(80002),
	"avalanche":      big.NewInt(43114),
	"avalanche-fuji": big.NewInt(43113),
}

// SVM network names. These have no chain ID; payments on them are
// partially signed transactions rather than EIP-3009 authorizations.
const (
	NetworkSolana       = "solana"
	NetworkSolanaDevnet = "solana-devnet"
)

// GetChainID returns the chain ID for an EVM network.
func GetChainID(network string) (*big.Int, error) {
	if id, ok := NetworkChainIDs[network]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
}

// IsSVMNetwork reports whether the network settles via Solana-style
// transactions instead of EVM authorizations.
func IsSVMNetwork(network string) bool {
	return network == NetworkSolana || network == NetworkSolanaDevnet
}

// USDC contract addresses and mints per network.
const (
	USDCAddressEthereum      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	USDCAddressSepolia       = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	USDCAddressBase          = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCAddressBaseSepolia   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	USDCAddressPolygon       = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCAddressPolygonAmoy   = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	USDCAddressAvalanche     = "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
	USDCAddressAvalancheFuji = "0x5425890298aed601595a70AB815c96711a31Bc65"

	USDCMintSolana       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintSolanaDevnet = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// USDCDecimals is the number of decimals of the USDC token on every
// supported network.
const USDCDecimals = 6

// USDCAddresses maps network names to the USDC contract or mint on
// that network.
var USDCAddresses = map[string]string{
	"ethereum":          USDCAddressEthereum,
	"sepolia":           USDCAddressSepolia,
	"base":              USDCAddressBase,
	"base-sepolia":      USDCAddressBaseSepolia,
	"polygon":           USDCAddressPolygon,
	"polygon-amoy":      USDCAddressPolygonAmoy,
	"avalanche":         USDCAddressAvalanche,
	"avalanche-fuji":    USDCAddressAvalancheFuji,
	NetworkSolana:       USDCMintSolana,
	NetworkSolanaDevnet: USDCMintSolanaDevnet,
}

// usdcDomainNames holds the EIP-712 domain name USDC registers on each
// EVM network. Mainnet deployments use "USD Coin", testnets use "USDC".
var usdcDomainNames = map[string]string{
	"ethereum":       "USD Coin",
	"sepolia":        "USDC",
	"base":           "USD Coin",
	"base-sepolia":   "USDC",
	"polygon":        "USD Coin",
	"polygon-amoy":   "USDC",
	"avalanche":      "USD Coin",
	"avalanche-fuji": "USDC",
}
