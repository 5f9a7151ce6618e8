package paygate

// ClientPaymentOption declares one way a client is willing to pay.
// When any options are configured, challenges must match one of them
// before a signer is engaged; an empty set accepts any challenge the
// guardrails allow.
type ClientPaymentOption struct {
	PaymentRequirement

	// Priority orders options when several match, lower first.
	Priority int `json:"-"`

	// MaxAmount caps this option's single payment in atomic units.
	MaxAmount string `json:"-"`
}

func acceptUSDC(network string, priority int) ClientPaymentOption {
	return ClientPaymentOption{
		PaymentRequirement: PaymentRequirement{
			Scheme:  SchemeExact,
			Network: network,
			Asset:   USDCAddresses[network],
			Extra:   usdcExtra(network),
		},
		Priority: priority,
	}
}

// AcceptUSDCBase accepts USDC on Base mainnet. Base gets the default
// high priority for its low fees.
func AcceptUSDCBase() ClientPaymentOption {
	return acceptUSDC("base", 1)
}

// AcceptUSDCBaseSepolia accepts USDC on the Base Sepolia testnet.
func AcceptUSDCBaseSepolia() ClientPaymentOption {
	return acceptUSDC("base-sepolia", 1)
}

// AcceptUSDCEthereum accepts USDC on Ethereum mainnet.
func AcceptUSDCEthereum() ClientPaymentOption {
	return acceptUSDC("ethereum", 10)
}

// AcceptUSDCSepolia accepts USDC on the Sepolia testnet.
func AcceptUSDCSepolia() ClientPaymentOption {
	return acceptUSDC("sepolia", 10)
}

// AcceptUSDCPolygon accepts USDC on Polygon PoS.
func AcceptUSDCPolygon() ClientPaymentOption {
	return acceptUSDC("polygon", 2)
}

// AcceptUSDCPolygonAmoy accepts USDC on the Polygon Amoy testnet.
func AcceptUSDCPolygonAmoy() ClientPaymentOption {
	return acceptUSDC("polygon-amoy", 2)
}

// AcceptUSDCAvalanche accepts USDC on Avalanche C-Chain.
func AcceptUSDCAvalanche() ClientPaymentOption {
	return acceptUSDC("avalanche", 2)
}

// AcceptUSDCAvalancheFuji accepts USDC on the Avalanche Fuji testnet.
func AcceptUSDCAvalancheFuji() ClientPaymentOption {
	return acceptUSDC("avalanche-fuji", 2)
}

// AcceptUSDCSolana accepts USDC on Solana mainnet.
func AcceptUSDCSolana() ClientPaymentOption {
	return acceptUSDC(NetworkSolana, 1)
}

// AcceptUSDCSolanaDevnet accepts USDC on Solana devnet.
func AcceptUSDCSolanaDevnet() ClientPaymentOption {
	return acceptUSDC(NetworkSolanaDevnet, 1)
}

// WithPriority sets the option's priority, lower first.
func (opt ClientPaymentOption) WithPriority(p int) ClientPaymentOption {
	opt.Priority = p
	return opt
}

// WithMaxAmount caps single payments through this option, in atomic units.
func (opt ClientPaymentOption) WithMaxAmount(amount string) ClientPaymentOption {
	opt.MaxAmount = amount
	return opt
}
