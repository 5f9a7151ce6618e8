package paygate

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// defaultSolanaRPCs maps SVM network names to public RPC endpoints.
var defaultSolanaRPCs = map[string]string{
	NetworkSolana:       rpc.MainNetBeta_RPC,
	NetworkSolanaDevnet: rpc.DevNet_RPC,
}

// SolanaSigner answers challenges on SVM networks with a partially
// signed SPL token transfer. The challenge's extra fields must name
// the facilitator's feePayer, which co-signs and submits the
// transaction at settlement.
type SolanaSigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	networks   map[string]bool
	rpcURLs    map[string]string
}

// NewSolanaSigner creates a signer from a base58-encoded private key.
// With no explicit networks it pays on both mainnet and devnet.
func NewSolanaSigner(privateKeyBase58 string, networks ...string) (*SolanaSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newSolanaSigner(privateKey, networks)
}

// NewSolanaSignerFromFile creates a signer from a Solana keygen file.
func NewSolanaSignerFromFile(filepath string, networks ...string) (*SolanaSigner, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load keypair file: %v", ErrInvalidPrivateKey, err)
	}
	return newSolanaSigner(privateKey, networks)
}

func newSolanaSigner(privateKey solana.PrivateKey, networks []string) (*SolanaSigner, error) {
	if len(networks) == 0 {
		networks = []string{NetworkSolana, NetworkSolanaDevnet}
	}
	set := make(map[string]bool, len(networks))
	rpcURLs := make(map[string]string, len(networks))
	for _, n := range networks {
		if !IsSVMNetwork(n) {
			return nil, fmt.Errorf("%w: %s is not an SVM network", ErrUnsupportedNetwork, n)
		}
		set[n] = true
		rpcURLs[n] = defaultSolanaRPCs[n]
	}
	return &SolanaSigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		networks:   set,
		rpcURLs:    rpcURLs,
	}, nil
}

// WithRPCEndpoint overrides the RPC endpoint used for one network.
func (s *SolanaSigner) WithRPCEndpoint(network, url string) *SolanaSigner {
	s.rpcURLs[network] = url
	return s
}

// GetAddress returns the signer's Solana address.
func (s *SolanaSigner) GetAddress() string {
	return s.publicKey.String()
}

// SupportsNetwork reports whether the signer pays on the network.
func (s *SolanaSigner) SupportsNetwork(network string) bool {
	return s.networks[network]
}

// HasAsset reports whether the signer can transfer the asset. Any
// valid mint address works; balances are not checked.
func (s *SolanaSigner) HasAsset(asset, network string) bool {
	if !s.networks[network] {
		return false
	}
	_, err := solana.PublicKeyFromBase58(asset)
	return err == nil
}

// SignPayment builds and partially signs an SPL transfer satisfying
// the requirement. The transaction's fee payer is taken from the
// requirement's extra fields and left unsigned.
func (s *SolanaSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	rpcURL, ok := s.rpcURLs[req.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, req.Network)
	}
	client := rpc.New(rpcURL)

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash from %s: %w", rpcURL, err)
	}

	mintAddr, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}

	toAddr, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	feePayerAddr, err := solana.PublicKeyFromBase58(req.Extra["feePayer"])
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer address: %w", err)
	}

	fromATA, _, err := solana.FindAssociatedTokenAddress(s.publicKey, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sender ATA: %w", err)
	}

	toATA, _, err := solana.FindAssociatedTokenAddress(toAddr, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient ATA: %w", err)
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(req.MaxAmountRequired, 10); !ok {
		return nil, fmt.Errorf("invalid amount: %s", req.MaxAmountRequired)
	}

	decimals := uint8(USDCDecimals)
	if decStr, ok := req.Extra["decimals"]; ok {
		_, _ = fmt.Sscanf(decStr, "%d", &decimals)
	}

	var instructions []solana.Instruction

	// Facilitators expect compute budget instructions up front:
	// a 200k unit limit followed by a 10k microlamport unit price.
	computeLimitInst := solana.NewInstruction(
		solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"),
		solana.AccountMetaSlice{},
		[]byte{2, 0x40, 0x0d, 0x03, 0x00},
	)
	instructions = append(instructions, computeLimitInst)

	computePriceInst := solana.NewInstruction(
		solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"),
		solana.AccountMetaSlice{},
		[]byte{3, 0x10, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	)
	instructions = append(instructions, computePriceInst)

	transferInst := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount.Uint64()).
		SetDecimals(decimals).
		SetSourceAccount(fromATA).
		SetDestinationAccount(toATA).
		SetMintAccount(mintAddr).
		SetOwnerAccount(s.publicKey).
		Build()
	instructions = append(instructions, transferInst)

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(feePayerAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.publicKey.Equals(key) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to partially sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Transaction: base64.StdEncoding.EncodeToString(txBytes),
		},
	}, nil
}

// MockSolanaSigner produces fake SVM payments for tests.
type MockSolanaSigner struct {
	address  string
	networks map[string]bool
}

// NewMockSolanaSigner creates a mock SVM signer. With no explicit
// networks it answers devnet challenges only.
func NewMockSolanaSigner(address string, networks ...string) *MockSolanaSigner {
	if len(networks) == 0 {
		networks = []string{NetworkSolanaDevnet}
	}
	set := make(map[string]bool, len(networks))
	for _, n := range networks {
		set[n] = true
	}
	return &MockSolanaSigner{address: address, networks: set}
}

func (m *MockSolanaSigner) GetAddress() string {
	return m.address
}

func (m *MockSolanaSigner) SupportsNetwork(network string) bool {
	return m.networks[network]
}

func (m *MockSolanaSigner) HasAsset(asset, network string) bool {
	return m.networks[network]
}

func (m *MockSolanaSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	value := new(big.Int)
	if _, ok := value.SetString(req.MaxAmountRequired, 10); !ok {
		return nil, fmt.Errorf("invalid payment amount: %s", req.MaxAmountRequired)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("payment amount must be positive: %s", req.MaxAmountRequired)
	}

	fakeTransaction := "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=="

	return &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Transaction: fakeTransaction,
		},
	}, nil
}
