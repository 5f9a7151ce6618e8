package paygate

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// defaultAuthValiditySeconds bounds the authorization window when a
// challenge does not carry maxTimeoutSeconds.
const defaultAuthValiditySeconds = 60

// PaymentSigner signs payment authorizations in answer to challenges.
type PaymentSigner interface {
	// SignPayment signs a payment proof for the given requirement.
	SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error)

	// GetAddress returns the signer's address.
	GetAddress() string

	// SupportsNetwork reports whether the signer can pay on the network.
	SupportsNetwork(network string) bool

	// HasAsset reports whether the signer holds the asset on the network.
	HasAsset(asset, network string) bool
}

// TransferAuthorizationTypedData builds the EIP-712 typed data covering
// an EIP-3009 transferWithAuthorization message. Signing and
// verification must agree on this structure exactly.
func TransferAuthorizationTypedData(req *PaymentRequirement, auth *PaymentAuthorization) (apitypes.TypedData, error) {
	chainID, err := GetChainID(req.Network)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid authorization value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra["name"],
			Version:           req.Extra["version"],
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// newAuthorization fills an EIP-3009 authorization for a challenge:
// valid from the epoch, expiring after the challenge's timeout, with a
// random 32-byte nonce.
func newAuthorization(from string, req *PaymentRequirement) (*PaymentAuthorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultAuthValiditySeconds
	}
	validBefore := time.Now().Add(time.Duration(timeout) * time.Second).Unix()

	return &PaymentAuthorization{
		From:        from,
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       "0x" + hex.EncodeToString(nonce[:]),
	}, nil
}

// PrivateKeySigner signs with a raw private key.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (s *PrivateKeySigner) GetAddress() string {
	return s.address.Hex()
}

func (s *PrivateKeySigner) SupportsNetwork(network string) bool {
	_, ok := NetworkChainIDs[network]
	return ok
}

func (s *PrivateKeySigner) HasAsset(asset, network string) bool {
	// Balance checks need an RPC node; assume the asset is held.
	return true
}

func (s *PrivateKeySigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	auth, err := newAuthorization(s.address.Hex(), &req)
	if err != nil {
		return nil, err
	}

	typedData, err := TransferAuthorizationTypedData(&req, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	sigHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(sigHash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// Shift the recovery id into the Ethereum convention.
	signature[64] += 27

	return &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}, nil
}

// derivePrivateKey derives a private key from a seed along a BIP-32 path.
func derivePrivateKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := masterKey
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDSA key: %w", err)
	}

	return privateKey, nil
}

// MnemonicSigner signs with a key derived from a BIP-39 mnemonic.
type MnemonicSigner struct {
	*PrivateKeySigner
}

// NewMnemonicSigner creates a signer from a mnemonic phrase. An empty
// derivationPath uses the default Ethereum path m/44'/60'/0'/0/0.
func NewMnemonicSigner(mnemonic string, derivationPath string) (*MnemonicSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	if derivationPath == "" {
		derivationPath = "m/44'/60'/0'/0/0"
	}

	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")

	privateKey, err := derivePrivateKey(seed, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key: %w", err)
	}

	return &MnemonicSigner{
		PrivateKeySigner: &PrivateKeySigner{
			privateKey: privateKey,
			address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		},
	}, nil
}

// KeystoreSigner signs with a key from an encrypted keystore file.
type KeystoreSigner struct {
	*PrivateKeySigner
}

// NewKeystoreSigner creates a signer from encrypted keystore JSON.
func NewKeystoreSigner(keystoreJSON []byte, password string) (*KeystoreSigner, error) {
	key, err := keystore.DecryptKey(keystoreJSON, password)
	if err != nil {
		if err == keystore.ErrDecrypt {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}

	return &KeystoreSigner{
		PrivateKeySigner: &PrivateKeySigner{
			privateKey: key.PrivateKey,
			address:    key.Address,
		},
	}, nil
}

// MockSigner produces fake signatures for tests.
type MockSigner struct {
	address string

	// FixedNonce, when set, replaces the random nonce so replay
	// behavior can be exercised.
	FixedNonce string
}

// NewMockSigner creates a mock signer for testing.
func NewMockSigner(address string) *MockSigner {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return &MockSigner{address: address}
}

func (m *MockSigner) GetAddress() string {
	return m.address
}

func (m *MockSigner) SupportsNetwork(network string) bool {
	return true
}

func (m *MockSigner) HasAsset(asset, network string) bool {
	return true
}

func (m *MockSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	auth, err := newAuthorization(m.address, &req)
	if err != nil {
		return nil, err
	}
	if m.FixedNonce != "" {
		auth.Nonce = m.FixedNonce
	}

	return &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Signature:     "0x" + strings.Repeat("00", 65),
			Authorization: auth,
		},
	}, nil
}
