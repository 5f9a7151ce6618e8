// Package facilitator implements a development-grade x402 facilitator.
// It verifies EIP-3009 authorizations entirely off-chain and simulates
// settlement, so payment-gated servers and their clients can run end to
// end without funded wallets or RPC access. Nothing here touches a
// chain; do not point production traffic at it.
package facilitator

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	paygate "github.com/mark3labs/mcp-go-paygate"
	"github.com/mark3labs/mcp-go-paygate/server"
)

// Invalid reasons returned by verification. Hosted facilitators use the
// same snake_case vocabulary; server.InvalidReasonReplay is the one the
// payment layer maps to a distinct error code.
const (
	reasonInvalidVersion     = "invalid_x402_version"
	reasonUnsupportedScheme  = "unsupported_scheme"
	reasonNetworkMismatch    = "network_mismatch"
	reasonUnsupportedNetwork = "unsupported_network"
	reasonMissingPayload     = "missing_payload"
	reasonValueMismatch      = "value_mismatch"
	reasonRecipientMismatch  = "recipient_mismatch"
	reasonExpired            = "authorization_expired"
	reasonNotYetValid        = "authorization_not_yet_valid"
	reasonInvalidSignature   = "invalid_signature"
	reasonInvalidTransaction = "invalid_transaction"
)

// nonceTTL bounds how long redeemed nonces stay in the replay cache,
// comfortably past any authorization validity window.
const nonceTTL = 24 * time.Hour

// Local is an in-process facilitator. It remembers redeemed nonces for
// replay detection and fabricates transaction ids instead of submitting
// anything on-chain.
type Local struct {
	networks           []string
	nonces             *paygate.MemoryStore[string]
	settleFailure      string
	skipSignatureCheck bool
	feePayer           string
	logger             *slog.Logger
}

// Option configures a Local facilitator.
type Option func(*Local)

// WithNetworks replaces the default settleable networks.
func WithNetworks(networks ...string) Option {
	return func(f *Local) { f.networks = networks }
}

// WithSettlementFailure makes every settlement fail with the given
// reason while verification keeps passing.
func WithSettlementFailure(reason string) Option {
	return func(f *Local) { f.settleFailure = reason }
}

// WithoutSignatureCheck accepts payloads from mock signers whose
// signatures and transactions cannot be cryptographically verified.
func WithoutSignatureCheck() Option {
	return func(f *Local) { f.skipSignatureCheck = true }
}

// WithFeePayer advertises an SVM fee payer in the supported kinds.
func WithFeePayer(address string) Option {
	return func(f *Local) { f.feePayer = address }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Local) { f.logger = logger }
}

// New builds a facilitator settling on base-sepolia and solana-devnet.
func New(opts ...Option) *Local {
	f := &Local{
		networks: []string{"base-sepolia", paygate.NetworkSolanaDevnet},
		nonces:   paygate.NewMemoryStore[string](nonceTTL, 100000),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handler returns the facilitator's HTTP API: POST /verify,
// POST /settle and GET /supported as x402 clients expect, plus a
// GET /health probe.
func (f *Local) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", f.handleHealth)
	r.GET("/supported", f.handleSupported)
	r.POST("/verify", f.handleVerify)
	r.POST("/settle", f.handleSettle)
	return r
}

func (f *Local) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"networks": f.networks,
	})
}

func (f *Local) handleSupported(c *gin.Context) {
	kinds := make([]server.SupportedKind, 0, len(f.networks))
	for _, network := range f.networks {
		kind := server.SupportedKind{
			X402Version: paygate.SupportedVersion,
			Scheme:      paygate.SchemeExact,
			Network:     network,
		}
		if paygate.IsSVMNetwork(network) && f.feePayer != "" {
			kind.Extra = map[string]string{"feePayer": f.feePayer}
		}
		kinds = append(kinds, kind)
	}
	c.JSON(http.StatusOK, gin.H{"kinds": kinds})
}

func (f *Local) handleVerify(c *gin.Context) {
	var req server.VerifyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, f.verify(&req))
}

func (f *Local) handleSettle(c *gin.Context) {
	var req server.SettleRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, f.settle(&req))
}

func (f *Local) verify(req *server.VerifyRequest) server.VerifyResponse {
	payload := req.PaymentPayload
	requirement := req.PaymentRequirements
	if payload == nil || requirement == nil {
		return invalid(reasonMissingPayload)
	}
	if req.X402Version != paygate.SupportedVersion || payload.X402Version != paygate.SupportedVersion {
		return invalid(reasonInvalidVersion)
	}
	if payload.Scheme != paygate.SchemeExact || requirement.Scheme != paygate.SchemeExact {
		return invalid(reasonUnsupportedScheme)
	}
	if payload.Network != requirement.Network {
		return invalid(reasonNetworkMismatch)
	}
	if !f.supportsNetwork(payload.Network) {
		return invalid(reasonUnsupportedNetwork)
	}
	if paygate.IsSVMNetwork(payload.Network) {
		return f.verifySVM(payload)
	}
	return f.verifyEVM(payload, requirement)
}

func (f *Local) verifyEVM(payload *paygate.PaymentPayload, requirement *paygate.PaymentRequirement) server.VerifyResponse {
	sig := payload.Payload.Signature
	auth := payload.Payload.Authorization
	if sig == "" || auth == nil {
		return invalid(reasonMissingPayload)
	}
	if auth.Value != requirement.MaxAmountRequired {
		return invalid(reasonValueMismatch)
	}
	if !strings.EqualFold(auth.To, requirement.PayTo) {
		return invalid(reasonRecipientMismatch)
	}

	now := time.Now().Unix()
	if before, err := strconv.ParseInt(auth.ValidBefore, 10, 64); err != nil || before <= now {
		return invalid(reasonExpired)
	}
	if after, err := strconv.ParseInt(auth.ValidAfter, 10, 64); err != nil || after > now {
		return invalid(reasonNotYetValid)
	}
	if f.nonces.Has(nonceKey(payload.Network, auth.Nonce)) {
		return invalid(server.InvalidReasonReplay)
	}

	if !f.skipSignatureCheck {
		if err := verifyAuthorizationSignature(requirement, auth, sig); err != nil {
			f.logger.Debug("rejecting payment signature", "error", err)
			return invalid(reasonInvalidSignature)
		}
	}
	return server.VerifyResponse{IsValid: true, Payer: auth.From}
}

func (f *Local) verifySVM(payload *paygate.PaymentPayload) server.VerifyResponse {
	encoded := payload.Payload.Transaction
	if encoded == "" {
		return invalid(reasonMissingPayload)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return invalid(reasonInvalidTransaction)
	}
	if f.nonces.Has(nonceKey(payload.Network, encoded)) {
		return invalid(server.InvalidReasonReplay)
	}

	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		if f.skipSignatureCheck {
			return server.VerifyResponse{IsValid: true}
		}
		return invalid(reasonInvalidTransaction)
	}
	payer := svmPayer(tx)
	if payer == "" && !f.skipSignatureCheck {
		return invalid(reasonInvalidTransaction)
	}
	return server.VerifyResponse{IsValid: true, Payer: payer}
}

func (f *Local) settle(req *server.SettleRequest) server.SettleResponse {
	network := ""
	if req.PaymentPayload != nil {
		network = req.PaymentPayload.Network
	}

	verdict := f.verify(&server.VerifyRequest{
		X402Version:         req.X402Version,
		PaymentPayload:      req.PaymentPayload,
		PaymentRequirements: req.PaymentRequirements,
	})
	if !verdict.IsValid {
		return server.SettleResponse{Network: network, ErrorReason: verdict.InvalidReason}
	}
	if f.settleFailure != "" {
		return server.SettleResponse{Network: network, Payer: verdict.Payer, ErrorReason: f.settleFailure}
	}

	// The nonce is burned only once settlement succeeds; a failed
	// settlement leaves the authorization replayable, as on-chain.
	f.nonces.Set(nonceKey(network, paymentNonce(req.PaymentPayload)), verdict.Payer)

	tx := simulatedTxHash(network)
	f.logger.Info("payment settled", "network", network, "payer", verdict.Payer, "transaction", tx)
	return server.SettleResponse{
		Success:     true,
		Payer:       verdict.Payer,
		Transaction: tx,
		Network:     network,
	}
}

func (f *Local) supportsNetwork(network string) bool {
	for _, n := range f.networks {
		if n == network {
			return true
		}
	}
	return false
}

func invalid(reason string) server.VerifyResponse {
	return server.VerifyResponse{InvalidReason: reason}
}

func nonceKey(network, nonce string) string {
	return network + ":" + nonce
}

// paymentNonce returns the replay-protection key material of a payload:
// the EIP-3009 nonce on EVM networks, the whole encoded transaction on
// SVM networks.
func paymentNonce(payload *paygate.PaymentPayload) string {
	if payload.Payload.Authorization != nil {
		return payload.Payload.Authorization.Nonce
	}
	return payload.Payload.Transaction
}

// verifyAuthorizationSignature recovers the EIP-712 signer of the
// authorization and checks it against the claimed payer.
func verifyAuthorizationSignature(requirement *paygate.PaymentRequirement, auth *paygate.PaymentAuthorization, signature string) error {
	typedData, err := paygate.TransferAuthorizationTypedData(requirement, auth)
	if err != nil {
		return err
	}
	sigHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}
	// Undo the Ethereum recovery id convention before SigToPub.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(sigHash, sig)
	if err != nil {
		return fmt.Errorf("recovering signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub).Hex(); !strings.EqualFold(recovered, auth.From) {
		return fmt.Errorf("signed by %s, authorization names %s", recovered, auth.From)
	}
	return nil
}

// svmPayer extracts the paying wallet from a partially signed SPL
// transfer by decoding its token instruction and reading the owner.
func svmPayer(tx *solana.Transaction) string {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.TokenProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		decoded, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		switch t := decoded.Impl.(type) {
		case *token.Transfer:
			return t.GetOwnerAccount().PublicKey.String()
		case *token.TransferChecked:
			return t.GetOwnerAccount().PublicKey.String()
		}
	}
	return ""
}

// simulatedTxHash fabricates a transaction id in the shape the network
// would produce: a 32-byte hex hash on EVM, a base58 signature on SVM.
func simulatedTxHash(network string) string {
	if paygate.IsSVMNetwork(network) {
		var sig solana.Signature
		for off := 0; off < len(sig); off += 16 {
			id := uuid.New()
			copy(sig[off:], id[:])
		}
		return sig.String()
	}
	a, b := uuid.New(), uuid.New()
	return "0x" + hex.EncodeToString(append(a[:], b[:]...))
}
