package paygate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const remoteTokenValidity = 2 * time.Minute

// RemoteSigner delegates EIP-712 signing to an external key-management
// service so the paying key never lives in this process. Requests are
// authenticated with short-lived JWTs signed by an API key.
type RemoteSigner struct {
	baseURL    *url.URL
	address    string
	apiKeyName string
	privateKey any
	alg        jose.SignatureAlgorithm
	networks   map[string]bool
	httpClient *http.Client
}

// RemoteSignerConfig configures a RemoteSigner.
type RemoteSignerConfig struct {
	// BaseURL is the signing service endpoint.
	BaseURL string

	// Address is the on-chain address whose key the service holds.
	Address string

	// APIKeyName identifies the API key; it becomes the JWT kid header
	// and subject.
	APIKeyName string

	// APIKeySecret is the PEM-encoded ECDSA or Ed25519 private key used
	// to sign request JWTs.
	APIKeySecret string

	// Networks restricts which networks this signer pays on. Empty
	// means every EVM network in the chain registry.
	Networks []string

	// HTTPClient overrides the default 30 second client.
	HTTPClient *http.Client
}

// remoteClaims extends the standard JWT claims with the request URI
// and a hash of the request body.
type remoteClaims struct {
	*jwt.Claims
	URI     string `json:"uri"`
	ReqHash string `json:"reqHash,omitempty"`
}

// NewRemoteSigner creates a signer backed by an external signing service.
func NewRemoteSigner(cfg RemoteSignerConfig) (*RemoteSigner, error) {
	if cfg.APIKeyName == "" {
		return nil, fmt.Errorf("%w: api key name must not be empty", ErrInvalidConfig)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: signer address must not be empty", ErrInvalidConfig)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid signing service URL %q", ErrInvalidConfig, cfg.BaseURL)
	}

	block, _ := pem.Decode([]byte(cfg.APIKeySecret))
	if block == nil {
		return nil, fmt.Errorf("%w: api key secret is not valid PEM", ErrInvalidPrivateKey)
	}

	var privateKey any
	privateKey, err = x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
	}

	alg := jose.EdDSA
	if _, ok := privateKey.(*ecdsa.PrivateKey); ok {
		alg = jose.ES256
	}

	networks := make(map[string]bool)
	if len(cfg.Networks) == 0 {
		for n := range NetworkChainIDs {
			networks[n] = true
		}
	} else {
		for _, n := range cfg.Networks {
			if _, ok := NetworkChainIDs[n]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, n)
			}
			networks[n] = true
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &RemoteSigner{
		baseURL:    base,
		address:    cfg.Address,
		apiKeyName: cfg.APIKeyName,
		privateKey: privateKey,
		alg:        alg,
		networks:   networks,
		httpClient: httpClient,
	}, nil
}

func (s *RemoteSigner) GetAddress() string {
	return s.address
}

func (s *RemoteSigner) SupportsNetwork(network string) bool {
	return s.networks[network]
}

func (s *RemoteSigner) HasAsset(asset, network string) bool {
	return s.networks[network]
}

// SignPayment builds the authorization locally and asks the signing
// service for the EIP-712 signature over it.
func (s *RemoteSigner) SignPayment(ctx context.Context, req PaymentRequirement) (*PaymentPayload, error) {
	auth, err := newAuthorization(s.address, &req)
	if err != nil {
		return nil, err
	}

	typedData, err := TransferAuthorizationTypedData(&req, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signature, err := s.signTypedData(ctx, typedData)
	if err != nil {
		return nil, err
	}

	return &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: PaymentPayloadData{
			Signature:     signature,
			Authorization: auth,
		},
	}, nil
}

func (s *RemoteSigner) signTypedData(ctx context.Context, typedData apitypes.TypedData) (string, error) {
	path := fmt.Sprintf("/accounts/%s/sign/typed-data", s.address)

	body, err := json.Marshal(typedData)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	endpoint := *s.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	token, err := s.bearerToken(http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: signing service returned %d: %s", ErrSigningFailed, resp.StatusCode, string(respBody))
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if result.Signature == "" {
		return "", fmt.Errorf("%w: signing service returned an empty signature", ErrSigningFailed)
	}
	return result.Signature, nil
}

// bearerToken mints a short-lived JWT covering one request. The uri
// claim binds it to the method, host and path; reqHash binds it to the
// body.
func (s *RemoteSigner) bearerToken(method, path string, body []byte) (string, error) {
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: s.alg, Key: s.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.apiKeyName),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	var reqHash string
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		reqHash = hex.EncodeToString(sum[:])
	}

	now := time.Now()
	claims := &remoteClaims{
		Claims: &jwt.Claims{
			Subject:   s.apiKeyName,
			Issuer:    "mcp-paygate",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(remoteTokenValidity)),
		},
		URI:     fmt.Sprintf("%s %s%s", method, s.baseURL.Host, path),
		ReqHash: reqHash,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}
