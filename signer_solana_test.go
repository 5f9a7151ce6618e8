package paygate

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gagliardetto/solana-go"
)

func TestNewSolanaSigner(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	t.Run("DefaultsToBothNetworks", func(t *testing.T) {
		signer, err := NewSolanaSigner(key.String())
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey().String(), signer.GetAddress())
		assert.True(t, signer.SupportsNetwork(NetworkSolana))
		assert.True(t, signer.SupportsNetwork(NetworkSolanaDevnet))
		assert.False(t, signer.SupportsNetwork("base"))
	})

	t.Run("ExplicitNetwork", func(t *testing.T) {
		signer, err := NewSolanaSigner(key.String(), NetworkSolanaDevnet)
		require.NoError(t, err)
		assert.True(t, signer.SupportsNetwork(NetworkSolanaDevnet))
		assert.False(t, signer.SupportsNetwork(NetworkSolana))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		_, err := NewSolanaSigner("not-base58!!!")
		assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	})

	t.Run("EVMNetworkRefused", func(t *testing.T) {
		_, err := NewSolanaSigner(key.String(), "base")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	})
}

func TestSolanaSigner_HasAsset(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := NewSolanaSigner(key.String(), NetworkSolanaDevnet)
	require.NoError(t, err)

	// Any valid mint on a supported network passes.
	assert.True(t, signer.HasAsset(USDCMintSolanaDevnet, NetworkSolanaDevnet))
	assert.False(t, signer.HasAsset("not-a-mint!!!", NetworkSolanaDevnet))
	assert.False(t, signer.HasAsset(USDCMintSolana, NetworkSolana))
}

func TestMockSolanaSigner(t *testing.T) {
	address := "EetqiU5xqJe8HG1x3yQQZxcCARBbGvSHkcIzFABJtZCK"

	t.Run("DefaultsToDevnet", func(t *testing.T) {
		signer := NewMockSolanaSigner(address)
		assert.Equal(t, address, signer.GetAddress())
		assert.True(t, signer.SupportsNetwork(NetworkSolanaDevnet))
		assert.False(t, signer.SupportsNetwork(NetworkSolana))
		assert.True(t, signer.HasAsset(USDCMintSolanaDevnet, NetworkSolanaDevnet))
	})

	t.Run("SignsFakeTransaction", func(t *testing.T) {
		signer := NewMockSolanaSigner(address)

		req := PaymentRequirement{
			X402Version:       SupportedVersion,
			Scheme:            SchemeExact,
			Network:           NetworkSolanaDevnet,
			Asset:             USDCMintSolanaDevnet,
			PayTo:             address,
			MaxAmountRequired: "10000",
		}
		payment, err := signer.SignPayment(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, SupportedVersion, payment.X402Version)
		assert.Equal(t, NetworkSolanaDevnet, payment.Network)
		assert.Empty(t, payment.Payload.Signature)
		assert.Nil(t, payment.Payload.Authorization)

		// SVM proofs carry a base64 transaction instead.
		_, err = base64.StdEncoding.DecodeString(payment.Payload.Transaction)
		require.NoError(t, err)
	})

	t.Run("RejectsBadAmounts", func(t *testing.T) {
		signer := NewMockSolanaSigner(address)

		req := PaymentRequirement{Network: NetworkSolanaDevnet, MaxAmountRequired: "zero"}
		_, err := signer.SignPayment(context.Background(), req)
		require.Error(t, err)

		req.MaxAmountRequired = "0"
		_, err = signer.SignPayment(context.Background(), req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
	})
}
