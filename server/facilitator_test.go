package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

func facilitatorFixtures() (*paygate.PaymentPayload, *paygate.PaymentRequirement) {
	payment := &paygate.PaymentPayload{
		X402Version: paygate.SupportedVersion,
		Scheme:      paygate.SchemeExact,
		Network:     "base-sepolia",
		Payload: paygate.PaymentPayloadData{
			Signature: "0xsig",
			Authorization: &paygate.PaymentAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0xnonce",
			},
		},
	}
	requirement := &paygate.PaymentRequirement{
		X402Version:       paygate.SupportedVersion,
		Scheme:            paygate.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             paygate.USDCAddressBaseSepolia,
		PayTo:             "0x2222222222222222222222222222222222222222",
		Resource:          "https://example.com/tools/report",
	}
	return payment, requirement
}

func TestHTTPFacilitator_Verify(t *testing.T) {
	var got VerifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	payment, requirement := facilitatorFixtures()

	resp, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xpayer", resp.Payer)

	// The wire body carries the protocol version alongside both halves.
	assert.Equal(t, paygate.SupportedVersion, got.X402Version)
	require.NotNil(t, got.PaymentPayload)
	assert.Equal(t, "0xsig", got.PaymentPayload.Payload.Signature)
	require.NotNil(t, got.PaymentRequirements)
	assert.Equal(t, "10000", got.PaymentRequirements.MaxAmountRequired)
}

func TestHTTPFacilitator_VerifyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: InvalidReasonReplay})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	payment, requirement := facilitatorFixtures()

	resp, err := f.Verify(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, InvalidReasonReplay, resp.InvalidReason)
}

func TestHTTPFacilitator_Settle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(SettleResponse{
			Success:     true,
			Transaction: "0xdeadbeef",
			Network:     "base-sepolia",
			Payer:       "0xpayer",
		})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	payment, requirement := facilitatorFixtures()

	resp, err := f.Settle(context.Background(), payment, requirement)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xdeadbeef", resp.Transaction)
	assert.Equal(t, "base-sepolia", resp.Network)
}

func TestHTTPFacilitator_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"malformed payload"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	payment, requirement := facilitatorFixtures()

	_, err := f.Verify(context.Background(), payment, requirement)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "malformed payload")

	_, err = f.Settle(context.Background(), payment, requirement)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settle")
}

func TestHTTPFacilitator_GetSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/supported", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"kinds": []SupportedKind{
				{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
				{X402Version: 1, Scheme: "exact", Network: "solana-devnet", Extra: map[string]string{
					"feePayer": "EetqiU5xqJe8HG1x3yQQZxcCARBbGvSHkcIzFABJtZCK",
				}},
			},
		})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	kinds, err := f.GetSupported(context.Background())
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.Equal(t, "base-sepolia", kinds[0].Network)
	assert.Equal(t, "EetqiU5xqJe8HG1x3yQQZxcCARBbGvSHkcIzFABJtZCK", kinds[1].Extra["feePayer"])
}

func TestHTTPFacilitator_GetSupportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	_, err := f.GetSupported(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
