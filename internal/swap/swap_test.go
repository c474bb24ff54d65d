package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote_ParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MINT", r.URL.Query().Get("inputMint"))
		assert.Equal(t, SOLMint, r.URL.Query().Get("outputMint"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inAmount":       "1000",
			"outAmount":      "42",
			"priceImpactPct": "0.25",
		})
	}))
	defer server.Close()

	exec := NewJupiterExecutor(server.URL, 5*time.Second, nil, nil)
	quote, err := exec.Quote(context.Background(), "MINT", SOLMint, 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), quote.InAmount)
	assert.Equal(t, uint64(42), quote.OutAmount)
	assert.InDelta(t, 0.25, quote.PriceImpactPct, 1e-9)
	assert.NotEmpty(t, quote.Raw)
}

func TestQuote_HTTPErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	exec := NewJupiterExecutor(server.URL, 5*time.Second, nil, nil)
	_, err := exec.Quote(context.Background(), "MINT", SOLMint, 1000, 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSubmit_SignsAndSends(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var payload map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "quoteResponse")
		_ = json.NewEncoder(w).Encode(map[string]string{"swapTransaction": "unsigned-b64"})
	}))
	defer server.Close()

	var signedIn, sentIn string
	sign := func(ctx context.Context, unsigned string) (string, error) {
		signedIn = unsigned
		return "signed-b64", nil
	}
	send := func(ctx context.Context, signed string) (string, error) {
		sentIn = signed
		return "txid-123", nil
	}

	exec := NewJupiterExecutor(server.URL, 5*time.Second, sign, send)
	result, err := exec.Submit(context.Background(), &Quote{Raw: json.RawMessage(`{}`), PriceImpactPct: 1.5})
	require.NoError(t, err)
	assert.Equal(t, "unsigned-b64", signedIn)
	assert.Equal(t, "signed-b64", sentIn)
	assert.Equal(t, "txid-123", result.TxID)
	assert.InDelta(t, 1.5, result.PriceImpactPct, 1e-9)
}

func TestSubmit_SignFailureAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"swapTransaction": "unsigned-b64"})
	}))
	defer server.Close()

	sent := false
	exec := NewJupiterExecutor(server.URL, 5*time.Second,
		func(ctx context.Context, unsigned string) (string, error) { return "", assert.AnError },
		func(ctx context.Context, signed string) (string, error) { sent = true; return "tx", nil })

	_, err := exec.Submit(context.Background(), &Quote{Raw: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.False(t, sent, "send must not run when signing fails")
}
