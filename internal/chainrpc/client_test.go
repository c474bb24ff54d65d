package chainrpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, handle func(method string) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handle(req.Method)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGetLatestBlockhash(t *testing.T) {
	srv := rpcServer(t, func(method string) (any, *rpcError) {
		assert.Equal(t, "getLatestBlockhash", method)
		return map[string]any{"value": LatestBlockhash{Blockhash: "abc123", LastValidBlockHeight: 42}}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, "")
	got, err := c.GetLatestBlockhash(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Blockhash)
	assert.Equal(t, uint64(42), got.LastValidBlockHeight)
}

func TestGetBalance(t *testing.T) {
	srv := rpcServer(t, func(method string) (any, *rpcError) {
		assert.Equal(t, "getBalance", method)
		return map[string]any{"value": uint64(1_500_000_000)}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, "")
	balance, err := c.GetBalance(t.Context(), "somePubkey")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), balance)
}

func TestSendRawTransaction(t *testing.T) {
	srv := rpcServer(t, func(method string) (any, *rpcError) {
		assert.Equal(t, "sendTransaction", method)
		return "sig123", nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, "")
	sig, err := c.SendRawTransaction(t.Context(), "base64tx")
	require.NoError(t, err)
	assert.Equal(t, "sig123", sig)
}

func TestClient_PrimaryFailureFallsBackAndRecordsFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := rpcServer(t, func(method string) (any, *rpcError) {
		return map[string]any{"value": uint64(7)}, nil
	})
	defer fallback.Close()

	c := NewClient(primary.URL, fallback.URL, "")
	balance, err := c.GetBalance(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), balance)
	assert.Equal(t, 1, c.Stats().Failures)
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	c := NewClient(down.URL, down.URL, "")
	for i := 0; i < circuitOpensAfterFailures; i++ {
		_, _ = c.GetBalance(t.Context(), "x")
	}
	assert.True(t, c.Stats().CircuitOpen)
}
