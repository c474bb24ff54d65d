// Package chainrpc is the concrete JSON-RPC/WS adapter behind the
// transaction monitor and hub coordinator's narrow collaborator
// interfaces.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Client is a circuit-breaker-aware JSON-RPC 2.0 client with automatic
// fallback.
type Client struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message) }

const circuitResetAfter = 30 * time.Second
const circuitOpensAfterFailures = 5

// NewClient builds a pooled-transport RPC client against a primary and
// fallback endpoint. The transport is tuned for HTTP/2 so the per-call
// latency stays multiplexed-connection cheap under the polling load the
// transaction monitor generates.
func NewClient(primaryURL, fallbackURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("chainrpc: http2 transport configuration failed, continuing with http/1.1")
	}
	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// SignatureStatus mirrors Solana's getSignatureStatuses response shape.
type SignatureStatus struct {
	Slot               uint64 `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

// TxCheckResult is the terminal-state determination for one signature:
// FAILED iff the on-chain err is non-null, SUCCESS otherwise, NOT_FOUND
// while still pending.
type TxCheckResult struct {
	Signature          string
	Status             string // SUCCESS | FAILED | NOT_FOUND
	Slot               uint64
	ConfirmationStatus string
	ErrorDetails       any
}

// GetSignatureStatuses calls getSignatureStatuses with
// searchTransactionHistory enabled.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	req := rpcRequest{
		JSONRPC: "2.0", ID: 1, Method: "getSignatureStatuses",
		Params: []any{signatures, map[string]bool{"searchTransactionHistory": true}},
	}
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// CheckTransaction resolves a single signature's current on-chain status.
func (c *Client) CheckTransaction(ctx context.Context, signature string) (*TxCheckResult, error) {
	statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
	if err != nil {
		return nil, err
	}
	result := &TxCheckResult{Signature: signature}
	if len(statuses) == 0 || statuses[0] == nil {
		result.Status = "NOT_FOUND"
		return result, nil
	}
	status := statuses[0]
	result.Slot = status.Slot
	result.ConfirmationStatus = status.ConfirmationStatus
	if status.Err == nil {
		result.Status = "SUCCESS"
	} else {
		result.Status = "FAILED"
		result.ErrorDetails = status.Err
	}
	return result, nil
}

// GetTransaction fetches the full parsed transaction (balances, meta) used
// for insight recovery on terminal confirmation.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	req := rpcRequest{
		JSONRPC: "2.0", ID: 1, Method: "getTransaction",
		Params: []any{signature, map[string]any{"encoding": "jsonParsed", "maxSupportedTransactionVersion": 0}},
	}
	var result ParsedTransaction
	if err := c.callWithRetry(ctx, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ParsedTransaction is the subset of getTransaction's response the
// transaction monitor needs to recover a trade insight.
type ParsedTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      struct {
		Err               any      `json:"err"`
		Fee               uint64   `json:"fee"`
		PreBalances       []uint64 `json:"preBalances"`
		PostBalances      []uint64 `json:"postBalances"`
		PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
		PostTokenBalances []TokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
}

// TokenBalance is one SPL token balance entry in transaction metadata.
type TokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner"`
	UITokenAmount struct {
		UIAmount float64 `json:"uiAmount"`
		Amount   string  `json:"amount"`
		Decimals int     `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// LatestBlockhash mirrors getLatestBlockhash's response value.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetLatestBlockhash fetches the current blockhash, used by BlockhashCache
// to keep a prefetched hash ready for transaction submission.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getLatestBlockhash"}
	var result struct {
		Value LatestBlockhash `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return &result.Value, nil
}

// GetBalance fetches a pubkey's lamport balance.
func (c *Client) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBalance", Params: []any{pubkey}}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// SendRawTransaction submits a base64-encoded signed transaction and
// returns its signature. This is the send hook internal/swap's default
// executor calls once the signer has produced signed bytes; the client
// only routes them on to the chain and hands the resulting signature to
// the transaction monitor.
func (c *Client) SendRawTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0", ID: 1, Method: "sendTransaction",
		Params: []any{signedTxBase64, map[string]any{"encoding": "base64", "skipPreflight": false}},
	}
	var signature string
	if err := c.callWithRetry(ctx, req, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// callWithRetry wraps call in a bounded exponential-backoff retry (at
// most 3 retries). Every error from call is retried; transient and
// permanent failures are not told apart.
func (c *Client) callWithRetry(ctx context.Context, req rpcRequest, result any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return c.call(ctx, req, result)
	}, policy)
}

func (c *Client) call(ctx context.Context, req rpcRequest, result any) error {
	if c.isCircuitOpen() {
		return c.callURL(ctx, c.fallbackURL, req, result)
	}
	if err := c.callURL(ctx, c.primaryURL, req, result); err != nil {
		c.recordFailure()
		log.Warn().Err(err).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}
	c.recordSuccess()
	return nil
}

func (c *Client) callURL(ctx context.Context, url string, rpcReq rpcRequest, result any) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.circuitOpen {
		return false
	}
	return time.Since(c.lastFailure) <= circuitResetAfter
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= circuitOpensAfterFailures {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.circuitOpen = false
}

// Stats is a snapshot of the circuit breaker's health, embedded in the
// hub's status snapshot as health.rpcStats.
type Stats struct {
	Failures    int
	CircuitOpen bool
}

func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Failures: c.failures, CircuitOpen: c.circuitOpen}
}
