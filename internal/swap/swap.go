// Package swap is the swap-execution collaborator's default adapter, a
// Jupiter-style quote-and-swap HTTP client.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Quote is a price quote for swapping inputMint -> outputMint.
type Quote struct {
	InputMint    string
	OutputMint   string
	InAmount     uint64
	OutAmount    uint64
	PriceImpactPct float64
	Raw          json.RawMessage
}

// SubmitResult is what a swap submission returns to its caller; TxID is
// populated once the underlying transaction is signed and sent, and a
// monitor job should be started for it.
type SubmitResult struct {
	TxID         string
	SlippagePct  float64
	PriceImpactPct float64
}

// Executor is the narrow interface the hub coordinator's `swap` job
// invokes.
type Executor interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error)
	Submit(ctx context.Context, quote *Quote) (*SubmitResult, error)
}

// JupiterExecutor is the default Executor: typed request/response
// structs over a context-scoped HTTP client with a fixed timeout.
type JupiterExecutor struct {
	quoteAPIURL string
	httpClient  *http.Client
	sign        func(ctx context.Context, unsignedTxBase64 string) (signedTxBase64 string, err error)
	send        func(ctx context.Context, signedTxBase64 string) (txid string, err error)
}

// NewJupiterExecutor builds a default executor. sign and send are the
// wallet-signing and RPC-submission hooks, kept outside this package
// since they belong to the blockchain/wallet collaborator, not the swap
// quote API. The quote endpoint is latency-sensitive, so the transport
// keeps warm HTTP/2 connections to it.
func NewJupiterExecutor(quoteAPIURL string, timeout time.Duration, sign func(context.Context, string) (string, error), send func(context.Context, string) (string, error)) *JupiterExecutor {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("swap: http2 transport configuration failed, continuing with http/1.1")
	}
	return &JupiterExecutor{
		quoteAPIURL: quoteAPIURL,
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		sign:        sign,
		send:        send,
	}
}

func (j *JupiterExecutor) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	url := fmt.Sprintf("%s?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		j.quoteAPIURL, inputMint, outputMint, amount, slippageBps)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("swap: build quote request: %w", err)
	}
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swap: quote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("swap: quote http %d: %s", resp.StatusCode, string(body))
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("swap: decode quote: %w", err)
	}

	var parsed struct {
		InAmount       string  `json:"inAmount"`
		OutAmount      string  `json:"outAmount"`
		PriceImpactPct string  `json:"priceImpactPct"`
	}
	_ = json.Unmarshal(raw, &parsed)

	var inAmt, outAmt uint64
	fmt.Sscanf(parsed.InAmount, "%d", &inAmt)
	fmt.Sscanf(parsed.OutAmount, "%d", &outAmt)
	var impact float64
	fmt.Sscanf(parsed.PriceImpactPct, "%f", &impact)

	return &Quote{
		InputMint: inputMint, OutputMint: outputMint,
		InAmount: inAmt, OutAmount: outAmt, PriceImpactPct: impact, Raw: raw,
	}, nil
}

func (j *JupiterExecutor) Submit(ctx context.Context, quote *Quote) (*SubmitResult, error) {
	unsigned, err := j.requestSwapTransaction(ctx, quote)
	if err != nil {
		return nil, err
	}
	signed, err := j.sign(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("swap: sign: %w", err)
	}
	txid, err := j.send(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("swap: send: %w", err)
	}
	return &SubmitResult{TxID: txid, PriceImpactPct: quote.PriceImpactPct}, nil
}

func (j *JupiterExecutor) requestSwapTransaction(ctx context.Context, quote *Quote) (string, error) {
	payload := map[string]any{"quoteResponse": json.RawMessage(quote.Raw)}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("swap: marshal swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.quoteAPIURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("swap: build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("swap: swap request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("swap: swap http %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("swap: decode swap response: %w", err)
	}
	return result.SwapTransaction, nil
}

// SOLMint is the canonical wrapped-SOL mint address, used as the base
// asset in full-exit and trim sells.
const SOLMint = "So11111111111111111111111111111111111111112"
