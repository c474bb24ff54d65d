package txmonitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-labs/warchest/internal/chainrpc"
	"github.com/warchest-labs/warchest/internal/store"
)

func TestValidateTxID(t *testing.T) {
	valid := "3NqYhh9CzfeT6xH3FmkqxtG4fG9vF4gqXkqF6FkQZF2mTqz9oR" // 50 base58 chars
	require.NoError(t, ValidateTxID(valid))

	assert.ErrorIs(t, ValidateTxID("short"), ErrInvalidInput)
	assert.ErrorIs(t, ValidateTxID("0OIl-not-base58-chars-that-is-long-enough-to-pass-len"), ErrInvalidInput)
}

type fakeRPC struct {
	checkResults []chainrpc.TxCheckResult
	checkErrs    []error
	callCount    int
	parsed       *chainrpc.ParsedTransaction
}

func (f *fakeRPC) CheckTransaction(ctx context.Context, signature string) (*chainrpc.TxCheckResult, error) {
	idx := f.callCount
	f.callCount++
	if idx < len(f.checkErrs) && f.checkErrs[idx] != nil {
		return nil, f.checkErrs[idx]
	}
	if idx < len(f.checkResults) {
		r := f.checkResults[idx]
		return &r, nil
	}
	return &chainrpc.TxCheckResult{Status: "NOT_FOUND"}, nil
}

func (f *fakeRPC) GetTransaction(ctx context.Context, signature string) (*chainrpc.ParsedTransaction, error) {
	return f.parsed, nil
}

func TestRun_RetryExhaustionAfterTransientErrors(t *testing.T) {
	rpc := &fakeRPC{checkErrs: []error{errors.New("transient"), errors.New("transient")}}
	job := Job{TxID: "3NqYhh9CzfeT6xH3FmkqxtG4fG9vF4gqXkqF6FkQZF2mTqz9oR", Mint: "MINT"}
	opts := Options{MaxPollAttempts: 2, PollGap: time.Millisecond}

	_, err := Run(context.Background(), job, rpc, nil, nil, opts)
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 2, rpc.callCount)
}

func TestRun_ConfirmedBuildsInsightAndTradeEvent(t *testing.T) {
	rpc := &fakeRPC{
		checkResults: []chainrpc.TxCheckResult{{Status: "SUCCESS"}},
		parsed: &chainrpc.ParsedTransaction{
			Meta: struct {
				Err               any                       `json:"err"`
				Fee               uint64                    `json:"fee"`
				PreBalances       []uint64                   `json:"preBalances"`
				PostBalances      []uint64                   `json:"postBalances"`
				PreTokenBalances  []chainrpc.TokenBalance `json:"preTokenBalances"`
				PostTokenBalances []chainrpc.TokenBalance `json:"postTokenBalances"`
			}{
				Fee:          5000,
				PreBalances:  []uint64{2_000_000_000},
				PostBalances: []uint64{1_000_000_000}, // spent 1 SOL => buy
				PostTokenBalances: []chainrpc.TokenBalance{
					{Mint: "TOKEN", UITokenAmount: struct {
						UIAmount float64 `json:"uiAmount"`
						Amount   string  `json:"amount"`
						Decimals int     `json:"decimals"`
					}{UIAmount: 100}},
				},
			},
		},
	}
	job := Job{TxID: "3NqYhh9CzfeT6xH3FmkqxtG4fG9vF4gqXkqF6FkQZF2mTqz9oR", Mint: "TOKEN"}
	opts := Options{MaxPollAttempts: 5, PollGap: time.Millisecond, SolUsdPrice: 100}

	result, err := Run(context.Background(), job, rpc, nil, &noopStore{}, opts)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, "confirmed", result.Status.Category())
	require.NotNil(t, result.Insight)
	assert.Equal(t, SideBuy, result.Insight.Side)
	require.NotNil(t, result.Trade)
	assert.Equal(t, 100.0, result.Trade.TokenAmount)
}

func TestRun_FailedStatusCategory(t *testing.T) {
	rpc := &fakeRPC{checkResults: []chainrpc.TxCheckResult{{Status: "FAILED"}}, parsed: &chainrpc.ParsedTransaction{}}
	job := Job{TxID: "3NqYhh9CzfeT6xH3FmkqxtG4fG9vF4gqXkqF6FkQZF2mTqz9oR"}
	result, err := Run(context.Background(), job, rpc, nil, nil, Options{MaxPollAttempts: 3, PollGap: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "failed", result.Status.Category())
}

func TestRun_TimeoutStatusCategory(t *testing.T) {
	rpc := &fakeRPC{} // always NOT_FOUND
	job := Job{TxID: "3NqYhh9CzfeT6xH3FmkqxtG4fG9vF4gqXkqF6FkQZF2mTqz9oR"}
	result, err := Run(context.Background(), job, rpc, nil, nil, Options{MaxPollAttempts: 2, PollGap: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Equal(t, "processed", result.Status.Category())
}

type noopStore struct{ store.Store }

func (noopStore) RecordTradeEvent(ev store.TradeEvent) error { return nil }
