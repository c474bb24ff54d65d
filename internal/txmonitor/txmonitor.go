// Package txmonitor implements the transaction monitor state machine:
// subscribed -> polling -> terminal(confirmed|failed|timeout), insight
// recovery, and trade-event construction.
package txmonitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/warchest-labs/warchest/internal/chainrpc"
	"github.com/warchest-labs/warchest/internal/store"
)

// Status is a job's terminal (or in-flight) state.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusPolling    Status = "polling"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Category is the coarse bucket a HUD event's statusCategory field
// takes: confirmed=>confirmed, failed=>failed, timeout=>processed.
func (s Status) Category() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "processed"
	default:
		return "unknown"
	}
}

// ErrInvalidInput is returned for a malformed txid; never retried.
var ErrInvalidInput = errors.New("txmonitor: invalid input")

// ErrRetryExhausted is returned when the polling attempt budget is spent
// on transient errors without reaching a terminal state.
var ErrRetryExhausted = errors.New("txmonitor: retry exhausted")

const (
	defaultMaxPollAttempts = 40
	defaultPollGap         = 1500 * time.Millisecond
	epsilon                = 1e-9
)

var stableMints = map[string]bool{
	"USDC": true, "USDT": true, "USD1": true,
}

// Job is one in-flight or completed transaction-monitor run.
type Job struct {
	TxID         string
	WalletPubkey string
	WalletID     string
	WalletAlias  string
	Mint         string
	Side         string // expected side, informational only
	Size         float64
	SlippagePct  float64
}

// RPC is the narrow subset of chainrpc.Client the monitor needs.
type RPC interface {
	CheckTransaction(ctx context.Context, signature string) (*chainrpc.TxCheckResult, error)
	GetTransaction(ctx context.Context, signature string) (*chainrpc.ParsedTransaction, error)
}

// Subscriber is the narrow subset of chainrpc.Subscriber the monitor
// needs for the "subscribed" state.
type Subscriber interface {
	WaitForConfirmation(signature string, callback func(chainrpc.SignatureUpdate)) error
}

// Side classifications for an insight.
const (
	SideBuy      = "buy"
	SideSell     = "sell"
	SideTransfer = "transfer"
)

// Insight is the recovered trade classification from a terminal
// transaction.
type Insight struct {
	Mint       string
	Side       string
	TokenDelta float64
	SolDelta   float64
}

// TradeEvent is the trade record built from a terminal transaction.
type TradeEvent struct {
	Mint             string
	Side             string
	TokenAmount      float64
	SolAmount        float64
	PriceSolPerToken float64
	PriceUsdPerToken float64
	SolUsdPrice      float64
	FeesSol          float64
	FeesUsd          float64
	SlippagePct      float64
	PriceImpactPct   float64
	ExecutedAt       time.Time
}

// Result is what Run returns.
type Result struct {
	Status     Status
	Slot       uint64
	ErrMessage string // non-empty for confirmed-on-chain failures
	Insight    *Insight
	Trade      *TradeEvent
}

// ValidateTxID enforces the signature format: base58, 32-88 characters.
func ValidateTxID(txid string) error {
	if len(txid) < 32 || len(txid) > 88 {
		return fmt.Errorf("%w: txid length %d out of range [32,88]", ErrInvalidInput, len(txid))
	}
	if _, err := base58.Decode(txid); err != nil {
		return fmt.Errorf("%w: not valid base58: %v", ErrInvalidInput, err)
	}
	return nil
}

// Options tunes the polling loop; zero values fall back to the spec's
// defaults (40 attempts, 1.5s gap).
type Options struct {
	MaxPollAttempts int
	PollGap         time.Duration
	SolUsdPrice     float64 // used to convert sol-denominated amounts to usd
}

func (o Options) withDefaults() Options {
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = defaultMaxPollAttempts
	}
	if o.PollGap <= 0 {
		o.PollGap = defaultPollGap
	}
	return o
}

// Run drives one job from subscription (if a subscriber is given) through
// polling to a terminal state, recovers the insight, builds the trade
// event, and persists it (best-effort). It returns exactly one of
// {confirmed, failed, timeout} in Result.Status.
func Run(ctx context.Context, job Job, rpc RPC, sub Subscriber, st store.Store, opts Options) (Result, error) {
	if err := ValidateTxID(job.TxID); err != nil {
		return Result{}, err
	}
	opts = opts.withDefaults()

	terminalCheck, err := awaitTerminal(ctx, job, rpc, sub, opts)
	if err != nil {
		return Result{}, err
	}

	status := StatusConfirmed
	if terminalCheck.Status == "FAILED" {
		status = StatusFailed
	} else if terminalCheck.Status == "" {
		status = StatusTimeout
	}

	result := Result{Status: status, Slot: terminalCheck.Slot}
	if terminalCheck.Err != nil {
		result.ErrMessage = fmt.Sprint(terminalCheck.Err)
	}

	if status == StatusTimeout {
		return result, nil
	}

	parsed, err := rpc.GetTransaction(ctx, job.TxID)
	if err == nil && parsed != nil {
		if result.Slot == 0 {
			result.Slot = parsed.Slot
		}
		insight := recoverInsight(job, parsed)
		result.Insight = &insight
		trade := buildTradeEvent(job, parsed, insight, opts)
		result.Trade = &trade

		if status == StatusConfirmed && st != nil {
			if err := st.RecordTradeEvent(store.TradeEvent{
				TxID: job.TxID, WalletID: job.WalletID, WalletAlias: job.WalletAlias,
				Mint: trade.Mint, Side: trade.Side, TokenAmount: trade.TokenAmount, SolAmount: trade.SolAmount,
				PriceSolPerToken: trade.PriceSolPerToken, PriceUsdPerToken: trade.PriceUsdPerToken,
				SolUsdPrice: trade.SolUsdPrice, FeesSol: trade.FeesSol, FeesUsd: trade.FeesUsd,
				SlippagePct: trade.SlippagePct, PriceImpactPct: trade.PriceImpactPct, ExecutedAt: trade.ExecutedAt,
			}); err != nil {
				// SideEffectFailure: logged and swallowed, never changes the returned status.
				log.Warn().Err(err).Str("txid", job.TxID).Msg("failed to persist trade event")
			}
		}
	}

	return result, nil
}

type terminalCheck struct {
	Status string // "SUCCESS" | "FAILED" | "" (timeout)
	Slot   uint64
	Err    any
}

// awaitTerminal implements the subscribed->polling->terminal transitions.
func awaitTerminal(ctx context.Context, job Job, rpc RPC, sub Subscriber, opts Options) (terminalCheck, error) {
	if sub != nil {
		resultCh := make(chan chainrpc.SignatureUpdate, 1)
		if err := sub.WaitForConfirmation(job.TxID, func(u chainrpc.SignatureUpdate) { resultCh <- u }); err == nil {
			select {
			case u := <-resultCh:
				if u.Err != nil {
					return terminalCheck{Status: "FAILED", Slot: u.Slot, Err: u.Err}, nil
				}
				return terminalCheck{Status: "SUCCESS", Slot: u.Slot}, nil
			case <-time.After(opts.PollGap):
				// no event within the first fetch window; fall through to polling
			case <-ctx.Done():
				return terminalCheck{}, ctx.Err()
			}
		}
		// subscription error -> polling, per the state diagram
	}

	return pollUntilTerminal(ctx, job, rpc, opts)
}

func pollUntilTerminal(ctx context.Context, job Job, rpc RPC, opts Options) (terminalCheck, error) {
	var lastErr error
	for attempt := 1; attempt <= opts.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return terminalCheck{}, ctx.Err()
		default:
		}

		check, err := rpc.CheckTransaction(ctx, job.TxID)
		if err != nil {
			lastErr = err
			time.Sleep(opts.PollGap)
			continue
		}
		switch check.Status {
		case "SUCCESS":
			return terminalCheck{Status: "SUCCESS", Slot: check.Slot}, nil
		case "FAILED":
			return terminalCheck{Status: "FAILED", Slot: check.Slot, Err: check.ErrorDetails}, nil
		default:
			// NOT_FOUND: still pending, keep polling
		}
		time.Sleep(opts.PollGap)
	}
	if lastErr != nil {
		return terminalCheck{}, fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr)
	}
	return terminalCheck{}, nil // exhausted without a transient error => timeout, not RetryExhausted
}

// recoverInsight identifies the wallet's token delta for the target mint
// and its SOL delta, choosing the mint whose absolute delta is largest
// among non-numeraire mints.
func recoverInsight(job Job, tx *chainrpc.ParsedTransaction) Insight {
	solDelta := solBalanceDelta(tx)

	bestMint := job.Mint
	bestDelta := 0.0
	deltas := tokenBalanceDeltas(tx)
	for mint, delta := range deltas {
		if stableMints[strings.ToUpper(mint)] {
			continue
		}
		if math.Abs(delta) > math.Abs(bestDelta) {
			bestMint, bestDelta = mint, delta
		}
	}

	insight := Insight{Mint: bestMint, TokenDelta: bestDelta, SolDelta: solDelta}

	switch {
	case math.Abs(bestDelta) > epsilon && solDelta < -epsilon:
		insight.Side = SideBuy
	case solDelta > epsilon:
		insight.Side = SideSell
	default:
		insight.Side = SideTransfer
	}
	return insight
}

func solBalanceDelta(tx *chainrpc.ParsedTransaction) float64 {
	if len(tx.Meta.PreBalances) == 0 || len(tx.Meta.PostBalances) == 0 {
		return 0
	}
	pre := float64(tx.Meta.PreBalances[0])
	post := float64(tx.Meta.PostBalances[0])
	return (post - pre) / 1e9
}

func tokenBalanceDeltas(tx *chainrpc.ParsedTransaction) map[string]float64 {
	pre := make(map[string]float64)
	for _, b := range tx.Meta.PreTokenBalances {
		pre[b.Mint] += b.UITokenAmount.UIAmount
	}
	out := make(map[string]float64)
	for _, b := range tx.Meta.PostTokenBalances {
		out[b.Mint] = b.UITokenAmount.UIAmount - pre[b.Mint]
		delete(pre, b.Mint)
	}
	for mint, amt := range pre {
		out[mint] = -amt
	}
	return out
}

func buildTradeEvent(job Job, tx *chainrpc.ParsedTransaction, insight Insight, opts Options) TradeEvent {
	executedAt := time.Now()
	if tx.BlockTime != nil {
		executedAt = time.Unix(*tx.BlockTime, 0)
	}

	feesSol := float64(tx.Meta.Fee) / 1e9
	feesUsd := feesSol * opts.SolUsdPrice

	priceSolPerToken := 0.0
	if insight.TokenDelta != 0 {
		priceSolPerToken = math.Abs(insight.SolDelta) / math.Abs(insight.TokenDelta)
	}
	priceUsdPerToken := priceSolPerToken * opts.SolUsdPrice

	return TradeEvent{
		Mint: insight.Mint, Side: insight.Side,
		TokenAmount: math.Abs(insight.TokenDelta), SolAmount: math.Abs(insight.SolDelta),
		PriceSolPerToken: priceSolPerToken, PriceUsdPerToken: priceUsdPerToken,
		SolUsdPrice: opts.SolUsdPrice, FeesSol: feesSol, FeesUsd: feesUsd,
		SlippagePct: job.SlippagePct, ExecutedAt: executedAt,
	}
}
