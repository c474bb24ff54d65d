package sellops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warchest-labs/warchest/internal/decision"
	"github.com/warchest-labs/warchest/internal/evaluation"
	"github.com/warchest-labs/warchest/internal/hub"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/strategy"
)

const (
	defaultSlowPeriod    = 60 * time.Second
	defaultFastPeriod    = 5 * time.Second
	minFastPeriod        = 1 * time.Second
	heartbeatThrottle    = 15 * time.Second
	swapJobTimeoutMs     = 30_000
	txMonitorTimeoutMs   = 120_000
)

// PricePoint is one batch-priced mint observation for the fast loop.
type PricePoint struct {
	PriceUsd   float64
	ObservedAt time.Time
}

// PriceClient fetches current USD prices for a set of mints in one batch
// call.
type PriceClient interface {
	FetchPrices(ctx context.Context, mints []string) (map[string]PricePoint, error)
}

// SwapRequest describes a sell submission the controller hands to the hub's
// swap job.
type SwapRequest struct {
	WalletID    string
	Mint        string
	TradeUUID   string
	Reason      string // strategy_exit | strategy_trim | stop_loss | trailing_stop | manual_panic
	PercentMode bool
	Percent     float64
	TokenAmount float64
}

// SwapResult is what the injected swap submitter returns; TxID triggers a
// txMonitor job when non-empty.
type SwapResult struct {
	TxID string
}

// Submitter is the narrow collaborator the controller calls through the
// hub's `swap` namespace to actually place a sell.
type Submitter interface {
	Submit(ctx context.Context, req SwapRequest) (SwapResult, error)
}

// TxMonitorStarter starts a detached txMonitor job for a just-submitted
// signature; failure to start is logged, never fatal.
type TxMonitorStarter interface {
	StartMonitor(ctx context.Context, walletID, txid string) error
}

// Autopsy runs the post-mortem for a position that disappeared from the
// open-position view between slow-loop ticks.
type Autopsy func(ctx context.Context, pos store.OpenPosition)

// Controller is one wallet's sell-ops controller: the slow evaluation
// loop and fast trailing-stop loop, sharing the trailing/costUsd maps
// under one mutex.
type Controller struct {
	WalletID    string
	WalletAlias string

	Store    store.Store
	Chart    evaluation.ChartClient
	Docs     *strategy.Set
	Hub      *hub.Coordinator
	Prices   PriceClient
	Submit   Submitter
	Monitor  TxMonitorStarter
	Autopsy  Autopsy

	ObserveOnly bool
	SlowPeriod  time.Duration
	FastPeriod  time.Duration

	// Evaluation-engine tunables passed through on every slow-loop tick;
	// zero values fall back to the engine's defaults.
	ChartLookbackMs int64
	VWAPPeriods     int
	SlopeLookback   int

	// EntryPriceFetch recovers a USD entry price when the store has none;
	// optional, threaded into each evaluation request.
	EntryPriceFetch evaluation.HistoricalPriceFunc

	mu               sync.Mutex
	trailing         map[string]*TrailingState // keyed by tradeUUID
	costUsd          map[string]float64        // keyed by tradeUUID
	lastDecisionTsMs map[string]int64          // keyed by tradeUUID
	prevTradeUUIDs   map[string]store.OpenPosition

	lastHeartbeat time.Time

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	stopReason string
}

// New constructs a Controller with its shared maps initialised.
func New(walletID, walletAlias string, st store.Store, chart evaluation.ChartClient, docs *strategy.Set, hubC *hub.Coordinator, prices PriceClient, submit Submitter, monitor TxMonitorStarter, autopsy Autopsy, observeOnly bool) *Controller {
	return &Controller{
		WalletID:         walletID,
		WalletAlias:      walletAlias,
		Store:            st,
		Chart:            chart,
		Docs:             docs,
		Hub:              hubC,
		Prices:           prices,
		Submit:           submit,
		Monitor:          monitor,
		Autopsy:          autopsy,
		ObserveOnly:      observeOnly,
		SlowPeriod:       defaultSlowPeriod,
		FastPeriod:       defaultFastPeriod,
		trailing:         make(map[string]*TrailingState),
		costUsd:          make(map[string]float64),
		lastDecisionTsMs: make(map[string]int64),
		prevTradeUUIDs:   make(map[string]store.OpenPosition),
		stopCh:           make(chan struct{}),
	}
}

// Start runs both loops until Stop is called or ctx is cancelled. Both
// loops share this controller's resources and watch the same stop signal,
// so they exit concurrently; no fast-then-slow teardown order is enforced.
func (c *Controller) Start(ctx context.Context) {
	if c.FastPeriod < minFastPeriod {
		c.FastPeriod = defaultFastPeriod
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = defaultSlowPeriod
	}

	c.wg.Add(2)
	go c.runFastLoop(ctx)
	go c.runSlowLoop(ctx)
}

// Stop cancels both loops. In-flight RPC calls complete or time out, then
// their result is discarded.
func (c *Controller) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Controller) runSlowLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.SlowPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.slowTick(ctx)
		}
	}
}

func (c *Controller) runFastLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.FastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.fastTick(ctx)
		}
	}
}

// slowTick refreshes the open-position view, autopsies positions closed
// since the previous tick, prunes per-trade state, and evaluates every
// current position.
func (c *Controller) slowTick(ctx context.Context) {
	positions, err := c.Store.LoadOpenPositions(c.WalletID)
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.WalletAlias).Msg("sellops: slow tick load open positions failed")
		return
	}

	current := make(map[string]store.OpenPosition, len(positions))
	for _, p := range positions {
		current[p.TradeUUID] = p
	}

	c.mu.Lock()
	previous := c.prevTradeUUIDs
	c.prevTradeUUIDs = current
	c.mu.Unlock()

	for tradeUUID, pos := range previous {
		if _, stillOpen := current[tradeUUID]; stillOpen {
			continue
		}
		if c.Autopsy != nil {
			c.Autopsy(ctx, pos)
		}
	}

	c.pruneClosed(current)

	for tradeUUID, pos := range current {
		c.evaluateOnePosition(ctx, tradeUUID, pos)
	}
}

// pruneClosed removes trailing-stop state and cost-basis entries for
// tradeUuids no longer open.
func (c *Controller) pruneClosed(current map[string]store.OpenPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tradeUUID := range c.trailing {
		if _, ok := current[tradeUUID]; !ok {
			delete(c.trailing, tradeUUID)
			delete(c.costUsd, tradeUUID)
			delete(c.lastDecisionTsMs, tradeUUID)
		}
	}
}

func (c *Controller) evaluateOnePosition(ctx context.Context, tradeUUID string, pos store.OpenPosition) {
	vwapPeriods := c.VWAPPeriods
	if vwapPeriods <= 0 {
		vwapPeriods = 20
	}
	slopeLookback := c.SlopeLookback
	if slopeLookback <= 0 {
		slopeLookback = 10
	}
	req := evaluation.Request{
		WalletID:      c.WalletID,
		WalletAlias:   c.WalletAlias,
		Mint:          pos.Mint,
		TradeUUID:     tradeUUID,
		Position:      pos,
		ObserveOnly:   c.ObserveOnly,
		LookbackMs:    c.ChartLookbackMs,
		VWAPPeriods:   vwapPeriods,
		SlopeLookback: slopeLookback,
		EntryPrice:    c.EntryPriceFetch,
	}
	result, err := evaluation.Execute(ctx, req, c.Store, c.Chart, c.Docs)
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.WalletAlias).Str("mint", pos.Mint).Msg("sellops: evaluation tick failed")
		return
	}
	snap := result.Evaluation

	if snap.Pnl != nil {
		c.mu.Lock()
		c.costUsd[tradeUUID] = snap.Pnl.AvgCostUsd
		c.mu.Unlock()
	}

	if !c.ObserveOnly {
		c.maybeSubmitDecision(ctx, tradeUUID, pos, result.Decision)
	}

	rec := store.EvaluationRecord{
		WalletID:       c.WalletID,
		Mint:           pos.Mint,
		TradeUUID:      tradeUUID,
		CreatedAt:      snap.CreatedAt,
		Recommendation: string(result.Decision),
		WorstSeverity:  snap.Qualify.WorstSeverity.String(),
		Warnings:       snap.Warnings,
	}
	if err := c.Store.InsertEvaluation(rec); err != nil {
		// Persistence is best-effort; the tick's decision stands either way.
		log.Warn().Err(err).Str("wallet", c.WalletAlias).Msg("sellops: persist evaluation failed")
	}

	if c.Hub != nil {
		c.Hub.PublishHudEvent(c.hudEventForEvaluation(tradeUUID, pos, snap, result.Decision))
	}
}

func (c *Controller) maybeSubmitDecision(ctx context.Context, tradeUUID string, pos store.OpenPosition, rec decision.Recommendation) {
	doc, _ := c.Docs.Get(pos.StrategyName)
	cfg := ResolveTrailingConfig(doc)

	c.mu.Lock()
	lastTs := c.lastDecisionTsMs[tradeUUID]
	c.mu.Unlock()

	if now()-lastTs < cfg.DecisionDebounceMs {
		return
	}

	switch rec {
	case decision.RecommendationExit:
		c.submitSell(ctx, tradeUUID, pos, "strategy_exit", 100, pos.CurrentTokenAmount)
	case decision.RecommendationTrim:
		if doc != nil && doc.Defaults.AllowTrim {
			trimPct := doc.Defaults.TrimPct
			if trimPct <= 0 {
				trimPct = 25
			}
			c.submitSell(ctx, tradeUUID, pos, "strategy_trim", trimPct, 0)
		}
	default:
		return
	}

	c.mu.Lock()
	c.lastDecisionTsMs[tradeUUID] = now()
	c.mu.Unlock()
}

// submitSell routes a sell through the hub's swap namespace, starting a
// txMonitor job for the resulting signature. tokenAmount takes precedence
// when finite and positive; otherwise percent is used and a warning is
// logged.
func (c *Controller) submitSell(ctx context.Context, tradeUUID string, pos store.OpenPosition, reason string, percent, tokenAmount float64) {
	req := SwapRequest{
		WalletID:  c.WalletID,
		Mint:      pos.Mint,
		TradeUUID: tradeUUID,
		Reason:    reason,
	}
	if tokenAmountFinite(tokenAmount) && tokenAmount > 0 {
		req.TokenAmount = tokenAmount
	} else {
		req.PercentMode = true
		req.Percent = percent
		log.Warn().Str("wallet", c.WalletAlias).Str("mint", pos.Mint).Msg("sellops: falling back to percent-mode sell, no finite token amount")
	}

	if c.Hub == nil || c.Submit == nil {
		return
	}

	result, err := c.Hub.Run(ctx, hub.KindSwap, c.WalletID, func(jobCtx context.Context) (any, error) {
		return c.Submit.Submit(jobCtx, req)
	}, hub.Options{TimeoutMs: swapJobTimeoutMs})
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.WalletAlias).Str("reason", reason).Msg("sellops: swap submission failed")
		return
	}

	swapResult, ok := result.(SwapResult)
	if !ok || swapResult.TxID == "" || c.Monitor == nil {
		return
	}

	if _, err := c.Hub.Run(ctx, hub.KindTxMonitor, swapResult.TxID, func(jobCtx context.Context) (any, error) {
		return nil, c.Monitor.StartMonitor(jobCtx, c.WalletID, swapResult.TxID)
	}, hub.Options{Detached: true, TimeoutMs: txMonitorTimeoutMs}); err != nil {
		log.Warn().Err(err).Str("txid", swapResult.TxID).Msg("sellops: failed to start tx monitor, continuing")
	}
}

func tokenAmountFinite(v float64) bool {
	return isFinite(v)
}

// ForceCloseAll submits a full-exit sell for every position this
// controller currently tracks as open, reason "manual_panic": an
// operator-triggered escape hatch reusing the same full-exit submission
// path as strategy_exit/stop_loss/trailing_stop.
func (c *Controller) ForceCloseAll(ctx context.Context) {
	c.mu.Lock()
	positions := make(map[string]store.OpenPosition, len(c.prevTradeUUIDs))
	for tradeUUID, pos := range c.prevTradeUUIDs {
		positions[tradeUUID] = pos
	}
	c.mu.Unlock()

	log.Warn().Str("wallet", c.WalletAlias).Int("count", len(positions)).Msg("sellops: force-closing all open positions")
	for tradeUUID, pos := range positions {
		c.submitSell(ctx, tradeUUID, pos, "manual_panic", 100, pos.CurrentTokenAmount)
	}
}

// fastTick batch-prices the watched mints and advances every priced
// position's hard-stop/trailing-stop state.
func (c *Controller) fastTick(ctx context.Context) {
	c.mu.Lock()
	prev := c.prevTradeUUIDs
	c.mu.Unlock()

	mints := make([]string, 0, len(prev))
	seen := make(map[string]bool, len(prev))
	tradeUUIDByMint := make(map[string]string, len(prev))
	for tradeUUID, pos := range prev {
		if pos.CurrentTokenAmount <= 0 || seen[pos.Mint] {
			continue
		}
		seen[pos.Mint] = true
		mints = append(mints, pos.Mint)
		tradeUUIDByMint[pos.Mint] = tradeUUID
	}

	if len(mints) == 0 {
		c.maybeHeartbeat("trailing_stop_idle", nil)
		return
	}

	if c.Prices == nil {
		return
	}
	prices, err := c.Prices.FetchPrices(ctx, mints)
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.WalletAlias).Msg("sellops: fast tick price fetch failed")
		return
	}

	nowTs := time.Now()
	watched, active, stalePriceSkips, missingCostSkips := 0, 0, 0, 0

	for mint, tradeUUID := range tradeUUIDByMint {
		watched++
		point, ok := prices[mint]
		if !ok || nowTs.Sub(point.ObservedAt) > 15*time.Second {
			stalePriceSkips++
			continue
		}

		c.mu.Lock()
		cost, hasCost := c.costUsd[tradeUUID]
		c.mu.Unlock()
		if !hasCost || cost <= 0 {
			missingCostSkips++
			continue
		}

		pos := prev[tradeUUID]
		doc, _ := c.Docs.Get(pos.StrategyName)
		cfg := ResolveTrailingConfig(doc)

		c.mu.Lock()
		state, ok := c.trailing[tradeUUID]
		if !ok {
			state = &TrailingState{}
			c.trailing[tradeUUID] = state
		}
		c.mu.Unlock()

		wasActive := state.Active
		action := Tick(state, cfg, cost, point.PriceUsd, nowTs.UnixMilli())
		if state.Active {
			active++
		}
		if !wasActive && state.Active {
			c.emitArmed(pos, state)
		}
		if action.Submit {
			c.submitSell(ctx, tradeUUID, pos, action.Reason, 100, pos.CurrentTokenAmount)
		}
	}

	heartbeatKind := "trailing_stop"
	if active > 0 {
		heartbeatKind = "trailing_stop_armed"
	}
	c.maybeHeartbeat(heartbeatKind, map[string]any{
		"watchedMints":     watched,
		"activeStops":      active,
		"stalePriceSkips":  stalePriceSkips,
		"missingCostSkips": missingCostSkips,
	})
}

// emitArmed publishes the arming transition for one tradeUuid; unlike the
// heartbeat it is never throttled, arming happens at most once per run-up.
func (c *Controller) emitArmed(pos store.OpenPosition, state *TrailingState) {
	if c.Hub == nil {
		return
	}
	ev := hub.HudEvent{
		Status: "trailing_stop:armed",
		TxSummary: map[string]any{
			"highWaterUsd": state.HighWaterUsd,
			"stopUsd":      state.StopUsd,
		},
		ObservedAt: time.Now().UTC().Format(time.RFC3339),
	}
	ev.Context.Wallet = c.WalletAlias
	ev.Context.Mint = pos.Mint
	c.Hub.PublishHudEvent(ev)
}

func (c *Controller) maybeHeartbeat(kind string, payload map[string]any) {
	if c.Hub == nil {
		return
	}
	nowTs := time.Now()
	c.mu.Lock()
	elapsed := nowTs.Sub(c.lastHeartbeat)
	if elapsed < heartbeatThrottle {
		c.mu.Unlock()
		return
	}
	c.lastHeartbeat = nowTs
	c.mu.Unlock()

	c.Hub.PublishHudEvent(hub.HudEvent{
		Status:     kind,
		TxSummary:  payload,
		ObservedAt: nowTs.UTC().Format(time.RFC3339),
	})
}

func (c *Controller) hudEventForEvaluation(tradeUUID string, pos store.OpenPosition, snap evaluation.Snapshot, rec decision.Recommendation) hub.HudEvent {
	c.mu.Lock()
	state := c.trailing[tradeUUID]
	c.mu.Unlock()

	riskControls := map[string]any{}
	if state != nil {
		riskControls["trailingActive"] = state.Active
		riskControls["highWaterUsd"] = state.HighWaterUsd
		riskControls["stopUsd"] = state.StopUsd
	}

	ev := hub.HudEvent{
		Status:     "evaluation",
		TxSummary:  fmt.Sprintf("%s recommendation=%s", pos.Mint, rec),
		Insight:    riskControls,
		ObservedAt: time.Now().UTC().Format(time.RFC3339),
	}
	ev.Context.Wallet = c.WalletAlias
	ev.Context.Mint = pos.Mint
	return ev
}
