// Package evaluation composes the per-tick evaluation snapshot from the
// store and a chart/candle collaborator, computes derived metrics and
// indicators, classifies market regime, and invokes the decision engine.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/warchest-labs/warchest/internal/decision"
	"github.com/warchest-labs/warchest/internal/evaluation/indicators"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/strategy"
)

// Freshness windows: data older than these thresholds is flagged as
// stale in the snapshot's warnings.
const (
	CoinFreshWindow   = 2 * time.Minute
	PoolFreshWindow   = 2 * time.Minute
	EventsFreshWindow = 2 * time.Minute
	RiskFreshWindow   = 10 * time.Minute
)

var intervals = []string{"5m", "15m", "1h"}

// ChartClient fetches normalised OHLCV candles for a pool over a lookback
// window; the concrete chart/candle provider lives behind this interface.
type ChartClient interface {
	FetchOHLCV(ctx context.Context, poolAddress string, fromMs, toMs int64) ([]indicators.Candle, error)
}

// Request is one evaluation tick's input.
type Request struct {
	WalletID     string
	WalletAlias  string
	Mint         string
	TradeUUID    string
	Position     store.OpenPosition
	ObserveOnly  bool // set explicitly by the caller on every tick, no implicit default
	LookbackMs   int64
	VWAPPeriods  int
	SlopeLookback int

	// EntryPrice recovers a USD entry price from an external price API when
	// neither the pnl view nor the position carries one; optional.
	EntryPrice HistoricalPriceFunc
}

// Snapshot is the full, immutable per-tick evaluation snapshot: the sole
// input the decision engine ever sees.
type Snapshot struct {
	WalletAlias string
	Mint        string
	TradeUUID   string
	CreatedAt   time.Time

	Coin     *store.Coin
	BestPool *store.Pool
	Events   map[string]store.EventsWindow
	Risk     *store.Risk
	Pnl      *store.Pnl

	Derived decision.Derived

	Chart struct {
		Type     string
		Points   int
		TimeFrom int64
		TimeTo   int64
		Candles  []indicators.Candle
	}

	Indicators struct {
		RSI       *float64
		ATR       *float64
		SlopePct  *float64
		EMAFast   *float64
		EMASlow   *float64
		MACD      indicators.MACD
		VWAP      *float64
		VWAPVol   *float64
		LastClose *float64
	}

	Strategy struct {
		ID     string
		Name   string
		Source string
	}
	Qualify        decision.QualifyOutcome
	Recommendation decision.Recommendation
	Regime         Regime
	Warnings       []string
}

// Regime is the coarse market-state classification.
type Regime struct {
	Trend    string // up | down | flat | unknown
	Momentum string // bullish | bearish | neutral | unknown
	Status   string // trend_up | trend_down | bias_up | bias_down | chop
	Reasons  []string
}

// Result is what Execute returns to its caller.
type Result struct {
	Decision   decision.Recommendation
	Reasons    []string
	Evaluation Snapshot
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func ptr(f float64) *float64 {
	if !isFinite(f) {
		return nil
	}
	return &f
}

// Execute runs one full evaluation tick: load the store-backed views,
// flag freshness, compute derived metrics and indicators, classify the
// regime, and invoke the decision engine.
func Execute(ctx context.Context, req Request, st store.Store, chart ChartClient, docs *strategy.Set) (Result, error) {
	snap := Snapshot{
		WalletAlias: req.WalletAlias,
		Mint:        req.Mint,
		TradeUUID:   req.TradeUUID,
		CreatedAt:   time.Now(),
	}

	now := snap.CreatedAt

	coin, err := st.LoadCoin(req.Mint)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: load coin: %w", err)
	}
	snap.Coin = coin
	coinTime, _ := coinUpdated(coin)
	snap.Warnings = appendFreshness(snap.Warnings, "coin", coinTime, now, CoinFreshWindow)

	pool, err := st.LoadBestPool(req.Mint)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: load pool: %w", err)
	}
	snap.BestPool = pool
	poolTime, _ := poolUpdated(pool)
	snap.Warnings = appendFreshness(snap.Warnings, "pool", poolTime, now, PoolFreshWindow)

	events, err := st.LoadEvents(req.WalletID, req.Mint, intervals)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: load events: %w", err)
	}
	snap.Events = events
	for _, interval := range intervals {
		window, ok := events[interval]
		if !ok || len(window.Candles) == 0 {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("events_missing:%s", interval))
			continue
		}
		if now.Sub(window.LastUpdated) > EventsFreshWindow {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("events_stale:%s", interval))
		}
	}

	risk, err := st.LoadRisk(req.WalletID, req.Mint)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: load risk: %w", err)
	}
	snap.Risk = risk
	riskTime, _ := riskUpdated(risk)
	snap.Warnings = appendFreshness(snap.Warnings, "risk", riskTime, now, RiskFreshWindow)

	pnl, err := st.LoadPnl(req.WalletID, req.Mint, req.TradeUUID)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: load pnl: %w", err)
	}
	snap.Pnl = pnl

	entryPriceUsd := req.Position.EntryPriceUsd
	if entryPriceUsd == 0 && pnl == nil {
		recovered, rerr := RecoverEntryPrice(ctx, req.Mint, req.Position.OpenedAt, req.EntryPrice)
		if rerr != nil {
			snap.Warnings = append(snap.Warnings, "entry_price_unrecovered")
		} else {
			entryPriceUsd = recovered
		}
	}

	computeDerived(&snap, req.Position, coin, pool, pnl, entryPriceUsd)

	if chart != nil && pool != nil && pool.Address != "" {
		toMs := now.UnixMilli()
		lookback := req.LookbackMs
		if lookback <= 0 {
			lookback = int64(24 * time.Hour / time.Millisecond)
		}
		fromMs := toMs - lookback
		raw, err := chart.FetchOHLCV(ctx, pool.Address, fromMs, toMs)
		if err == nil && len(raw) > 0 {
			candles := indicators.NormalizeCandles(raw)
			snap.Chart.Type = "ohlcv"
			snap.Chart.Points = len(candles)
			snap.Chart.TimeFrom = fromMs
			snap.Chart.TimeTo = toMs
			snap.Chart.Candles = candles
			computeIndicators(&snap, candles, req.VWAPPeriods, req.SlopeLookback)
		}
	}

	snap.Regime = classifyRegime(snap)

	decSnap := decision.Snapshot{
		WalletAlias:  req.WalletAlias,
		Mint:         req.Mint,
		TradeUUID:    req.TradeUUID,
		StrategyName: req.Position.StrategyName,
		Warnings:     snap.Warnings,
		Derived:      snap.Derived,
		Fields:       flattenFields(snap, risk),
	}
	sel, qualify := decision.SelectStrategy(docs, decSnap)
	snap.Strategy.ID = sel.ID
	snap.Strategy.Name = sel.Name
	snap.Strategy.Source = sel.Source
	snap.Qualify = qualify
	snap.Recommendation = decision.Recommend(qualify.WorstSeverity)

	finalDecision := snap.Recommendation
	if req.ObserveOnly {
		finalDecision = decision.RecommendationHold
	}

	reasons := make([]string, 0, len(qualify.Results))
	for _, r := range qualify.Results {
		reasons = append(reasons, r.Reasons...)
	}

	return Result{Decision: finalDecision, Reasons: reasons, Evaluation: snap}, nil
}

func coinUpdated(c *store.Coin) (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	return c.LastUpdated, true
}

func poolUpdated(p *store.Pool) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	return p.LastUpdated, true
}

func riskUpdated(r *store.Risk) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	return r.LastUpdated, true
}

func appendFreshness(warnings []string, entity string, updated time.Time, now time.Time, window time.Duration) []string {
	if updated.IsZero() {
		return append(warnings, entity+"_missing")
	}
	if now.Sub(updated) > window {
		return append(warnings, entity+"_stale")
	}
	return warnings
}

// computeDerived fills the snapshot's derived-metrics block. All
// undefined/non-finite values propagate as null; there is never a
// division by zero.
func computeDerived(snap *Snapshot, pos store.OpenPosition, coin *store.Coin, pool *store.Pool, pnl *store.Pnl, entryPriceUsd float64) {
	switch {
	case coin != nil && isFinite(pos.CurrentTokenAmount) && pos.CurrentTokenAmount > 0 && isFinite(coin.PriceUsd):
		snap.Derived.PositionValueUsd = ptr(pos.CurrentTokenAmount * coin.PriceUsd)
	case isFinite(pos.ExpectedNotionalUsd) && pos.ExpectedNotionalUsd > 0:
		// No token amount recorded yet; size the position by its expected
		// notional so liquidity/value ratios stay meaningful.
		snap.Derived.PositionValueUsd = ptr(pos.ExpectedNotionalUsd)
	}

	switch {
	case pnl != nil && isFinite(pnl.AvgCostUsd) && isFinite(pos.CurrentTokenAmount):
		snap.Derived.CostBasisUsd = ptr(pnl.AvgCostUsd * pos.CurrentTokenAmount)
	case isFinite(entryPriceUsd) && entryPriceUsd > 0 && isFinite(pos.CurrentTokenAmount) && pos.CurrentTokenAmount > 0:
		snap.Derived.CostBasisUsd = ptr(entryPriceUsd * pos.CurrentTokenAmount)
	}

	if pnl != nil && snap.Derived.CostBasisUsd != nil && *snap.Derived.CostBasisUsd != 0 && isFinite(pnl.UnrealizedUsd) {
		snap.Derived.RoiUnrealizedPct = ptr(pnl.UnrealizedUsd / *snap.Derived.CostBasisUsd * 100)
	}

	if pnl != nil && snap.Derived.CostBasisUsd != nil && *snap.Derived.CostBasisUsd != 0 && isFinite(pnl.RealizedUsd) && isFinite(pnl.UnrealizedUsd) {
		snap.Derived.RoiTotalPct = ptr((pnl.RealizedUsd + pnl.UnrealizedUsd) / *snap.Derived.CostBasisUsd * 100)
	}

	if pool != nil && snap.Derived.PositionValueUsd != nil && *snap.Derived.PositionValueUsd != 0 && isFinite(pool.LiquidityUsd) {
		snap.Derived.LiquidityToPositionRatio = ptr(pool.LiquidityUsd / *snap.Derived.PositionValueUsd)
	}
}

func computeIndicators(snap *Snapshot, candles []indicators.Candle, vwapPeriods, slopeLookback int) {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.C
		highs[i] = c.H
		lows[i] = c.L
	}

	snap.Indicators.RSI = indicators.RSI(closes, indicators.DefaultRSIPeriod)
	snap.Indicators.ATR = indicators.ATR(highs, lows, closes, indicators.DefaultATRPeriod)
	snap.Indicators.SlopePct = indicators.Slope(closes, slopeLookback)
	snap.Indicators.EMAFast = indicators.EMA(closes, indicators.DefaultEMAFast)
	snap.Indicators.EMASlow = indicators.EMA(closes, indicators.DefaultEMASlow)
	snap.Indicators.MACD = indicators.ComputeMACD(closes, indicators.DefaultEMAFast, indicators.DefaultEMASlow, indicators.DefaultMACDSignal)
	vwap, vol := indicators.VWAP(candles, vwapPeriods)
	snap.Indicators.VWAP = vwap
	snap.Indicators.VWAPVol = vol
	if len(closes) > 0 {
		snap.Indicators.LastClose = ptr(closes[len(closes)-1])
	}
}

// classifyRegime derives the coarse market-state label from the
// indicator ensemble: trend from the EMA pair, momentum from the MACD
// histogram, with RSI bands, price-vs-VWAP and ATR/price as reasons.
func classifyRegime(snap Snapshot) Regime {
	r := Regime{Trend: "unknown", Momentum: "unknown", Status: "chop"}

	if snap.Indicators.EMAFast != nil && snap.Indicators.EMASlow != nil {
		diff := *snap.Indicators.EMAFast - *snap.Indicators.EMASlow
		switch {
		case diff > 0:
			r.Trend = "up"
		case diff < 0:
			r.Trend = "down"
		default:
			r.Trend = "flat"
		}
	}

	if snap.Indicators.MACD.Hist != nil {
		switch {
		case *snap.Indicators.MACD.Hist > 0:
			r.Momentum = "bullish"
		case *snap.Indicators.MACD.Hist < 0:
			r.Momentum = "bearish"
		default:
			r.Momentum = "neutral"
		}
	}

	if snap.Indicators.RSI != nil {
		switch {
		case *snap.Indicators.RSI >= 70:
			r.Reasons = append(r.Reasons, "rsi_overbought")
		case *snap.Indicators.RSI <= 30:
			r.Reasons = append(r.Reasons, "rsi_oversold")
		}
	}
	if snap.Indicators.VWAP != nil && snap.Indicators.LastClose != nil {
		if *snap.Indicators.LastClose > *snap.Indicators.VWAP {
			r.Reasons = append(r.Reasons, "price_above_vwap")
		} else if *snap.Indicators.LastClose < *snap.Indicators.VWAP {
			r.Reasons = append(r.Reasons, "price_below_vwap")
		}
	}
	if snap.Indicators.ATR != nil && snap.Indicators.LastClose != nil && *snap.Indicators.LastClose != 0 {
		r.Reasons = append(r.Reasons, fmt.Sprintf("atr_to_price:%.4f", *snap.Indicators.ATR / *snap.Indicators.LastClose))
	}
	sort.Strings(r.Reasons)

	switch {
	case r.Trend == "up" && r.Momentum == "bullish":
		r.Status = "trend_up"
	case r.Trend == "down" && r.Momentum == "bearish":
		r.Status = "trend_down"
	case r.Trend == "up" && r.Momentum != "bearish":
		r.Status = "bias_up"
	case r.Trend == "down" && r.Momentum != "bullish":
		r.Status = "bias_down"
	default:
		r.Status = "chop"
	}
	return r
}

// flattenFields builds the dotted-path field map the decision engine's
// field_equals/number_lte/number_gte gates address.
func flattenFields(snap Snapshot, risk *store.Risk) map[string]any {
	fields := map[string]any{
		"regime.status":   snap.Regime.Status,
		"regime.trend":    snap.Trend(),
		"regime.momentum": snap.Momentum(),
	}
	if risk != nil {
		fields["risk.score"] = risk.Score
	}
	if snap.Indicators.RSI != nil {
		fields["indicators.rsi"] = *snap.Indicators.RSI
	}
	if snap.Indicators.ATR != nil {
		fields["indicators.atr"] = *snap.Indicators.ATR
	}
	if snap.Indicators.SlopePct != nil {
		fields["indicators.slopePct"] = *snap.Indicators.SlopePct
	}
	if snap.Derived.RoiUnrealizedPct != nil {
		fields["derived.roiUnrealizedPct"] = *snap.Derived.RoiUnrealizedPct
	}
	if snap.Derived.LiquidityToPositionRatio != nil {
		fields["derived.liquidityToPositionRatio"] = *snap.Derived.LiquidityToPositionRatio
	}
	return fields
}

func (s Snapshot) Trend() string    { return s.Regime.Trend }
func (s Snapshot) Momentum() string { return s.Regime.Momentum }
