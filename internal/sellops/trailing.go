// Package sellops implements the per-wallet position-management
// controller: a slow evaluation loop and a fast trailing-stop loop,
// sharing the trailing-stop state and cost-basis maps guarded by one
// mutex.
package sellops

import (
	"math"
	"time"

	"github.com/warchest-labs/warchest/internal/strategy"
)

// TrailingConfig is the resolved trailing-stop/hard-stop configuration
// for one wallet's controller.
type TrailingConfig struct {
	ActivationPct       float64
	TrailPct            float64
	PollMs              int
	BreachConfirmations int
	// ActionDebounceMs gates the fast loop's stop_loss/trailing_stop
	// submissions; DecisionDebounceMs independently gates the slow loop's
	// strategy_exit/strategy_trim submissions.
	ActionDebounceMs   int64
	DecisionDebounceMs int64
	HardStopLossPct    float64
}

// defaultTrailingConfig is the fallback tuning. The strategy document
// wins field-by-field; these constants only fill what it leaves unset.
var defaultTrailingConfig = TrailingConfig{
	ActivationPct:       10,
	TrailPct:            8,
	PollMs:              5000,
	BreachConfirmations: 2,
	ActionDebounceMs:    30000,
	DecisionDebounceMs:  60000,
	HardStopLossPct:     25,
}

// ResolveTrailingConfig reads activation/trail/hard-stop settings from the
// strategy document's Defaults block, falling back field-by-field to
// defaultTrailingConfig for anything the document leaves at its zero value.
func ResolveTrailingConfig(doc *strategy.Document) TrailingConfig {
	cfg := defaultTrailingConfig
	if doc == nil {
		return cfg
	}
	d := doc.Defaults
	if d.ActivationPct != 0 {
		cfg.ActivationPct = d.ActivationPct
	}
	if d.TrailPct != 0 {
		cfg.TrailPct = d.TrailPct
	}
	if d.PollMs != 0 {
		cfg.PollMs = d.PollMs
	}
	if d.BreachConfirms != 0 {
		cfg.BreachConfirmations = d.BreachConfirms
	}
	if d.ActionDebounceMs != 0 {
		cfg.ActionDebounceMs = int64(d.ActionDebounceMs)
	}
	if d.DecisionDebounceMs != 0 {
		cfg.DecisionDebounceMs = int64(d.DecisionDebounceMs)
	}
	if d.HardStopLossPct != 0 {
		cfg.HardStopLossPct = d.HardStopLossPct
	}
	return cfg
}

// TrailingState is one tradeUuid's trailing-stop arming state, writable
// only by the fast loop of its owning controller.
type TrailingState struct {
	Active         bool
	HighWaterUsd   float64
	StopUsd        float64
	BreachCount    int
	LastActionTsMs int64
	// acted reports whether LastActionTsMs holds a real action time; until
	// the first action the debounce counts as elapsed.
	acted bool
}

// TickAction is what the fast-loop tick decided to do for one position, if
// anything.
type TickAction struct {
	Submit bool
	Reason string // "stop_loss" | "trailing_stop"
	RoiPct float64
}

// Tick advances one tradeUuid's trailing-stop state by one price
// observation: hard stop first, then arming, high-water tracking, and
// breach confirmation. nowMs is the observation's wall-clock time in
// epoch milliseconds, passed in rather than read from time.Now so the
// state machine stays a pure, deterministically testable function.
func Tick(state *TrailingState, cfg TrailingConfig, costUsd, priceUsd float64, nowMs int64) TickAction {
	if costUsd <= 0 || !isFinite(costUsd) || !isFinite(priceUsd) {
		return TickAction{}
	}
	roiPct := (priceUsd/costUsd - 1) * 100

	debounceElapsed := !state.acted || nowMs-state.LastActionTsMs >= cfg.ActionDebounceMs

	if roiPct <= -math.Abs(cfg.HardStopLossPct) {
		if debounceElapsed {
			state.LastActionTsMs = nowMs
			state.acted = true
			return TickAction{Submit: true, Reason: "stop_loss", RoiPct: roiPct}
		}
		return TickAction{RoiPct: roiPct}
	}

	if !state.Active {
		if roiPct >= cfg.ActivationPct {
			state.Active = true
			state.HighWaterUsd = priceUsd
			state.StopUsd = priceUsd * (1 - cfg.TrailPct/100)
			state.BreachCount = 0
		}
		return TickAction{RoiPct: roiPct}
	}

	if priceUsd > state.HighWaterUsd {
		state.HighWaterUsd = priceUsd
		state.StopUsd = priceUsd * (1 - cfg.TrailPct/100)
		state.BreachCount = 0
		return TickAction{RoiPct: roiPct}
	}

	if priceUsd <= state.StopUsd {
		state.BreachCount++
	} else {
		state.BreachCount = 0
	}

	if state.BreachCount >= cfg.BreachConfirmations && debounceElapsed {
		state.LastActionTsMs = nowMs
		state.acted = true
		return TickAction{Submit: true, Reason: "trailing_stop", RoiPct: roiPct}
	}
	return TickAction{RoiPct: roiPct}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// now is a seam for tests; production code calls time.Now().UnixMilli().
var now = func() int64 { return time.Now().UnixMilli() }
