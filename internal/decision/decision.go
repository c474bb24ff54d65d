// Package decision implements the pure, deterministic strategy/decision
// engine: gate evaluation over an evaluation snapshot, severity
// aggregation, strategy selection, and the severity→recommendation map.
// Nothing here performs I/O or mutates its inputs.
package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/warchest-labs/warchest/internal/strategy"
)

// Snapshot is the subset of an evaluation snapshot the decision engine
// reads. It is built fresh by internal/evaluation every tick and never
// mutated afterwards.
type Snapshot struct {
	WalletAlias   string
	Mint          string
	TradeUUID     string
	StrategyName  string // non-empty when the position's stored strategyName should be honored verbatim
	Warnings      []string
	Derived       Derived
	Fields        map[string]any // flattened dotted-path accessible fields for field_equals gates
}

// Derived mirrors the snapshot's derived-metrics block; values are
// pointers because every derived metric is nullable.
type Derived struct {
	PositionValueUsd         *float64
	CostBasisUsd             *float64
	RoiUnrealizedPct         *float64
	RoiTotalPct              *float64
	LiquidityToPositionRatio *float64
}

// QualifyResult is one gate's outcome for one tick.
type QualifyResult struct {
	GateID         string            `json:"gateId"`
	Outcome        string            `json:"outcome"` // "pass" | "fail"
	SeverityOnFail strategy.Severity `json:"severityOnFail"`
	Reasons        []string          `json:"reasons"`
}

// QualifyOutcome is the aggregate result of running one strategy
// document's gates against a snapshot.
type QualifyOutcome struct {
	WorstSeverity strategy.Severity
	FailedCount   int
	Results       []QualifyResult
}

// Recommendation is the severity→action mapping's result.
type Recommendation string

const (
	RecommendationHold Recommendation = "hold"
	RecommendationTrim Recommendation = "trim"
	RecommendationExit Recommendation = "exit"
)

// StrategySelection names the chosen document and whether it was named
// explicitly by the position ("db") or inferred by qualification
// fallback ("inferred").
type StrategySelection struct {
	ID     string
	Name   string
	Source string // "db" | "inferred"
}

// EvaluateGate runs a single gate against a snapshot and returns its
// pass/fail outcome with human-readable reasons. Unknown gate types fail
// closed with reason "unsupported_gate_type".
func EvaluateGate(g strategy.Gate, snap Snapshot) QualifyResult {
	sev, err := strategy.ParseSeverity(g.SeverityOnFail)
	if err != nil {
		sev = strategy.SeverityExit
	}
	result := QualifyResult{GateID: g.ID, SeverityOnFail: sev, Outcome: "pass"}

	fail := func(reason string) QualifyResult {
		result.Outcome = "fail"
		result.Reasons = append(result.Reasons, reason)
		return result
	}

	switch g.Type {
	case "warnings_forbidden_absent":
		var params struct {
			Forbidden []string `json:"forbidden"`
		}
		_ = json.Unmarshal(g.Params, &params)
		for _, forbidden := range params.Forbidden {
			if containsString(snap.Warnings, forbidden) {
				return fail(fmt.Sprintf("forbidden warning present: %s", forbidden))
			}
		}
		return result

	case "warnings_contains_any":
		var params struct {
			AnyOf []string `json:"anyOf"`
		}
		_ = json.Unmarshal(g.Params, &params)
		for _, want := range params.AnyOf {
			if containsString(snap.Warnings, want) {
				return fail(fmt.Sprintf("warning present: %s", want))
			}
		}
		return result

	case "field_equals":
		var params struct {
			Path  string `json:"path"`
			Value any    `json:"value"`
		}
		_ = json.Unmarshal(g.Params, &params)
		got, ok := fieldAt(snap.Fields, params.Path)
		if !ok || !valuesEqual(got, params.Value) {
			return fail(fmt.Sprintf("%s != %v (got %v)", params.Path, params.Value, got))
		}
		return result

	case "number_lte":
		var params struct {
			Path string  `json:"path"`
			Max  float64 `json:"max"`
		}
		_ = json.Unmarshal(g.Params, &params)
		v, ok := numberAt(snap.Fields, params.Path)
		if !ok || !isFinite(v) || v > params.Max {
			return fail(fmt.Sprintf("%s > %v or non-finite (got %v)", params.Path, params.Max, v))
		}
		return result

	case "number_gte":
		var params struct {
			Path string  `json:"path"`
			Min  float64 `json:"min"`
		}
		_ = json.Unmarshal(g.Params, &params)
		v, ok := numberAt(snap.Fields, params.Path)
		if !ok || !isFinite(v) || v < params.Min {
			return fail(fmt.Sprintf("%s < %v or non-finite (got %v)", params.Path, params.Min, v))
		}
		return result

	case "pnl_lte":
		var params struct {
			MaxPnlPct float64 `json:"maxPnlPct"`
		}
		_ = json.Unmarshal(g.Params, &params)
		if snap.Derived.RoiUnrealizedPct == nil || !isFinite(*snap.Derived.RoiUnrealizedPct) || *snap.Derived.RoiUnrealizedPct > params.MaxPnlPct {
			return fail(fmt.Sprintf("roiUnrealizedPct > %v or non-finite", params.MaxPnlPct))
		}
		return result

	default:
		return fail("unsupported_gate_type")
	}
}

// Qualify runs every gate in doc against snap, in document order, and
// aggregates severity.
func Qualify(doc *strategy.Document, snap Snapshot) QualifyOutcome {
	results := make([]QualifyResult, 0, len(doc.Qualify.Gates))
	worst := strategy.SeverityNone
	failed := 0
	for _, g := range doc.Qualify.Gates {
		r := EvaluateGate(g, snap)
		results = append(results, r)
		if r.Outcome == "fail" {
			failed++
			if r.SeverityOnFail > worst {
				worst = r.SeverityOnFail
			}
		}
	}

	// Sort: failures first, then by descending severity, original order
	// within ties. sort.SliceStable preserves original relative order for
	// equal keys.
	sort.SliceStable(results, func(i, j int) bool {
		iFail := results[i].Outcome == "fail"
		jFail := results[j].Outcome == "fail"
		if iFail != jFail {
			return iFail // failures sort first
		}
		if !iFail {
			return false
		}
		return results[i].SeverityOnFail > results[j].SeverityOnFail
	})

	return QualifyOutcome{WorstSeverity: worst, FailedCount: failed, Results: results}
}

// SelectStrategy picks the document to qualify against: an explicit name
// on the position wins (priority FLASH, CAMPAIGN, HYBRID,
// case-insensitive substring match); otherwise the engine tries FLASH,
// then HYBRID, then CAMPAIGN, and the first whose gates all pass is
// selected with source="inferred". If none qualify cleanly, CAMPAIGN is
// the final fallback (still source="inferred").
func SelectStrategy(docs *strategy.Set, snap Snapshot) (StrategySelection, QualifyOutcome) {
	upper := strings.ToUpper(snap.StrategyName)
	for _, name := range []string{strategy.NameFlash, strategy.NameCampaign, strategy.NameHybrid} {
		if strings.Contains(upper, name) {
			if doc, ok := docs.Get(name); ok {
				return StrategySelection{ID: doc.StrategyID, Name: doc.Name, Source: "db"}, Qualify(doc, snap)
			}
		}
	}

	var lastDoc *strategy.Document
	var lastOutcome QualifyOutcome
	for _, name := range []string{strategy.NameFlash, strategy.NameHybrid, strategy.NameCampaign} {
		doc, ok := docs.Get(name)
		if !ok {
			continue
		}
		outcome := Qualify(doc, snap)
		lastDoc, lastOutcome = doc, outcome
		if outcome.FailedCount == 0 {
			return StrategySelection{ID: doc.StrategyID, Name: doc.Name, Source: "inferred"}, outcome
		}
	}
	if lastDoc != nil {
		return StrategySelection{ID: lastDoc.StrategyID, Name: lastDoc.Name, Source: "inferred"}, lastOutcome
	}
	return StrategySelection{}, QualifyOutcome{}
}

// Recommend maps a worst severity to the hold/trim/exit recommendation.
func Recommend(worst strategy.Severity) Recommendation {
	switch worst {
	case strategy.SeverityExit:
		return RecommendationExit
	case strategy.SeverityTrim:
		return RecommendationTrim
	default:
		return RecommendationHold
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// fieldAt and numberAt resolve a dotted path ("risk.score") against the
// snapshot's flattened field map, which internal/evaluation populates
// with every gate-addressable value when it builds the snapshot.
func fieldAt(fields map[string]any, path string) (any, bool) {
	v, ok := fields[path]
	return v, ok
}

func numberAt(fields map[string]any, path string) (float64, bool) {
	v, ok := fields[path]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	return f, ok
}
