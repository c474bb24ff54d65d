// Package strategy loads and validates the versioned strategy documents
// (FLASH, HYBRID, CAMPAIGN) the decision engine qualifies positions against.
package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Severity is the per-gate failure seriousness, ordered
// none < warn < trim < degrade < exit.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityTrim
	SeverityDegrade
	SeverityExit
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarn:
		return "warn"
	case SeverityTrim:
		return "trim"
	case SeverityDegrade:
		return "degrade"
	case SeverityExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a document's string severity to the ordered enum.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return SeverityNone, nil
	case "warn":
		return SeverityWarn, nil
	case "trim":
		return SeverityTrim, nil
	case "degrade":
		return SeverityDegrade, nil
	case "exit":
		return SeverityExit, nil
	default:
		return SeverityNone, fmt.Errorf("strategy: unknown severity %q", s)
	}
}

// Gate is a single pure predicate over an evaluation snapshot.
type Gate struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Params         json.RawMessage `json:"params"`
	SeverityOnFail string          `json:"severityOnFail"`
}

// TrailingDefaults is the per-document trailing-stop/hard-stop tuning.
// Any zero field is treated as "unset" and falls back to the package
// defaults in internal/sellops/trailing.go; the document always wins
// over the constants.
type TrailingDefaults struct {
	ActivationPct     float64 `json:"activationPct"`
	TrailPct          float64 `json:"trailPct"`
	PollMs            int     `json:"pollMs"`
	BreachConfirms    int     `json:"breachConfirmations"`
	ActionDebounceMs  int     `json:"actionDebounceMs"`
	HardStopLossPct   float64 `json:"hardStopLossPct"`
	AllowTrim         bool    `json:"allowTrim"`
	TrimPct           float64 `json:"trimPct"`
	DecisionDebounceMs int    `json:"decisionDebounceMs"`
}

// Document is one versioned strategy document, e.g. FLASH.json.
type Document struct {
	SchemaVersion int              `json:"schemaVersion"`
	StrategyID    string           `json:"strategyId"`
	Name          string           `json:"name"`
	Defaults      TrailingDefaults `json:"defaults"`
	Qualify       struct {
		Gates []Gate `json:"gates"`
	} `json:"qualify"`
}

const CurrentSchemaVersion = 1

// Names of the three well-known documents, in the strictest-first policy
// order the decision engine's fallback qualification uses.
const (
	NameFlash    = "FLASH"
	NameHybrid   = "HYBRID"
	NameCampaign = "CAMPAIGN"
)

// Set holds the three loaded, validated documents for one process.
type Set struct {
	byName map[string]*Document
}

// Load reads FLASH.json, HYBRID.json and CAMPAIGN.json from dir and
// validates them. It is called once at process start; the returned Set is
// immutable and safe for concurrent read access without locking.
func Load(dir string) (*Set, error) {
	set := &Set{byName: make(map[string]*Document, 3)}
	for _, name := range []string{NameFlash, NameHybrid, NameCampaign} {
		path := filepath.Join(dir, name+".json")
		doc, err := loadOne(path, name)
		if err != nil {
			return nil, fmt.Errorf("strategy: load %s: %w", name, err)
		}
		set.byName[name] = doc
	}
	return set, nil
}

func loadOne(path, expectedName string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if doc.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported schemaVersion %d (want %d)", doc.SchemaVersion, CurrentSchemaVersion)
	}
	if !strings.EqualFold(doc.Name, expectedName) {
		return nil, fmt.Errorf("document name %q does not match expected %q", doc.Name, expectedName)
	}
	for i, g := range doc.Qualify.Gates {
		if g.ID == "" {
			return nil, fmt.Errorf("gate[%d]: missing id", i)
		}
		if _, err := ParseSeverity(g.SeverityOnFail); err != nil {
			return nil, fmt.Errorf("gate[%d] (%s): %w", i, g.ID, err)
		}
	}
	return &doc, nil
}

// Get returns the document with the given canonical name (FLASH/HYBRID/
// CAMPAIGN) and whether it was found.
func (s *Set) Get(name string) (*Document, bool) {
	doc, ok := s.byName[strings.ToUpper(name)]
	return doc, ok
}

// All returns the three documents in strictest-first policy order.
func (s *Set) All() []*Document {
	return []*Document{s.byName[NameFlash], s.byName[NameHybrid], s.byName[NameCampaign]}
}
