package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Health is status.json's health block.
type Health struct {
	Process  any `json:"process"`
	WS       any `json:"ws"`
	Wallets  any `json:"wallets"`
	RPCStats any `json:"rpcStats"`
}

// StatusSnapshot is the full status.json document.
type StatusSnapshot struct {
	UpdatedAt string `json:"updatedAt"`
	Health    Health `json:"health"`
}

// HudEvent is one entry in tx-events.json.
type HudEvent struct {
	TxID           string `json:"txid"`
	Status         string `json:"status"`
	StatusCategory string `json:"statusCategory"`
	StatusEmoji    string `json:"statusEmoji"`
	Slot           uint64 `json:"slot"`
	TxSummary      any    `json:"txSummary"`
	Err            string `json:"err,omitempty"`
	Context        struct {
		Wallet string  `json:"wallet"`
		Mint   string  `json:"mint"`
		Side   string  `json:"side"`
		Size   float64 `json:"size"`
	} `json:"context"`
	Insight    any    `json:"insight,omitempty"`
	SwapQuote  any    `json:"swapQuote,omitempty"`
	ObservedAt string `json:"observedAt"`
}

const hudEventCap = 50

var hudWriteMu sync.Mutex

// PublishStatus atomically writes the status snapshot to
// <statusDir>/status.json via write-tmp-then-rename.
func (c *Coordinator) PublishStatus(health Health) error {
	if c.statusDir == "" {
		return nil
	}
	snapshot := StatusSnapshot{UpdatedAt: time.Now().UTC().Format(time.RFC3339), Health: health}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		// Publication is best-effort.
		log.Warn().Err(err).Msg("hub: failed to marshal status snapshot")
		return nil
	}
	path := filepath.Join(c.statusDir, "status.json")
	if err := atomicWriteFile(path, data); err != nil {
		log.Warn().Err(err).Msg("hub: failed to publish status")
	}
	return nil
}

// PublishHudEvent appends event to the HUD event file, newest-first,
// capped at hudEventCap entries, serialised across concurrent producers
// by hudWriteMu so the on-disk file is always a valid bounded sequence.
func (c *Coordinator) PublishHudEvent(event HudEvent) {
	if c.hudEventsPath == "" {
		return
	}
	if event.ObservedAt == "" {
		event.ObservedAt = time.Now().UTC().Format(time.RFC3339)
	}

	hudWriteMu.Lock()
	defer hudWriteMu.Unlock()

	var events []HudEvent
	if raw, err := os.ReadFile(c.hudEventsPath); err == nil {
		_ = json.Unmarshal(raw, &events)
	}

	events = append([]HudEvent{event}, events...)
	if len(events) > hudEventCap {
		events = events[:hudEventCap]
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("hub: failed to marshal hud events")
		return
	}
	if err := atomicWriteFile(c.hudEventsPath, data); err != nil {
		log.Warn().Err(err).Msg("hub: failed to publish hud event")
	}
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, then renames it into place, so readers never observe a partial
// write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func detachedPayloadPath(dir, jobID string) string {
	return filepath.Join(dir, "detached-"+jobID+".json")
}

type detachedPayload struct {
	Result any    `json:"result,omitempty"`
	Err    string `json:"err,omitempty"`
}

func writeDetachedPayload(path string, result any, err error) {
	payload := detachedPayload{Result: result}
	if err != nil {
		payload.Err = err.Error()
	}
	data, marshalErr := json.MarshalIndent(payload, "", "  ")
	if marshalErr != nil {
		log.Warn().Err(marshalErr).Msg("hub: failed to marshal detached payload")
		return
	}
	if writeErr := atomicWriteFile(path, data); writeErr != nil {
		log.Warn().Err(writeErr).Msg("hub: failed to write detached payload")
	}
}
