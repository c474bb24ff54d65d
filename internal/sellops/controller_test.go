package sellops

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-labs/warchest/internal/hub"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/strategy"
)

func fakeEmptyStrategySet(t *testing.T) *strategy.Set {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{strategy.NameFlash, strategy.NameHybrid, strategy.NameCampaign} {
		doc := `{"schemaVersion":1,"strategyId":"` + name + `-1","name":"` + name + `","qualify":{"gates":[]}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(doc), 0o644))
	}
	set, err := strategy.Load(dir)
	require.NoError(t, err)
	return set
}

// Tick 1 yields {A, B}, tick 2 yields {A}, a later tick yields {}:
// autopsy runs exactly once for B, and the later tick autopsies only A.
func TestSlowTick_AutopsyOncePerClose(t *testing.T) {
	st := &fakeSellopsStore{}
	var autopsyCount int32
	var autopsyTradeUUID string

	c := New("wallet1", "alpha", st, nil, nil, nil, nil, nil, nil,
		func(ctx context.Context, pos store.OpenPosition) {
			atomic.AddInt32(&autopsyCount, 1)
			autopsyTradeUUID = pos.TradeUUID
		}, true)

	st.positions = []store.OpenPosition{
		{TradeUUID: "A", Mint: "mintA", CurrentTokenAmount: 1},
		{TradeUUID: "B", Mint: "mintB", CurrentTokenAmount: 1},
	}
	c.refreshPositionsOnly(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&autopsyCount))

	st.positions = []store.OpenPosition{
		{TradeUUID: "A", Mint: "mintA", CurrentTokenAmount: 1},
	}
	c.refreshPositionsOnly(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&autopsyCount))
	assert.Equal(t, "B", autopsyTradeUUID)

	st.positions = []store.OpenPosition{}
	c.refreshPositionsOnly(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&autopsyCount), "autopsy fires once for A's close and must not re-fire for the already-closed B")
	assert.Equal(t, "A", autopsyTradeUUID)
}

func TestPruneClosed_RemovesStateForClosedTradeUUIDs(t *testing.T) {
	c := New("wallet1", "alpha", &fakeSellopsStore{}, nil, nil, nil, nil, nil, nil, nil, true)
	c.trailing["A"] = &TrailingState{Active: true}
	c.costUsd["A"] = 1.0
	c.lastDecisionTsMs["A"] = 123

	c.pruneClosed(map[string]store.OpenPosition{})

	assert.Empty(t, c.trailing)
	assert.Empty(t, c.costUsd)
	assert.Empty(t, c.lastDecisionTsMs)
}

func TestFastTick_IdleHeartbeatWhenNoPositions(t *testing.T) {
	eventsPath := filepath.Join(t.TempDir(), "tx-events.json")
	hubC := hub.New(t.TempDir(), eventsPath, false)
	c := New("wallet1", "alpha", &fakeSellopsStore{}, nil, nil, hubC, &fakePriceClient{}, nil, nil, nil, true)
	// No prior open positions recorded yet, so prevTradeUUIDs is empty:
	// fastTick prices nothing and publishes the idle heartbeat.
	c.fastTick(context.Background())

	raw, err := os.ReadFile(eventsPath)
	require.NoError(t, err)
	var events []hub.HudEvent
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "trailing_stop_idle", events[0].Status)
}

func TestFastTick_HardStopSubmitsSell(t *testing.T) {
	submitter := &fakeSubmitter{}
	prices := &fakePriceClient{prices: map[string]PricePoint{
		"mintA": {PriceUsd: 0.74, ObservedAt: time.Now()},
	}}
	st := &fakeSellopsStore{}
	hubC := hub.New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)
	c := New("wallet1", "alpha", st, nil, fakeEmptyStrategySet(t), hubC, prices, submitter, nil, nil, false)

	c.prevTradeUUIDs = map[string]store.OpenPosition{
		"A": {TradeUUID: "A", Mint: "mintA", CurrentTokenAmount: 100},
	}
	c.costUsd["A"] = 1.0

	c.fastTick(context.Background())

	require.Equal(t, 1, submitter.calls)
	assert.Equal(t, "stop_loss", submitter.lastReq.Reason)
}

func TestForceCloseAll_SubmitsFullExitForEveryOpenPosition(t *testing.T) {
	submitter := &fakeSubmitter{}
	st := &fakeSellopsStore{}
	hubC := hub.New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)
	c := New("wallet1", "alpha", st, nil, fakeEmptyStrategySet(t), hubC, nil, submitter, nil, nil, false)

	c.prevTradeUUIDs = map[string]store.OpenPosition{
		"A": {TradeUUID: "A", Mint: "mintA", CurrentTokenAmount: 100},
		"B": {TradeUUID: "B", Mint: "mintB", CurrentTokenAmount: 50},
	}

	c.ForceCloseAll(context.Background())

	assert.Equal(t, 2, submitter.calls)
	assert.Equal(t, "manual_panic", submitter.lastReq.Reason)
}

type fakeSellopsStore struct {
	positions []store.OpenPosition
}

func (f *fakeSellopsStore) LoadCoin(mint string) (*store.Coin, error) { return nil, nil }
func (f *fakeSellopsStore) LoadBestPool(mint string) (*store.Pool, error) { return nil, nil }
func (f *fakeSellopsStore) LoadEvents(walletID, mint string, intervals []string) (map[string]store.EventsWindow, error) {
	return nil, nil
}
func (f *fakeSellopsStore) LoadRisk(walletID, mint string) (*store.Risk, error) { return nil, nil }
func (f *fakeSellopsStore) LoadPnl(walletID, mint, tradeUUID string) (*store.Pnl, error) {
	return nil, nil
}
func (f *fakeSellopsStore) LoadOpenPositions(walletID string) ([]store.OpenPosition, error) {
	return f.positions, nil
}
func (f *fakeSellopsStore) InsertEvaluation(rec store.EvaluationRecord) error { return nil }
func (f *fakeSellopsStore) RecordTradeEvent(ev store.TradeEvent) error       { return nil }
func (f *fakeSellopsStore) EnsureOpenPositionRun(walletID, mint string) (string, error) {
	return "", nil
}
func (f *fakeSellopsStore) LookupPubkeyByAlias(alias string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeSellopsStore) RegisterWallet(alias, pubkey string) (string, error) { return "", nil }
func (f *fakeSellopsStore) PruneEvaluations(olderThan time.Time) (int64, error) { return 0, nil }
func (f *fakeSellopsStore) Close() error                                       { return nil }

type fakePriceClient struct {
	prices map[string]PricePoint
}

func (f *fakePriceClient) FetchPrices(ctx context.Context, mints []string) (map[string]PricePoint, error) {
	return f.prices, nil
}

type fakeSubmitter struct {
	calls   int
	lastReq SwapRequest
}

func (f *fakeSubmitter) Submit(ctx context.Context, req SwapRequest) (SwapResult, error) {
	f.calls++
	f.lastReq = req
	return SwapResult{TxID: ""}, nil
}

// refreshPositionsOnly runs just the open-position-diff/autopsy/prune
// part of the slow tick, skipping per-position evaluation (which needs a
// real strategy set and store rows), to isolate the autopsy behaviour.
func (c *Controller) refreshPositionsOnly(ctx context.Context) {
	positions, err := c.Store.LoadOpenPositions(c.WalletID)
	if err != nil {
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
}
