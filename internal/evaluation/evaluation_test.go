package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warchest-labs/warchest/internal/evaluation/indicators"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/strategy"
)

type fakeStore struct {
	coin *store.Coin
	pool *store.Pool
	risk *store.Risk
	pnl  *store.Pnl
}

func (f *fakeStore) LoadCoin(mint string) (*store.Coin, error) { return f.coin, nil }
func (f *fakeStore) LoadBestPool(mint string) (*store.Pool, error) { return f.pool, nil }
func (f *fakeStore) LoadEvents(walletID, mint string, intervals []string) (map[string]store.EventsWindow, error) {
	return map[string]store.EventsWindow{}, nil
}
func (f *fakeStore) LoadRisk(walletID, mint string) (*store.Risk, error) { return f.risk, nil }
func (f *fakeStore) LoadPnl(walletID, mint, tradeUUID string) (*store.Pnl, error) { return f.pnl, nil }
func (f *fakeStore) LoadOpenPositions(walletID string) ([]store.OpenPosition, error) { return nil, nil }
func (f *fakeStore) InsertEvaluation(rec store.EvaluationRecord) error { return nil }
func (f *fakeStore) RecordTradeEvent(ev store.TradeEvent) error       { return nil }
func (f *fakeStore) EnsureOpenPositionRun(walletID, mint string) (string, error) { return "tu-1", nil }
func (f *fakeStore) PruneEvaluations(olderThan time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) LookupPubkeyByAlias(alias string) (string, bool, error) { return "", false, nil }
func (f *fakeStore) RegisterWallet(alias, pubkey string) (string, error) { return "", nil }
func (f *fakeStore) Close() error                                     { return nil }

func buildSet(t *testing.T) *strategy.Set {
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

func TestExecute_NotionalFallbackWhenNoTokenAmount(t *testing.T) {
	st := &fakeStore{
		coin: &store.Coin{Mint: "MINT", PriceUsd: 1, LastUpdated: time.Now()},
		pool: &store.Pool{Address: "POOL", Mint: "MINT", LiquidityUsd: 20000, LastUpdated: time.Now()},
	}
	req := Request{
		WalletID: "w1", WalletAlias: "alpha", Mint: "MINT", TradeUUID: "tu-1",
		Position: store.OpenPosition{ExpectedNotionalUsd: 1000},
	}
	res, err := Execute(context.Background(), req, st, nil, buildSet(t))
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation.Derived.PositionValueUsd)
	require.InDelta(t, 1000.0, *res.Evaluation.Derived.PositionValueUsd, 1e-9)
	require.NotNil(t, res.Evaluation.Derived.LiquidityToPositionRatio)
	require.InDelta(t, 20.0, *res.Evaluation.Derived.LiquidityToPositionRatio, 1e-9)
}

func TestExecute_ObserveOnlyAlwaysHolds(t *testing.T) {
	st := &fakeStore{coin: &store.Coin{Mint: "MINT", PriceUsd: 1, LastUpdated: time.Now()}}
	req := Request{WalletID: "w1", Mint: "MINT", TradeUUID: "tu-1", ObserveOnly: true}
	res, err := Execute(context.Background(), req, st, nil, buildSet(t))
	require.NoError(t, err)
	require.Equal(t, "hold", string(res.Decision))
}

func TestExecute_MissingCoinAddsWarningAndNullDerived(t *testing.T) {
	st := &fakeStore{}
	req := Request{WalletID: "w1", Mint: "MINT", TradeUUID: "tu-1"}
	res, err := Execute(context.Background(), req, st, nil, buildSet(t))
	require.NoError(t, err)
	require.Contains(t, res.Evaluation.Warnings, "coin_missing")
	require.Nil(t, res.Evaluation.Derived.PositionValueUsd)
}

type fakeChart struct{ candles []indicators.Candle }

func (f *fakeChart) FetchOHLCV(ctx context.Context, poolAddress string, fromMs, toMs int64) ([]indicators.Candle, error) {
	return f.candles, nil
}

func TestExecute_WithChartComputesIndicators(t *testing.T) {
	candles := make([]indicators.Candle, 0, 40)
	price := 1.0
	for i := 0; i < 40; i++ {
		price += 0.01
		candles = append(candles, indicators.Candle{T: int64(i * 1000), O: price, H: price + 0.01, L: price - 0.01, C: price, V: 100})
	}
	st := &fakeStore{pool: &store.Pool{Address: "POOL", LiquidityUsd: 1}}
	chart := &fakeChart{candles: candles}
	req := Request{WalletID: "w1", Mint: "MINT", TradeUUID: "tu-1"}
	res, err := Execute(context.Background(), req, st, chart, buildSet(t))
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation.Indicators.RSI)
	require.NotNil(t, res.Evaluation.Indicators.EMAFast)
}
