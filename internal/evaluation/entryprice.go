package evaluation

import (
	"context"
	"strings"
	"time"
)

// HistoricalPriceFunc fetches a mint's USD price at (or nearest to) a
// point in time from an external price API.
type HistoricalPriceFunc func(ctx context.Context, mint string, at time.Time) (float64, error)

// stableMints are the USD-pegged numeraires whose entry price is never
// worth recovering from an external API.
var stableMints = map[string]bool{
	"USDC": true, "USDT": true, "USD1": true,
}

// RecoverEntryPrice resolves a position's USD entry price when the store
// has none. Stable mints short-circuit to 0 without touching the external
// API; everything else defers to fetch.
func RecoverEntryPrice(ctx context.Context, mint string, openedAt time.Time, fetch HistoricalPriceFunc) (float64, error) {
	if stableMints[strings.ToUpper(mint)] {
		return 0, nil
	}
	if fetch == nil {
		return 0, nil
	}
	return fetch(ctx, mint, openedAt)
}
