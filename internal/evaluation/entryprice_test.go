package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverEntryPrice_StableMintShortCircuits(t *testing.T) {
	for _, mint := range []string{"USDC", "USDT", "USD1", "usdc"} {
		called := false
		fetch := func(ctx context.Context, mint string, at time.Time) (float64, error) {
			called = true
			return 99, nil
		}
		price, err := RecoverEntryPrice(context.Background(), mint, time.Now(), fetch)
		require.NoError(t, err, mint)
		assert.Zero(t, price, mint)
		assert.False(t, called, "external API must not be called for %s", mint)
	}
}

func TestRecoverEntryPrice_DefersToFetch(t *testing.T) {
	fetch := func(ctx context.Context, mint string, at time.Time) (float64, error) {
		return 1.25, nil
	}
	price, err := RecoverEntryPrice(context.Background(), "MINT", time.Now(), fetch)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, price, 1e-9)
}

func TestRecoverEntryPrice_NilFetchIsZero(t *testing.T) {
	price, err := RecoverEntryPrice(context.Background(), "MINT", time.Now(), nil)
	require.NoError(t, err)
	assert.Zero(t, price)
}
