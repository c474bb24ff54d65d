package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	startedAt := time.Now().Add(-30 * time.Second)
	wallets := []WalletInfo{{Alias: "main", Running: true}, {Alias: "scout", Running: true}}

	snap := Build(startedAt, "observe", true, wallets, 2, false)

	assert.Equal(t, "observe", snap.Process.Mode)
	assert.GreaterOrEqual(t, snap.Process.UptimeSeconds, 30.0)
	assert.True(t, snap.WS.Connected)
	assert.Equal(t, wallets, snap.Wallets)
	assert.Equal(t, 2, snap.RPCStats.Failures)
	assert.False(t, snap.RPCStats.CircuitOpen)
}

func TestBuild_DisconnectedCircuitOpen(t *testing.T) {
	snap := Build(time.Now(), "execute", false, nil, 6, true)

	assert.Equal(t, "execute", snap.Process.Mode)
	assert.False(t, snap.WS.Connected)
	assert.Empty(t, snap.Wallets)
	assert.True(t, snap.RPCStats.CircuitOpen)
}
