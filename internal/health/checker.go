// Package health builds the health block the coordinator publishes to
// status.json every heartbeat: process uptime/mode, websocket
// connectivity, per-wallet liveness, and RPC circuit-breaker stats. It is
// a pure snapshot builder; the daemon's own heartbeat loop supplies the
// component states, since everything it reports on already lives in the
// process cmd/warchest starts.
package health

import "time"

// ProcessInfo is the "process" block: uptime and the effective mode.
type ProcessInfo struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Mode          string  `json:"mode"` // "observe" | "execute"
}

// WSInfo is the "ws" block: websocket subscriber connectivity.
type WSInfo struct {
	Connected bool `json:"connected"`
}

// WalletInfo is one managed wallet's liveness for the "wallets" block.
type WalletInfo struct {
	Alias   string `json:"alias"`
	Running bool   `json:"running"`
}

// RPCStatsInfo mirrors chainrpc.Stats for the "rpcStats" block.
type RPCStatsInfo struct {
	Failures    int  `json:"failures"`
	CircuitOpen bool `json:"circuitOpen"`
}

// Snapshot is the full health block, ready to embed in hub.Health via its
// `any`-typed fields.
type Snapshot struct {
	Process  ProcessInfo  `json:"process"`
	WS       WSInfo       `json:"ws"`
	Wallets  []WalletInfo `json:"wallets"`
	RPCStats RPCStatsInfo `json:"rpcStats"`
}

// Build assembles one Snapshot from the process start time and the
// current collaborator states.
func Build(startedAt time.Time, mode string, wsConnected bool, wallets []WalletInfo, rpcFailures int, rpcCircuitOpen bool) Snapshot {
	return Snapshot{
		Process:  ProcessInfo{UptimeSeconds: time.Since(startedAt).Seconds(), Mode: mode},
		WS:       WSInfo{Connected: wsConnected},
		Wallets:  wallets,
		RPCStats: RPCStatsInfo{Failures: rpcFailures, CircuitOpen: rpcCircuitOpen},
	}
}
