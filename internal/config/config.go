// Package config loads and hot-reloads the warchest daemon's
// configuration: a viper-backed YAML file watched with fsnotify,
// unmarshalled into a mapstructure-tagged Config, mutex-guarded for
// concurrent reads.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the full warchest process configuration.
type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Store      StoreConfig      `mapstructure:"store"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	SellOps    SellOpsConfig    `mapstructure:"sellops"`
	Swap       SwapConfig       `mapstructure:"swap"`
	HUD        HUDConfig        `mapstructure:"hud"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
}

// RPCConfig is the chain RPC/websocket endpoint configuration;
// WARCHEST_RPC_ENDPOINT overrides the primary URL.
type RPCConfig struct {
	PrimaryURL  string `mapstructure:"primary_url"`
	FallbackURL string `mapstructure:"fallback_url"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
	WSURL       string `mapstructure:"ws_url"`
}

// StoreConfig is the persistence-layer configuration;
// WARCHEST_DATA_ENDPOINT overrides the sqlite path.
type StoreConfig struct {
	SQLitePath         string `mapstructure:"sqlite_path"`
	RetentionDays      int    `mapstructure:"retention_days"`
	RetentionCron      string `mapstructure:"retention_cron"`
}

// StrategyConfig points at the directory holding FLASH/HYBRID/CAMPAIGN.json.
type StrategyConfig struct {
	DocumentsDir string `mapstructure:"documents_dir"`
}

// SellOpsConfig is the per-wallet controller's loop periods, observe-only
// flag and trailing-stop/hard-stop tuning keys. cmd/warchest passes the
// loop periods and ObserveOnly to each controller; the tuning fields are
// loaded but not read by internal/sellops, whose ResolveTrailingConfig
// falls back to its own package defaults where a strategy document
// leaves a field unset.
type SellOpsConfig struct {
	SlowLoopMs          int     `mapstructure:"slow_loop_ms"`
	FastLoopMs          int     `mapstructure:"fast_loop_ms"`
	ObserveOnly         bool    `mapstructure:"observe_only"`
	ActivationPct       float64 `mapstructure:"activation_pct"`
	TrailPct            float64 `mapstructure:"trail_pct"`
	BreachConfirmations int     `mapstructure:"breach_confirmations"`
	ActionDebounceMs    int     `mapstructure:"action_debounce_ms"`
	HardStopLossPct     float64 `mapstructure:"hard_stop_loss_pct"`
}

// SwapConfig is the swap-quote collaborator configuration.
type SwapConfig struct {
	QuoteAPIURL    string `mapstructure:"quote_api_url"`
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HUDConfig is the foreground renderer's refresh cadence and caps;
// HUD_RENDER_INTERVAL_MS / WARCHEST_HUD_MAX_TX etc override it.
type HUDConfig struct {
	RenderIntervalMs int    `mapstructure:"render_interval_ms"`
	SolRefreshSec    int    `mapstructure:"sol_refresh_sec"`
	TokensRefreshSec int    `mapstructure:"tokens_refresh_sec"`
	MaxTx            int    `mapstructure:"max_tx"`
	MaxLogs          int    `mapstructure:"max_logs"`
	EmitThrottleMs   int    `mapstructure:"emit_throttle_ms"`
	ExplorerBaseURL  string `mapstructure:"explorer_base_url"`
}

// EvaluationConfig tunes the evaluation engine's chart lookback.
type EvaluationConfig struct {
	LookbackMs    int64 `mapstructure:"lookback_ms"`
	VWAPPeriods   int   `mapstructure:"vwap_periods"`
	SlopeLookback int   `mapstructure:"slope_lookback"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath (YAML) with viper, applying the documented
// defaults, then watches it for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.api_key_env", "WARCHEST_RPC_API_KEY")
	v.SetDefault("store.sqlite_path", "./data/warchest.db")
	v.SetDefault("store.retention_days", 14)
	v.SetDefault("store.retention_cron", "0 0 3 * * *")
	v.SetDefault("strategy.documents_dir", "./strategies")
	v.SetDefault("sellops.slow_loop_ms", 60_000)
	v.SetDefault("sellops.fast_loop_ms", 5_000)
	v.SetDefault("sellops.observe_only", true)
	v.SetDefault("sellops.activation_pct", 10.0)
	v.SetDefault("sellops.trail_pct", 8.0)
	v.SetDefault("sellops.breach_confirmations", 2)
	v.SetDefault("sellops.action_debounce_ms", 30_000)
	v.SetDefault("sellops.hard_stop_loss_pct", 25.0)
	v.SetDefault("swap.quote_api_url", "https://quote-api.jup.ag/v6/quote")
	v.SetDefault("swap.slippage_bps", 500)
	v.SetDefault("swap.timeout_seconds", 10)
	v.SetDefault("hud.render_interval_ms", 1000)
	v.SetDefault("hud.sol_refresh_sec", 10)
	v.SetDefault("hud.tokens_refresh_sec", 10)
	v.SetDefault("hud.max_tx", 10)
	v.SetDefault("hud.max_logs", 5)
	v.SetDefault("hud.emit_throttle_ms", 100)
	v.SetDefault("evaluation.lookback_ms", int64(24*60*60*1000))
	v.SetDefault("evaluation.vwap_periods", 20)
	v.SetDefault("evaluation.slope_lookback", 10)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyEnvOverrides(&cfg)

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// applyEnvOverrides layers the recognised environment variables over the
// file-loaded config; env always wins when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARCHEST_RPC_ENDPOINT"); v != "" {
		cfg.RPC.PrimaryURL = v
	}
	if v := os.Getenv("WARCHEST_DATA_ENDPOINT"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("SOLANA_EXPLORER_BASE_URL"); v != "" {
		cfg.HUD.ExplorerBaseURL = v
	}
	overrideInt(&cfg.HUD.RenderIntervalMs, "HUD_RENDER_INTERVAL_MS")
	overrideInt(&cfg.HUD.SolRefreshSec, "HUD_SOL_REFRESH_SEC")
	overrideInt(&cfg.HUD.TokensRefreshSec, "HUD_TOKENS_REFRESH_SEC")
	overrideInt(&cfg.HUD.MaxTx, "WARCHEST_HUD_MAX_TX")
	overrideInt(&cfg.HUD.MaxLogs, "WARCHEST_HUD_MAX_LOGS")
	overrideInt(&cfg.HUD.EmitThrottleMs, "WARCHEST_HUD_EMIT_THROTTLE_MS")
}

func overrideInt(field *int, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*field = n
	}
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback invoked after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("config: failed to unmarshal on reload")
		return
	}
	applyEnvOverrides(&cfg)
	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// RPCAPIKey reads the RPC API key from the configured environment variable.
func (m *Manager) RPCAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.APIKeyEnv)
}
