// Command warchest runs the autonomous trade-management daemon: one
// sell-ops controller per managed wallet, a transaction monitor, and the
// hub coordinator that serialises swap/txMonitor jobs and publishes
// status and HUD events to disk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/warchest-labs/warchest/internal/chainrpc"
	"github.com/warchest-labs/warchest/internal/config"
	"github.com/warchest-labs/warchest/internal/health"
	"github.com/warchest-labs/warchest/internal/hub"
	"github.com/warchest-labs/warchest/internal/hudview"
	"github.com/warchest-labs/warchest/internal/sellops"
	"github.com/warchest-labs/warchest/internal/store"
	"github.com/warchest-labs/warchest/internal/strategy"
	"github.com/warchest-labs/warchest/internal/swap"
	"github.com/warchest-labs/warchest/internal/walletspec"
)

func main() {
	var (
		configPath    = pflag.String("config", "./config.yaml", "path to the warchest config file")
		walletFlags   = pflag.StringArray("wallet", nil, "alias:pubkey[:color], repeatable, one per managed wallet")
		statusDir     = pflag.String("status-dir", "./data", "directory status.json is written to")
		hudEventsPath = pflag.String("hub-events", "./data/tx-events.json", "file HUD events are appended to")
		hudStatePath  = pflag.String("hud-state", "", "status snapshot the HUD viewer tails (default <status-dir>/status.json)")
		followHub     = pflag.Bool("follow-hub", true, "tail the hub event file in the HUD viewer")
		noFollowHub   = pflag.Bool("no-follow-hub", false, "do not tail the hub event file in the HUD viewer (overrides --follow-hub)")
		showHud       = pflag.Bool("hud", false, "launch the foreground HUD viewer in this process")
		logFile       = pflag.String("log-file", "./data/warchest.log", "log file path when --hud is set (the HUD owns the terminal)")
	)
	pflag.Parse()

	if *noFollowHub {
		*followHub = false
	}
	if *hudStatePath == "" {
		*hudStatePath = *statusDir + "/status.json"
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warchest: .env: %v\n", err)
	}

	setupLogger(*showHud, *logFile)

	opts := runOptions{
		StatusDir:     *statusDir,
		HudEventsPath: *hudEventsPath,
		HudStatePath:  *hudStatePath,
		FollowHub:     *followHub,
		ShowHud:       *showHud,
	}
	if err := run(*configPath, *walletFlags, opts); err != nil {
		log.Fatal().Err(err).Msg("warchest: fatal")
	}
}

// runOptions carries the parsed CLI surface into run.
type runOptions struct {
	StatusDir     string
	HudEventsPath string
	HudStatePath  string
	FollowHub     bool
	ShowHud       bool
}

// setupLogger routes logs by mode: a foreground HUD takes over the
// terminal, so logs move to a file; without a HUD, logs render to the
// console.
func setupLogger(showHud bool, logFilePath string) {
	zerolog.TimeFieldFormat = time.RFC3339

	if !showHud {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}

	if err := os.MkdirAll(dirOf(logFilePath), 0o755); err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func run(configPath string, walletFlags []string, opts runOptions) error {
	startedAt := time.Now()

	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	specs, err := walletspec.ParseAll(walletFlags)
	if err != nil {
		return fmt.Errorf("parse --wallet flags: %w", err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("at least one --wallet alias:pubkey is required")
	}

	st, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := walletspec.Resolve(specs, st); err != nil {
		st.Close()
		return fmt.Errorf("resolve wallets: %w", err)
	}

	docs, err := strategy.Load(cfg.Strategy.DocumentsDir)
	if err != nil {
		st.Close()
		return fmt.Errorf("load strategy documents: %w", err)
	}

	rpcClient := chainrpc.NewClient(cfg.RPC.PrimaryURL, cfg.RPC.FallbackURL, mgr.RPCAPIKey())

	blockhashes := chainrpc.NewBlockhashCache(rpcClient, 5*time.Second, 30*time.Second)
	if err := blockhashes.Start(); err != nil {
		log.Warn().Err(err).Msg("warchest: initial blockhash fetch failed, cache will retry lazily")
	}
	defer blockhashes.Stop()

	var subscriber *chainrpc.Subscriber
	if cfg.RPC.WSURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		subscriber, err = chainrpc.Dial(ctx, cfg.RPC.WSURL)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("warchest: websocket subscriber unavailable, falling back to polling-only monitoring")
		}
	}

	coordinator := hub.New(opts.StatusDir, opts.HudEventsPath, true)

	ctx, cancel := context.WithCancel(context.Background())
	coordinator.RegisterCleanup(func() {
		cancel()
		if subscriber != nil {
			subscriber.Close()
		}
		blockhashes.Stop()
		st.Close()
	})

	retentionCron := cron.New(cron.WithSeconds())
	if _, err := retentionCron.AddFunc(cfg.Store.RetentionCron, pruneEvaluationsJob(st, cfg.Store.RetentionDays)); err != nil {
		log.Warn().Err(err).Str("cron", cfg.Store.RetentionCron).Msg("warchest: invalid retention schedule, sweep disabled")
	} else {
		retentionCron.Start()
	}
	coordinator.RegisterCleanup(func() { retentionCron.Stop() })

	registered := make([]registeredWallet, 0, len(specs))
	for _, spec := range specs {
		walletID, err := st.RegisterWallet(spec.Alias, spec.Pubkey)
		if err != nil {
			cancel()
			return fmt.Errorf("register wallet %s: %w", spec.Alias, err)
		}
		registered = append(registered, registeredWallet{Spec: spec, WalletID: walletID})
	}

	// chart is nil: no default candle/OHLCV provider is wired, and
	// indicator computation degrades gracefully to nil fields (see
	// evaluation.Execute's `chart != nil` guard).
	controllers := make([]*sellops.Controller, 0, len(registered))
	for _, rw := range registered {
		executor := swap.NewJupiterExecutor(
			cfg.Swap.QuoteAPIURL,
			time.Duration(cfg.Swap.TimeoutSeconds)*time.Second,
			newSignHook(rw.Spec.Alias),
			newSendHook(rpcClient),
		)

		adapters := newWalletAdapters(rw.WalletID, rw.Spec.Alias, rw.Spec.Pubkey, st, rpcClient, subscriber, executor, coordinator, cfg.Swap.SlippageBps)

		controller := sellops.New(
			rw.WalletID, rw.Spec.Alias,
			st, nil, docs, coordinator,
			adapters, adapters, adapters,
			autopsyFor(rw.Spec.Alias),
			cfg.SellOps.ObserveOnly,
		)
		controller.SlowPeriod = time.Duration(cfg.SellOps.SlowLoopMs) * time.Millisecond
		controller.FastPeriod = time.Duration(cfg.SellOps.FastLoopMs) * time.Millisecond
		controller.ChartLookbackMs = cfg.Evaluation.LookbackMs
		controller.VWAPPeriods = cfg.Evaluation.VWAPPeriods
		controller.SlopeLookback = cfg.Evaluation.SlopeLookback
		controller.EntryPriceFetch = entryPriceFetchFor(st)
		controller.Start(ctx)
		controllers = append(controllers, controller)

		log.Info().Str("wallet", rw.Spec.Alias).Str("walletId", rw.WalletID).Msg("warchest: sellops controller started")
	}
	coordinator.RegisterCleanup(func() {
		for _, c := range controllers {
			c.Stop("shutdown")
		}
	})

	mode := "observe"
	if !cfg.SellOps.ObserveOnly {
		mode = "execute"
	}
	go heartbeatLoop(ctx, coordinator, rpcClient, subscriber != nil, registered, startedAt, mode)
	go panicSellSignalLoop(ctx, controllers)

	coordinator.AttachSignals()

	if opts.ShowHud {
		eventsPath := opts.HudEventsPath
		if !opts.FollowHub {
			eventsPath = ""
		}
		program := tea.NewProgram(hudview.NewModel(opts.HudStatePath, eventsPath, time.Duration(cfg.HUD.RenderIntervalMs)*time.Millisecond))
		if _, err := program.Run(); err != nil {
			log.Error().Err(err).Msg("warchest: hud exited with error")
		}
		coordinator.Shutdown()
		return nil
	}

	<-ctx.Done()
	return nil
}

type registeredWallet struct {
	Spec     walletspec.Spec
	WalletID string
}

// pruneEvaluationsJob builds the retention sweep cron.AddFunc runs, deleting
// evaluation audit-trail rows older than retentionDays.
func pruneEvaluationsJob(st *store.SQLiteStore, retentionDays int) func() {
	return func() {
		cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		removed, err := st.PruneEvaluations(cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("warchest: evaluation retention sweep failed")
			return
		}
		log.Info().Int64("removed", removed).Msg("warchest: evaluation retention sweep complete")
	}
}

// panicSellSignalLoop is the operator escape hatch for a headless
// daemon: SIGUSR1 force-closes every open position across every managed
// wallet.
func panicSellSignalLoop(ctx context.Context, controllers []*sellops.Controller) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Warn().Msg("warchest: SIGUSR1 received, force-closing all positions")
			for _, c := range controllers {
				c.ForceCloseAll(ctx)
			}
		}
	}
}

// heartbeatLoop publishes the hub's status.json at a fixed cadence.
func heartbeatLoop(ctx context.Context, coordinator *hub.Coordinator, rpcClient *chainrpc.Client, wsConnected bool, wallets []registeredWallet, startedAt time.Time, mode string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	infos := make([]health.WalletInfo, len(wallets))
	for i, w := range wallets {
		infos[i] = health.WalletInfo{Alias: w.Spec.Alias, Running: true}
	}

	publish := func() {
		stats := rpcClient.Stats()
		snap := health.Build(startedAt, mode, wsConnected, infos, stats.Failures, stats.CircuitOpen)
		if err := coordinator.PublishStatus(hub.Health{
			Process:  snap.Process,
			WS:       snap.WS,
			Wallets:  snap.Wallets,
			RPCStats: snap.RPCStats,
		}); err != nil {
			log.Warn().Err(err).Msg("warchest: failed to publish heartbeat status")
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
