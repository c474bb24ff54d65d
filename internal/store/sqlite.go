package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the concrete Store implementation backed by
// modernc.org/sqlite: WAL mode, busy-timeout pragma, schema created on
// open.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a WAL-mode SQLite database at
// path and ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("store initialized")
	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		wallet_id TEXT PRIMARY KEY,
		alias TEXT NOT NULL UNIQUE,
		pubkey TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS coins (
		mint TEXT PRIMARY KEY,
		price_usd REAL NOT NULL,
		price_sol REAL NOT NULL,
		sol_usd_price REAL NOT NULL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pools (
		address TEXT PRIMARY KEY,
		mint TEXT NOT NULL,
		liquidity_usd REAL NOT NULL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		mint TEXT NOT NULL,
		interval TEXT NOT NULL,
		time_ms INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (mint, interval, time_ms)
	);

	CREATE TABLE IF NOT EXISTS risk (
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		score REAL NOT NULL,
		warnings TEXT NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, mint)
	);

	CREATE TABLE IF NOT EXISTS pnl (
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		trade_uuid TEXT NOT NULL,
		avg_cost_usd REAL NOT NULL,
		realized_usd REAL NOT NULL,
		unrealized_usd REAL NOT NULL,
		PRIMARY KEY (wallet_id, mint, trade_uuid)
	);

	CREATE TABLE IF NOT EXISTS open_position_runs (
		position_id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		wallet_alias TEXT NOT NULL,
		mint TEXT NOT NULL,
		trade_uuid TEXT NOT NULL UNIQUE,
		strategy_name TEXT NOT NULL DEFAULT '',
		opened_at INTEGER NOT NULL,
		last_trade_at INTEGER NOT NULL,
		current_token_amount REAL NOT NULL,
		expected_notional_usd REAL NOT NULL DEFAULT 0,
		entry_price_sol REAL NOT NULL,
		entry_price_usd REAL NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		closed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_open_runs_wallet ON open_position_runs(wallet_id, closed_at);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		trade_uuid TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		recommendation TEXT NOT NULL,
		worst_severity TEXT NOT NULL,
		warnings TEXT NOT NULL,
		raw BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_trade ON evaluations(trade_uuid, created_at);

	CREATE TABLE IF NOT EXISTS trade_events (
		txid TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		wallet_alias TEXT NOT NULL,
		mint TEXT NOT NULL,
		side TEXT NOT NULL,
		token_amount REAL NOT NULL,
		sol_amount REAL NOT NULL,
		price_sol_per_token REAL NOT NULL,
		price_usd_per_token REAL NOT NULL,
		sol_usd_price REAL NOT NULL,
		fees_sol REAL NOT NULL,
		fees_usd REAL NOT NULL,
		slippage_pct REAL NOT NULL,
		price_impact_pct REAL NOT NULL,
		executed_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) LoadCoin(mint string) (*Coin, error) {
	var c Coin
	var lastUpdated int64
	err := s.db.QueryRow(`SELECT mint, price_usd, price_sol, sol_usd_price, last_updated FROM coins WHERE mint = ?`, mint).
		Scan(&c.Mint, &c.PriceUsd, &c.PriceSol, &c.SolUsdPrice, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastUpdated = time.UnixMilli(lastUpdated)
	return &c, nil
}

func (s *SQLiteStore) LoadBestPool(mint string) (*Pool, error) {
	var p Pool
	var lastUpdated int64
	err := s.db.QueryRow(`
		SELECT address, mint, liquidity_usd, last_updated FROM pools
		WHERE mint = ? ORDER BY liquidity_usd DESC, last_updated DESC LIMIT 1`, mint).
		Scan(&p.Address, &p.Mint, &p.LiquidityUsd, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.LastUpdated = time.UnixMilli(lastUpdated)
	return &p, nil
}

func (s *SQLiteStore) LoadEvents(walletID, mint string, intervals []string) (map[string]EventsWindow, error) {
	out := make(map[string]EventsWindow, len(intervals))
	for _, interval := range intervals {
		rows, err := s.db.Query(`
			SELECT time_ms, open, high, low, close, volume, last_updated
			FROM events WHERE mint = ? AND interval = ? ORDER BY time_ms ASC`, mint, interval)
		if err != nil {
			return nil, err
		}
		var window EventsWindow
		window.Interval = interval
		var maxUpdated int64
		for rows.Next() {
			var c Candle
			var lastUpdated int64
			if err := rows.Scan(&c.TimeMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &lastUpdated); err != nil {
				rows.Close()
				return nil, err
			}
			window.Candles = append(window.Candles, c)
			if lastUpdated > maxUpdated {
				maxUpdated = lastUpdated
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		window.LastUpdated = time.UnixMilli(maxUpdated)
		out[interval] = window
	}
	return out, nil
}

func (s *SQLiteStore) LoadRisk(walletID, mint string) (*Risk, error) {
	var r Risk
	var warningsJSON string
	var lastUpdated int64
	err := s.db.QueryRow(`
		SELECT score, warnings, last_updated FROM risk WHERE wallet_id = ? AND mint = ?`, walletID, mint).
		Scan(&r.Score, &warningsJSON, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(warningsJSON), &r.Warnings)
	r.LastUpdated = time.UnixMilli(lastUpdated)
	return &r, nil
}

func (s *SQLiteStore) LoadPnl(walletID, mint, tradeUUID string) (*Pnl, error) {
	var p Pnl
	err := s.db.QueryRow(`
		SELECT avg_cost_usd, realized_usd, unrealized_usd FROM pnl
		WHERE wallet_id = ? AND mint = ? AND trade_uuid = ?`, walletID, mint, tradeUUID).
		Scan(&p.AvgCostUsd, &p.RealizedUsd, &p.UnrealizedUsd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) LoadOpenPositions(walletID string) ([]OpenPosition, error) {
	rows, err := s.db.Query(`
		SELECT position_id, wallet_id, wallet_alias, mint, trade_uuid, strategy_name,
		       opened_at, last_trade_at, current_token_amount, expected_notional_usd, entry_price_sol, entry_price_usd, source
		FROM open_position_runs WHERE wallet_id = ? AND closed_at IS NULL`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenPosition
	for rows.Next() {
		var p OpenPosition
		var openedAt, lastTradeAt int64
		if err := rows.Scan(&p.PositionID, &p.WalletID, &p.WalletAlias, &p.Mint, &p.TradeUUID, &p.StrategyName,
			&openedAt, &lastTradeAt, &p.CurrentTokenAmount, &p.ExpectedNotionalUsd, &p.EntryPriceSol, &p.EntryPriceUsd, &p.Source); err != nil {
			return nil, err
		}
		p.OpenedAt = time.UnixMilli(openedAt)
		p.LastTradeAt = time.UnixMilli(lastTradeAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertEvaluation(rec EvaluationRecord) error {
	warningsJSON, _ := json.Marshal(rec.Warnings)
	_, err := s.db.Exec(`
		INSERT INTO evaluations (wallet_id, mint, trade_uuid, created_at, recommendation, worst_severity, warnings, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WalletID, rec.Mint, rec.TradeUUID, rec.CreatedAt.UnixMilli(), rec.Recommendation, rec.WorstSeverity, string(warningsJSON), rec.Raw)
	return err
}

// RecordTradeEvent is the single-writer trade-event entry point; it is
// idempotent under replay of the same txid (INSERT OR IGNORE preserves
// the original row's pricing fields and wallet_alias).
func (s *SQLiteStore) RecordTradeEvent(ev TradeEvent) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trade_events
		(txid, wallet_id, wallet_alias, mint, side, token_amount, sol_amount, price_sol_per_token,
		 price_usd_per_token, sol_usd_price, fees_sol, fees_usd, slippage_pct, price_impact_pct, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TxID, ev.WalletID, ev.WalletAlias, ev.Mint, ev.Side, ev.TokenAmount, ev.SolAmount, ev.PriceSolPerToken,
		ev.PriceUsdPerToken, ev.SolUsdPrice, ev.FeesSol, ev.FeesUsd, ev.SlippagePct, ev.PriceImpactPct, ev.ExecutedAt.UnixMilli())
	return err
}

// EnsureOpenPositionRun returns the existing tradeUuid for an open
// (wallet, mint) run, or mints and persists a new one.
func (s *SQLiteStore) EnsureOpenPositionRun(walletID, mint string) (string, error) {
	var existing string
	err := s.db.QueryRow(`
		SELECT trade_uuid FROM open_position_runs WHERE wallet_id = ? AND mint = ? AND closed_at IS NULL`,
		walletID, mint).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	tradeUUID := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = s.db.Exec(`
		INSERT INTO open_position_runs
		(position_id, wallet_id, wallet_alias, mint, trade_uuid, opened_at, last_trade_at, current_token_amount,
		 entry_price_sol, entry_price_usd, source)
		VALUES (?, ?, '', ?, ?, ?, ?, 0, 0, 0, 'system')`,
		uuid.NewString(), walletID, mint, tradeUUID, now, now)
	if err != nil {
		return "", err
	}
	return tradeUUID, nil
}

// LookupPubkeyByAlias implements walletspec.StoreLookup.
func (s *SQLiteStore) LookupPubkeyByAlias(alias string) (string, bool, error) {
	var pubkey string
	err := s.db.QueryRow(`SELECT pubkey FROM wallets WHERE alias = ?`, alias).Scan(&pubkey)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pubkey, true, nil
}

// RegisterWallet assigns a walletId for a new alias, or returns the
// existing one unchanged. It never overwrites a previously-stored
// pubkey; callers must run walletspec.Resolve first to reject a mismatch
// before calling this.
func (s *SQLiteStore) RegisterWallet(alias, pubkey string) (string, error) {
	var existing string
	err := s.db.QueryRow(`SELECT wallet_id FROM wallets WHERE alias = ?`, alias).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	walletID := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO wallets (wallet_id, alias, pubkey) VALUES (?, ?, ?)`, walletID, alias, pubkey)
	if err != nil {
		return "", err
	}
	return walletID, nil
}

// PruneEvaluations deletes evaluation audit-trail rows older than
// olderThan, backing the scheduled retention sweep in cmd/warchest. It
// returns the number of rows removed.
func (s *SQLiteStore) PruneEvaluations(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM evaluations WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
