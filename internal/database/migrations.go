package database

import (
	"database/sql"
	"fmt"
)

// Schema is the authoritative DDL for the trader database. Every
// statement is idempotent so Migrate can run on every startup.
// Timestamps are stored as Unix seconds (UTC), trade dates as
// YYYY-MM-DD strings.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	executed_at INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	quantity REAL NOT NULL CHECK(quantity > 0),
	entry_price REAL NOT NULL CHECK(entry_price > 0),
	exit_price REAL,
	realized_pnl REAL,
	strategy_name TEXT,
	entry_reason TEXT,
	exit_reason TEXT,
	mode TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'OPEN',
	market_code TEXT,
	order_id TEXT,
	hold_minutes INTEGER,
	slippage_bps REAL,
	time_bucket TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_executed ON trades(symbol, executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_mode_status ON trades(mode, status);

CREATE TABLE IF NOT EXISTS signals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	strategy_name TEXT NOT NULL,
	direction TEXT NOT NULL,
	confidence REAL NOT NULL,
	current_price REAL NOT NULL,
	indicators TEXT,
	reason TEXT,
	news_veto INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON signals(symbol, created_at);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	type TEXT NOT NULL,
	severity TEXT,
	category TEXT,
	message TEXT NOT NULL,
	details TEXT,
	component TEXT,
	user_id TEXT,
	response_time_ms INTEGER,
	error_code TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(type, created_at);

CREATE TABLE IF NOT EXISTS llm_insights (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	insight_type TEXT NOT NULL,
	source TEXT NOT NULL,
	symbol TEXT,
	prompt TEXT NOT NULL,
	model_name TEXT NOT NULL,
	response TEXT,
	confidence REAL,
	recommendation TEXT,
	explanation TEXT,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_llm_insights_created ON llm_insights(created_at);

CREATE TABLE IF NOT EXISTS daily_statistics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_date TEXT NOT NULL,
	symbol TEXT NOT NULL,
	strategy_name TEXT NOT NULL,
	open_price REAL NOT NULL DEFAULT 0,
	high_price REAL NOT NULL DEFAULT 0,
	low_price REAL NOT NULL DEFAULT 0,
	close_price REAL NOT NULL DEFAULT 0,
	volume REAL NOT NULL DEFAULT 0,
	total_trades INTEGER NOT NULL DEFAULT 0,
	winning_trades INTEGER NOT NULL DEFAULT 0,
	losing_trades INTEGER NOT NULL DEFAULT 0,
	win_rate REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	total_pnl REAL NOT NULL DEFAULT 0,
	max_drawdown REAL NOT NULL DEFAULT 0,
	profit_factor REAL NOT NULL DEFAULT 0,
	avg_hold_minutes REAL NOT NULL DEFAULT 0,
	min_hold_minutes REAL NOT NULL DEFAULT 0,
	max_hold_minutes REAL NOT NULL DEFAULT 0,
	signals_generated INTEGER NOT NULL DEFAULT 0,
	signals_acted INTEGER NOT NULL DEFAULT 0,
	news_vetos INTEGER NOT NULL DEFAULT 0,
	rsi_close REAL,
	macd_close REAL,
	sma_close REAL,
	atr_close REAL,
	vwap_close REAL,
	cumulative_pnl REAL NOT NULL DEFAULT 0,
	cumulative_trades INTEGER NOT NULL DEFAULT 0,
	win_streak INTEGER NOT NULL DEFAULT 0,
	loss_streak INTEGER NOT NULL DEFAULT 0,
	equity_high_water REAL NOT NULL DEFAULT 0,
	llama_insight TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(trade_date, symbol, strategy_name)
);

CREATE TABLE IF NOT EXISTS strategy_performance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_name TEXT NOT NULL,
	symbol TEXT NOT NULL,
	mode TEXT NOT NULL,
	total_return_pct REAL NOT NULL DEFAULT 0,
	sharpe REAL NOT NULL DEFAULT 0,
	max_drawdown_pct REAL NOT NULL DEFAULT 0,
	win_rate_pct REAL NOT NULL DEFAULT 0,
	total_trades INTEGER NOT NULL DEFAULT 0,
	total_pnl REAL NOT NULL DEFAULT 0,
	profit_factor REAL NOT NULL DEFAULT 0,
	period_start INTEGER NOT NULL,
	period_end INTEGER NOT NULL,
	calculated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategy_performance_lookup ON strategy_performance(strategy_name, symbol, mode, calculated_at);

CREATE TABLE IF NOT EXISTS strategy_stock_mapping (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL UNIQUE,
	strategy_name TEXT NOT NULL,
	sharpe REAL NOT NULL DEFAULT 0,
	total_return_pct REAL NOT NULL DEFAULT 0,
	win_rate_pct REAL NOT NULL DEFAULT 0,
	max_drawdown_pct REAL NOT NULL DEFAULT 0,
	total_trades INTEGER NOT NULL DEFAULT 0,
	avg_profit REAL NOT NULL DEFAULT 0,
	period_start INTEGER NOT NULL,
	period_end INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shadow_mode_stocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	strategy_name TEXT NOT NULL,
	rank_position INTEGER NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	expected_return_pct REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS active_strategy_config (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	strategy_name TEXT NOT NULL,
	parameters TEXT,
	auto_switched INTEGER NOT NULL DEFAULT 0,
	switch_reason TEXT,
	sharpe REAL NOT NULL DEFAULT 0,
	total_return_pct REAL NOT NULL DEFAULT 0,
	win_rate_pct REAL NOT NULL DEFAULT 0,
	max_drawdown_pct REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS earnings_blackout_meta (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	last_updated INTEGER NOT NULL,
	ttl_days INTEGER NOT NULL DEFAULT 7,
	source TEXT,
	tickers_checked TEXT
);

CREATE TABLE IF NOT EXISTS earnings_blackout_dates (
	date TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS market_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	name TEXT,
	timestamp INTEGER NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL DEFAULT 0,
	UNIQUE(symbol, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_market_data_symbol_ts ON market_data(symbol, timestamp);
`

// migrations holds post-schema DDL keyed by target user_version. New
// entries append; existing entries never change once released.
var migrations = []string{
	// version 1: partial unique index on broker order ids. Lives here
	// rather than in Schema because older deployments carried duplicate
	// empty order_id rows.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_order_id
		ON trades(order_id) WHERE order_id IS NOT NULL AND order_id != ''`,
}

// Migrate applies the schema and any pending versioned migrations.
// Safe to call on every startup.
func (db *DB) Migrate() error {
	return ApplySchema(db.conn)
}

// ApplySchema runs the embedded DDL against conn. Exported so repository
// tests can prepare in-memory databases with the production schema.
func ApplySchema(conn *sql.DB) error {
	if err := WithTransaction(conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(Schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		stmt := migrations[i]
		if err := WithTransaction(conn, func(tx *sql.Tx) error {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
			return nil
		}); err != nil {
			return err
		}
		// PRAGMA does not accept bind parameters
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("failed to bump schema version to %d: %w", i+1, err)
		}
	}

	return nil
}
