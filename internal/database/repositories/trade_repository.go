package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

// TradeRepository handles trade database operations
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// tradeColumns is the list of columns for the trades table.
// Used to avoid SELECT * which can break when schema changes.
// Column order must match scanTrade() and scanTradeFromRows().
const tradeColumns = `id, executed_at, symbol, action, quantity, entry_price, exit_price, realized_pnl, strategy_name, entry_reason, exit_reason, mode, status, market_code, order_id, hold_minutes, slippage_bps, time_bucket, created_at`

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trade").Logger(),
	}
}

// Create inserts a new trade record and returns its id
func (r *TradeRepository) Create(trade *domain.Trade) (int64, error) {
	if err := trade.Validate(); err != nil {
		return 0, fmt.Errorf("failed to create trade: %w", err)
	}

	// Broker order ids must stay unique; the partial index enforces it,
	// this check keeps retried submissions silent.
	if trade.OrderID != "" {
		exists, err := r.Exists(trade.OrderID)
		if err != nil {
			return 0, fmt.Errorf("failed to check for existing trade: %w", err)
		}
		if exists {
			r.log.Debug().
				Str("order_id", trade.OrderID).
				Msg("Trade with order_id already exists, skipping duplicate")
			return 0, nil
		}
	}

	query := `
		INSERT INTO trades
		(executed_at, symbol, action, quantity, entry_price, exit_price, realized_pnl,
		 strategy_name, entry_reason, exit_reason, mode, status, market_code, order_id,
		 hold_minutes, slippage_bps, time_bucket, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		trade.Timestamp.Unix(),
		trade.Symbol,
		string(trade.Action),
		trade.Quantity,
		trade.EntryPrice,
		nullFloat64Ptr(trade.ExitPrice),
		nullFloat64Ptr(trade.RealizedPnL),
		nullString(trade.StrategyName),
		nullString(trade.EntryReason),
		nullString(trade.ExitReason),
		string(trade.Mode),
		string(trade.Status),
		nullString(trade.MarketCode),
		nullString(trade.OrderID),
		nullInt64Ptr(trade.HoldMinutes),
		nullFloat64Ptr(trade.SlippageBps),
		nullString(trade.TimeBucket),
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create trade: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get trade id: %w", err)
	}
	trade.ID = id

	r.log.Info().
		Int64("id", id).
		Str("symbol", trade.Symbol).
		Str("action", string(trade.Action)).
		Float64("quantity", trade.Quantity).
		Str("mode", string(trade.Mode)).
		Msg("Trade created")

	return id, nil
}

// Close marks an open trade CLOSED with its exit fields. Realized P&L
// and hold duration are computed by the caller.
func (r *TradeRepository) Close(id int64, exitPrice, realizedPnL float64, exitReason string, holdMinutes int64, slippageBps *float64) error {
	query := `
		UPDATE trades
		SET status = ?, exit_price = ?, realized_pnl = ?, exit_reason = ?,
		    hold_minutes = ?, slippage_bps = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.Exec(query,
		string(domain.TradeClosed),
		exitPrice,
		realizedPnL,
		nullString(exitReason),
		holdMinutes,
		nullFloat64Ptr(slippageBps),
		id,
		string(domain.TradeOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to close trade %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result for trade %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("trade %d is not open", id)
	}

	r.log.Info().
		Int64("id", id).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", realizedPnL).
		Msg("Trade closed")

	return nil
}

// Cancel marks an open trade CANCELLED (order rejected or never filled)
func (r *TradeRepository) Cancel(id int64, reason string) error {
	result, err := r.db.Exec(
		"UPDATE trades SET status = ?, exit_reason = ? WHERE id = ? AND status = ?",
		string(domain.TradeCancelled), nullString(reason), id, string(domain.TradeOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to cancel trade %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancel result for trade %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("trade %d is not open", id)
	}
	return nil
}

// GetByID retrieves a trade by id, nil when absent
func (r *TradeRepository) GetByID(id int64) (*domain.Trade, error) {
	row := r.db.QueryRow("SELECT "+tradeColumns+" FROM trades WHERE id = ?", id)

	trade, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return trade, nil
}

// Exists reports whether a trade with the given broker order id exists
func (r *TradeRepository) Exists(orderID string) (bool, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM trades WHERE order_id = ?", orderID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check trade existence: %w", err)
	}
	return count > 0, nil
}

// GetOpen returns all OPEN trades for a mode, oldest first
func (r *TradeRepository) GetOpen(mode domain.TradingMode) ([]*domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE status = ? AND mode = ? ORDER BY executed_at ASC"
	return r.queryTrades(query, string(domain.TradeOpen), string(mode))
}

// GetOpenBySymbol returns OPEN trades for one symbol and mode
func (r *TradeRepository) GetOpenBySymbol(symbol string, mode domain.TradingMode) ([]*domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE status = ? AND mode = ? AND symbol = ? ORDER BY executed_at ASC"
	return r.queryTrades(query, string(domain.TradeOpen), string(mode), symbol)
}

// CountOpen returns the number of OPEN trades for a mode
func (r *TradeRepository) CountOpen(mode domain.TradingMode) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM trades WHERE status = ? AND mode = ?",
		string(domain.TradeOpen), string(mode),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open trades: %w", err)
	}
	return count, nil
}

// RealizedPnLSince sums realized P&L of trades closed at or after since.
// Loss-limit gates call this with start-of-day/week/month bounds.
func (r *TradeRepository) RealizedPnLSince(since time.Time, mode domain.TradingMode) (float64, error) {
	var pnl sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(realized_pnl) FROM trades
		WHERE status = ? AND mode = ? AND executed_at >= ? AND realized_pnl IS NOT NULL`,
		string(domain.TradeClosed), string(mode), since.Unix(),
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	if !pnl.Valid {
		return 0, nil
	}
	return pnl.Float64, nil
}

// GetClosedSince returns CLOSED trades executed at or after since,
// newest first. limit <= 0 means no limit.
func (r *TradeRepository) GetClosedSince(since time.Time, mode domain.TradingMode, limit int) ([]*domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE status = ? AND mode = ? AND executed_at >= ? ORDER BY executed_at DESC"
	args := []interface{}{string(domain.TradeClosed), string(mode), since.Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryTrades(query, args...)
}

// GetClosedByStrategy returns CLOSED trades for one strategy, oldest
// first, for performance and go-live eligibility calculations.
func (r *TradeRepository) GetClosedByStrategy(strategy string, mode domain.TradingMode, since time.Time) ([]*domain.Trade, error) {
	query := "SELECT " + tradeColumns + ` FROM trades
		WHERE status = ? AND mode = ? AND strategy_name = ? AND executed_at >= ?
		ORDER BY executed_at ASC`
	return r.queryTrades(query, string(domain.TradeClosed), string(mode), strategy, since.Unix())
}

// GetByDateRange returns all trades executed in [from, to), oldest first
func (r *TradeRepository) GetByDateRange(from, to time.Time, mode domain.TradingMode) ([]*domain.Trade, error) {
	query := "SELECT " + tradeColumns + ` FROM trades
		WHERE mode = ? AND executed_at >= ? AND executed_at < ?
		ORDER BY executed_at ASC`
	return r.queryTrades(query, string(mode), from.Unix(), to.Unix())
}

// GetRecent returns the most recent trades across modes, newest first
func (r *TradeRepository) GetRecent(limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + tradeColumns + " FROM trades ORDER BY executed_at DESC, id DESC LIMIT ?"
	return r.queryTrades(query, limit)
}

func (r *TradeRepository) queryTrades(query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		trade, err := scanTradeFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

func scanTrade(row *sql.Row) (*domain.Trade, error) {
	var trade domain.Trade
	var executedAt, createdAt int64
	var exitPrice, realizedPnL, slippageBps sql.NullFloat64
	var strategyName, entryReason, exitReason, marketCode, orderID, timeBucket sql.NullString
	var holdMinutes sql.NullInt64

	err := row.Scan(
		&trade.ID,
		&executedAt,
		&trade.Symbol,
		&trade.Action,
		&trade.Quantity,
		&trade.EntryPrice,
		&exitPrice,
		&realizedPnL,
		&strategyName,
		&entryReason,
		&exitReason,
		&trade.Mode,
		&trade.Status,
		&marketCode,
		&orderID,
		&holdMinutes,
		&slippageBps,
		&timeBucket,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	applyTradeNullables(&trade, executedAt, createdAt, exitPrice, realizedPnL, slippageBps,
		strategyName, entryReason, exitReason, marketCode, orderID, timeBucket, holdMinutes)
	return &trade, nil
}

func scanTradeFromRows(rows *sql.Rows) (*domain.Trade, error) {
	var trade domain.Trade
	var executedAt, createdAt int64
	var exitPrice, realizedPnL, slippageBps sql.NullFloat64
	var strategyName, entryReason, exitReason, marketCode, orderID, timeBucket sql.NullString
	var holdMinutes sql.NullInt64

	err := rows.Scan(
		&trade.ID,
		&executedAt,
		&trade.Symbol,
		&trade.Action,
		&trade.Quantity,
		&trade.EntryPrice,
		&exitPrice,
		&realizedPnL,
		&strategyName,
		&entryReason,
		&exitReason,
		&trade.Mode,
		&trade.Status,
		&marketCode,
		&orderID,
		&holdMinutes,
		&slippageBps,
		&timeBucket,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	applyTradeNullables(&trade, executedAt, createdAt, exitPrice, realizedPnL, slippageBps,
		strategyName, entryReason, exitReason, marketCode, orderID, timeBucket, holdMinutes)
	return &trade, nil
}

func applyTradeNullables(trade *domain.Trade, executedAt, createdAt int64,
	exitPrice, realizedPnL, slippageBps sql.NullFloat64,
	strategyName, entryReason, exitReason, marketCode, orderID, timeBucket sql.NullString,
	holdMinutes sql.NullInt64) {

	trade.Timestamp = time.Unix(executedAt, 0).UTC()
	created := time.Unix(createdAt, 0).UTC()
	trade.CreatedAt = &created

	if exitPrice.Valid {
		trade.ExitPrice = &exitPrice.Float64
	}
	if realizedPnL.Valid {
		trade.RealizedPnL = &realizedPnL.Float64
	}
	if slippageBps.Valid {
		trade.SlippageBps = &slippageBps.Float64
	}
	if holdMinutes.Valid {
		trade.HoldMinutes = &holdMinutes.Int64
	}
	trade.StrategyName = strategyName.String
	trade.EntryReason = entryReason.String
	trade.ExitReason = exitReason.String
	trade.MarketCode = marketCode.String
	trade.OrderID = orderID.String
	trade.TimeBucket = timeBucket.String
}
