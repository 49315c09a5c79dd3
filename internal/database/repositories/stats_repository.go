package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

// StatsRepository persists close-of-session aggregates. Re-running the
// end-of-day job for a date replaces that date's row.
type StatsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const dailyStatsColumns = `id, trade_date, symbol, strategy_name,
	open_price, high_price, low_price, close_price, volume,
	total_trades, winning_trades, losing_trades, win_rate,
	realized_pnl, unrealized_pnl, total_pnl, max_drawdown, profit_factor,
	avg_hold_minutes, min_hold_minutes, max_hold_minutes,
	signals_generated, signals_acted, news_vetos,
	rsi_close, macd_close, sma_close, atr_close, vwap_close,
	cumulative_pnl, cumulative_trades, win_streak, loss_streak,
	equity_high_water, llama_insight, created_at`

// NewStatsRepository creates a new daily statistics repository
func NewStatsRepository(db *sql.DB, log zerolog.Logger) *StatsRepository {
	return &StatsRepository{
		db:  db,
		log: log.With().Str("repo", "stats").Logger(),
	}
}

// Upsert writes the aggregate for one (date, symbol, strategy) triple,
// replacing any earlier run for the same key.
func (r *StatsRepository) Upsert(stats *domain.DailyStatistics) error {
	if err := stats.Validate(); err != nil {
		return fmt.Errorf("failed to upsert daily statistics: %w", err)
	}

	createdAt := stats.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO daily_statistics
		(trade_date, symbol, strategy_name,
		 open_price, high_price, low_price, close_price, volume,
		 total_trades, winning_trades, losing_trades, win_rate,
		 realized_pnl, unrealized_pnl, total_pnl, max_drawdown, profit_factor,
		 avg_hold_minutes, min_hold_minutes, max_hold_minutes,
		 signals_generated, signals_acted, news_vetos,
		 rsi_close, macd_close, sma_close, atr_close, vwap_close,
		 cumulative_pnl, cumulative_trades, win_streak, loss_streak,
		 equity_high_water, llama_insight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_date, symbol, strategy_name) DO UPDATE SET
			open_price = excluded.open_price,
			high_price = excluded.high_price,
			low_price = excluded.low_price,
			close_price = excluded.close_price,
			volume = excluded.volume,
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			win_rate = excluded.win_rate,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			total_pnl = excluded.total_pnl,
			max_drawdown = excluded.max_drawdown,
			profit_factor = excluded.profit_factor,
			avg_hold_minutes = excluded.avg_hold_minutes,
			min_hold_minutes = excluded.min_hold_minutes,
			max_hold_minutes = excluded.max_hold_minutes,
			signals_generated = excluded.signals_generated,
			signals_acted = excluded.signals_acted,
			news_vetos = excluded.news_vetos,
			rsi_close = excluded.rsi_close,
			macd_close = excluded.macd_close,
			sma_close = excluded.sma_close,
			atr_close = excluded.atr_close,
			vwap_close = excluded.vwap_close,
			cumulative_pnl = excluded.cumulative_pnl,
			cumulative_trades = excluded.cumulative_trades,
			win_streak = excluded.win_streak,
			loss_streak = excluded.loss_streak,
			equity_high_water = excluded.equity_high_water,
			llama_insight = excluded.llama_insight,
			created_at = excluded.created_at`,
		stats.TradeDate, stats.Symbol, stats.StrategyName,
		stats.OpenPrice, stats.HighPrice, stats.LowPrice, stats.ClosePrice, stats.Volume,
		stats.TotalTrades, stats.WinningTrades, stats.LosingTrades, stats.WinRate,
		stats.RealizedPnL, stats.UnrealizedPnL, stats.TotalPnL, stats.MaxDrawdown, stats.ProfitFactor,
		stats.AvgHoldMinutes, stats.MinHoldMinutes, stats.MaxHoldMinutes,
		stats.SignalsGenerated, stats.SignalsActed, stats.NewsVetos,
		nullFloat64Ptr(stats.RSIClose), nullFloat64Ptr(stats.MACDClose), nullFloat64Ptr(stats.SMAClose),
		nullFloat64Ptr(stats.ATRClose), nullFloat64Ptr(stats.VWAPClose),
		stats.CumulativePnL, stats.CumulativeTrades, stats.WinStreak, stats.LossStreak,
		stats.EquityHighWater, nullString(stats.LlamaInsight), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily statistics: %w", err)
	}

	r.log.Info().
		Str("trade_date", stats.TradeDate).
		Str("symbol", stats.Symbol).
		Str("strategy", stats.StrategyName).
		Int("trades", stats.TotalTrades).
		Float64("total_pnl", stats.TotalPnL).
		Msg("Daily statistics written")

	return nil
}

// Get returns the row for one (date, symbol, strategy) key, nil when absent
func (r *StatsRepository) Get(tradeDate, symbol, strategy string) (*domain.DailyStatistics, error) {
	rows, err := r.db.Query(
		"SELECT "+dailyStatsColumns+" FROM daily_statistics WHERE trade_date = ? AND symbol = ? AND strategy_name = ?",
		tradeDate, symbol, strategy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily statistics: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	stats, err := scanDailyStats(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan daily statistics: %w", err)
	}
	return stats, nil
}

// Latest returns the most recent row for a (symbol, strategy) pair,
// used to carry cumulative totals and streaks into the next session.
func (r *StatsRepository) Latest(symbol, strategy string) (*domain.DailyStatistics, error) {
	rows, err := r.db.Query(
		"SELECT "+dailyStatsColumns+` FROM daily_statistics
		 WHERE symbol = ? AND strategy_name = ?
		 ORDER BY trade_date DESC LIMIT 1`,
		symbol, strategy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest daily statistics: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	stats, err := scanDailyStats(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan daily statistics: %w", err)
	}
	return stats, nil
}

// GetRange returns rows with trade_date in [fromDate, toDate], oldest
// first. Dates are YYYY-MM-DD strings so lexicographic order is
// chronological order.
func (r *StatsRepository) GetRange(fromDate, toDate string) ([]*domain.DailyStatistics, error) {
	rows, err := r.db.Query(
		"SELECT "+dailyStatsColumns+` FROM daily_statistics
		 WHERE trade_date >= ? AND trade_date <= ?
		 ORDER BY trade_date ASC, symbol ASC`,
		fromDate, toDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily statistics range: %w", err)
	}
	defer rows.Close()

	var out []*domain.DailyStatistics
	for rows.Next() {
		stats, err := scanDailyStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily statistics: %w", err)
		}
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily statistics: %w", err)
	}
	return out, nil
}

func scanDailyStats(rows *sql.Rows) (*domain.DailyStatistics, error) {
	var stats domain.DailyStatistics
	var rsi, macd, sma, atr, vwap sql.NullFloat64
	var llamaInsight sql.NullString
	var createdAt int64

	err := rows.Scan(
		&stats.ID, &stats.TradeDate, &stats.Symbol, &stats.StrategyName,
		&stats.OpenPrice, &stats.HighPrice, &stats.LowPrice, &stats.ClosePrice, &stats.Volume,
		&stats.TotalTrades, &stats.WinningTrades, &stats.LosingTrades, &stats.WinRate,
		&stats.RealizedPnL, &stats.UnrealizedPnL, &stats.TotalPnL, &stats.MaxDrawdown, &stats.ProfitFactor,
		&stats.AvgHoldMinutes, &stats.MinHoldMinutes, &stats.MaxHoldMinutes,
		&stats.SignalsGenerated, &stats.SignalsActed, &stats.NewsVetos,
		&rsi, &macd, &sma, &atr, &vwap,
		&stats.CumulativePnL, &stats.CumulativeTrades, &stats.WinStreak, &stats.LossStreak,
		&stats.EquityHighWater, &llamaInsight, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if rsi.Valid {
		stats.RSIClose = &rsi.Float64
	}
	if macd.Valid {
		stats.MACDClose = &macd.Float64
	}
	if sma.Valid {
		stats.SMAClose = &sma.Float64
	}
	if atr.Valid {
		stats.ATRClose = &atr.Float64
	}
	if vwap.Valid {
		stats.VWAPClose = &vwap.Float64
	}
	stats.LlamaInsight = llamaInsight.String
	stats.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &stats, nil
}
