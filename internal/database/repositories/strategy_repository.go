package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/database"
	"github.com/aristath/taipei-trader/internal/domain"
)

// StrategyRepository owns the selector's tables: append-only
// performance rows, the per-symbol best-strategy mapping, the shadow
// watch set and the single-row active strategy config.
type StrategyRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const performanceColumns = `id, strategy_name, symbol, mode, total_return_pct, sharpe, max_drawdown_pct, win_rate_pct, total_trades, total_pnl, profit_factor, period_start, period_end, calculated_at`

const mappingColumns = `id, symbol, strategy_name, sharpe, total_return_pct, win_rate_pct, max_drawdown_pct, total_trades, avg_profit, period_start, period_end, updated_at`

// NewStrategyRepository creates a new strategy repository
func NewStrategyRepository(db *sql.DB, log zerolog.Logger) *StrategyRepository {
	return &StrategyRepository{
		db:  db,
		log: log.With().Str("repo", "strategy").Logger(),
	}
}

// InsertPerformance appends a performance measurement. Rows are never
// updated, history stays intact for the weekly report.
func (r *StrategyRepository) InsertPerformance(p *domain.StrategyPerformance) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("failed to insert strategy performance: %w", err)
	}

	calculatedAt := p.CalculatedAt
	if calculatedAt.IsZero() {
		calculatedAt = time.Now()
	}

	result, err := r.db.Exec(`
		INSERT INTO strategy_performance
		(strategy_name, symbol, mode, total_return_pct, sharpe, max_drawdown_pct,
		 win_rate_pct, total_trades, total_pnl, profit_factor, period_start, period_end, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StrategyName, p.Symbol, string(p.Mode),
		p.TotalReturnPct, p.Sharpe, p.MaxDrawdownPct,
		p.WinRatePct, p.TotalTrades, p.TotalPnL, p.ProfitFactor,
		p.PeriodStart.Unix(), p.PeriodEnd.Unix(), calculatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert strategy performance: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// LatestPerformance returns the newest measurement for a
// (strategy, symbol, mode) key, nil when none exists
func (r *StrategyRepository) LatestPerformance(strategy, symbol string, mode domain.PerformanceMode) (*domain.StrategyPerformance, error) {
	rows, err := r.db.Query(
		"SELECT "+performanceColumns+` FROM strategy_performance
		 WHERE strategy_name = ? AND symbol = ? AND mode = ?
		 ORDER BY calculated_at DESC, id DESC LIMIT 1`,
		strategy, symbol, string(mode),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest performance: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPerformance(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy performance: %w", err)
	}
	return p, nil
}

// ListPerformanceSince returns measurements calculated at or after
// since for one mode, newest first
func (r *StrategyRepository) ListPerformanceSince(since time.Time, mode domain.PerformanceMode) ([]*domain.StrategyPerformance, error) {
	rows, err := r.db.Query(
		"SELECT "+performanceColumns+` FROM strategy_performance
		 WHERE mode = ? AND calculated_at >= ?
		 ORDER BY calculated_at DESC, id DESC`,
		string(mode), since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list performance: %w", err)
	}
	defer rows.Close()

	var out []*domain.StrategyPerformance
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy performance: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy performance: %w", err)
	}
	return out, nil
}

// UpsertMapping stores the best strategy for a symbol
func (r *StrategyRepository) UpsertMapping(m *domain.StrategyStockMapping) error {
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO strategy_stock_mapping
		(symbol, strategy_name, sharpe, total_return_pct, win_rate_pct, max_drawdown_pct,
		 total_trades, avg_profit, period_start, period_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			strategy_name = excluded.strategy_name,
			sharpe = excluded.sharpe,
			total_return_pct = excluded.total_return_pct,
			win_rate_pct = excluded.win_rate_pct,
			max_drawdown_pct = excluded.max_drawdown_pct,
			total_trades = excluded.total_trades,
			avg_profit = excluded.avg_profit,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			updated_at = excluded.updated_at`,
		m.Symbol, m.StrategyName, m.Sharpe, m.TotalReturnPct, m.WinRatePct, m.MaxDrawdownPct,
		m.TotalTrades, m.AvgProfit, m.PeriodStart.Unix(), m.PeriodEnd.Unix(), updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy mapping for %s: %w", m.Symbol, err)
	}
	return nil
}

// GetMapping returns the best strategy for a symbol, nil when unmapped
func (r *StrategyRepository) GetMapping(symbol string) (*domain.StrategyStockMapping, error) {
	rows, err := r.db.Query("SELECT "+mappingColumns+" FROM strategy_stock_mapping WHERE symbol = ?", symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy mapping: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMapping(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy mapping: %w", err)
	}
	return m, nil
}

// ListMappings returns every symbol mapping ordered by symbol
func (r *StrategyRepository) ListMappings() ([]*domain.StrategyStockMapping, error) {
	rows, err := r.db.Query("SELECT " + mappingColumns + " FROM strategy_stock_mapping ORDER BY symbol ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list strategy mappings: %w", err)
	}
	defer rows.Close()

	var out []*domain.StrategyStockMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy mappings: %w", err)
	}
	return out, nil
}

// ReplaceShadowStocks swaps the whole shadow watch set in one
// transaction. Readers never observe a partially rebuilt set.
func (r *StrategyRepository) ReplaceShadowStocks(stocks []*domain.ShadowModeStock) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM shadow_mode_stocks"); err != nil {
			return fmt.Errorf("failed to clear shadow stocks: %w", err)
		}
		for _, s := range stocks {
			_, err := tx.Exec(`
				INSERT INTO shadow_mode_stocks
				(symbol, strategy_name, rank_position, enabled, expected_return_pct)
				VALUES (?, ?, ?, ?, ?)`,
				s.Symbol, s.StrategyName, s.RankPosition, boolToInt(s.Enabled), s.ExpectedReturnPct,
			)
			if err != nil {
				return fmt.Errorf("failed to insert shadow stock %s: %w", s.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().Int("count", len(stocks)).Msg("Shadow stock set replaced")
	return nil
}

// ListShadowStocks returns the watch set ordered by rank
func (r *StrategyRepository) ListShadowStocks() ([]*domain.ShadowModeStock, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, strategy_name, rank_position, enabled, expected_return_pct
		FROM shadow_mode_stocks ORDER BY rank_position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow stocks: %w", err)
	}
	defer rows.Close()

	var out []*domain.ShadowModeStock
	for rows.Next() {
		var s domain.ShadowModeStock
		var enabled int
		if err := rows.Scan(&s.ID, &s.Symbol, &s.StrategyName, &s.RankPosition, &enabled, &s.ExpectedReturnPct); err != nil {
			return nil, fmt.Errorf("failed to scan shadow stock: %w", err)
		}
		s.Enabled = enabled != 0
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow stocks: %w", err)
	}
	return out, nil
}

// SetActiveStrategy replaces the single active strategy row
func (r *StrategyRepository) SetActiveStrategy(cfg *domain.ActiveStrategyConfig) error {
	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO active_strategy_config
		(id, strategy_name, parameters, auto_switched, switch_reason,
		 sharpe, total_return_pct, win_rate_pct, max_drawdown_pct, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strategy_name = excluded.strategy_name,
			parameters = excluded.parameters,
			auto_switched = excluded.auto_switched,
			switch_reason = excluded.switch_reason,
			sharpe = excluded.sharpe,
			total_return_pct = excluded.total_return_pct,
			win_rate_pct = excluded.win_rate_pct,
			max_drawdown_pct = excluded.max_drawdown_pct,
			updated_at = excluded.updated_at`,
		cfg.StrategyName, nullString(cfg.ParametersJSON), boolToInt(cfg.AutoSwitched),
		nullString(cfg.SwitchReason), cfg.Sharpe, cfg.TotalReturnPct,
		cfg.WinRatePct, cfg.MaxDrawdownPct, updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set active strategy: %w", err)
	}

	r.log.Info().
		Str("strategy", cfg.StrategyName).
		Bool("auto_switched", cfg.AutoSwitched).
		Msg("Active strategy updated")

	return nil
}

// GetActiveStrategy returns the active strategy row, nil when unset
func (r *StrategyRepository) GetActiveStrategy() (*domain.ActiveStrategyConfig, error) {
	rows, err := r.db.Query(`
		SELECT id, strategy_name, parameters, auto_switched, switch_reason,
		       sharpe, total_return_pct, win_rate_pct, max_drawdown_pct, updated_at
		FROM active_strategy_config WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get active strategy: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var cfg domain.ActiveStrategyConfig
	var parameters, switchReason sql.NullString
	var autoSwitched int
	var updatedAt int64
	if err := rows.Scan(&cfg.ID, &cfg.StrategyName, &parameters, &autoSwitched, &switchReason,
		&cfg.Sharpe, &cfg.TotalReturnPct, &cfg.WinRatePct, &cfg.MaxDrawdownPct, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan active strategy: %w", err)
	}
	cfg.ParametersJSON = parameters.String
	cfg.SwitchReason = switchReason.String
	cfg.AutoSwitched = autoSwitched != 0
	cfg.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &cfg, nil
}

func scanPerformance(rows *sql.Rows) (*domain.StrategyPerformance, error) {
	var p domain.StrategyPerformance
	var periodStart, periodEnd, calculatedAt int64

	err := rows.Scan(
		&p.ID, &p.StrategyName, &p.Symbol, &p.Mode,
		&p.TotalReturnPct, &p.Sharpe, &p.MaxDrawdownPct,
		&p.WinRatePct, &p.TotalTrades, &p.TotalPnL, &p.ProfitFactor,
		&periodStart, &periodEnd, &calculatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.PeriodStart = time.Unix(periodStart, 0).UTC()
	p.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	p.CalculatedAt = time.Unix(calculatedAt, 0).UTC()
	return &p, nil
}

func scanMapping(rows *sql.Rows) (*domain.StrategyStockMapping, error) {
	var m domain.StrategyStockMapping
	var periodStart, periodEnd, updatedAt int64

	err := rows.Scan(
		&m.ID, &m.Symbol, &m.StrategyName, &m.Sharpe, &m.TotalReturnPct,
		&m.WinRatePct, &m.MaxDrawdownPct, &m.TotalTrades, &m.AvgProfit,
		&periodStart, &periodEnd, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.PeriodStart = time.Unix(periodStart, 0).UTC()
	m.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}
