package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/database"
	"github.com/aristath/taipei-trader/internal/domain"
)

// MarketDataRepository persists OHLCV bars fetched through the bridge's
// data endpoints. Inserts back-fill missing display names from a local
// symbol -> name map; unmapped symbols are stored as-is and logged.
type MarketDataRepository struct {
	db    *sql.DB
	names map[string]string
	log   zerolog.Logger
}

const barColumns = `symbol, name, timestamp, open, high, low, close, volume`

// NewMarketDataRepository creates a new market data repository.
// names maps symbol to display name and may be nil.
func NewMarketDataRepository(db *sql.DB, names map[string]string, log zerolog.Logger) *MarketDataRepository {
	return &MarketDataRepository{
		db:    db,
		names: names,
		log:   log.With().Str("repo", "market_data").Logger(),
	}
}

// InsertBars bulk-inserts bars inside one transaction, skipping rows
// that already exist for their (symbol, timestamp) key. Returns how
// many rows were actually inserted.
func (r *MarketDataRepository) InsertBars(bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO market_data (symbol, name, timestamp, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timestamp) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare bar insert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			name := bar.Name
			if name == "" {
				if mapped, ok := r.names[bar.Symbol]; ok {
					name = mapped
				} else {
					r.log.Debug().Str("symbol", bar.Symbol).Msg("No display name mapping for symbol")
				}
			}

			result, err := stmt.Exec(
				bar.Symbol, nullString(name), bar.Timestamp.Unix(),
				bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
			)
			if err != nil {
				return fmt.Errorf("failed to insert bar for %s: %w", bar.Symbol, err)
			}
			if n, err := result.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().Int("received", len(bars)).Int("inserted", inserted).Msg("Bars stored")
	return inserted, nil
}

// GetRecentBars returns the newest bars for a symbol in chronological
// order, up to limit rows.
func (r *MarketDataRepository) GetRecentBars(symbol string, limit int) ([]domain.Bar, error) {
	if limit <= 0 {
		limit = 100
	}

	// Newest first for the LIMIT, then reversed into chronological order
	rows, err := r.db.Query(
		"SELECT "+barColumns+" FROM market_data WHERE symbol = ? ORDER BY timestamp DESC LIMIT ?",
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bars: %w", err)
	}
	defer rows.Close()

	bars, err := collectBars(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// GetBarsRange returns bars for a symbol with timestamps in [from, to),
// oldest first.
func (r *MarketDataRepository) GetBarsRange(symbol string, from, to time.Time) ([]domain.Bar, error) {
	rows, err := r.db.Query(
		"SELECT "+barColumns+` FROM market_data
		 WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC`,
		symbol, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar range: %w", err)
	}
	defer rows.Close()

	return collectBars(rows)
}

// LatestTimestamp returns the newest bar timestamp for a symbol, zero
// when the symbol has no data.
func (r *MarketDataRepository) LatestTimestamp(symbol string) (time.Time, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow("SELECT MAX(timestamp) FROM market_data WHERE symbol = ?", symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest bar timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// CoverageBySymbol returns row counts per symbol for the data-status
// surface.
func (r *MarketDataRepository) CoverageBySymbol() (map[string]int, error) {
	rows, err := r.db.Query("SELECT symbol, COUNT(*) FROM market_data GROUP BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query bar coverage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var symbol string
		var count int
		if err := rows.Scan(&symbol, &count); err != nil {
			return nil, fmt.Errorf("failed to scan bar coverage: %w", err)
		}
		out[symbol] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bar coverage: %w", err)
	}
	return out, nil
}

func collectBars(rows *sql.Rows) ([]domain.Bar, error) {
	var bars []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var name sql.NullString
		var ts int64
		if err := rows.Scan(&bar.Symbol, &name, &ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bar.Name = name.String
		bar.Timestamp = time.Unix(ts, 0).UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}
