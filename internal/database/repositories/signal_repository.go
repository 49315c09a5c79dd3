package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

// SignalRepository persists non-neutral strategy signals
type SignalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const signalColumns = `id, created_at, symbol, strategy_name, direction, confidence, current_price, indicators, reason, news_veto`

// NewSignalRepository creates a new signal repository
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signal").Logger(),
	}
}

// Create inserts a signal record
func (r *SignalRepository) Create(sig *domain.SignalRecord) error {
	ts := sig.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := r.db.Exec(`
		INSERT INTO signals
		(created_at, symbol, strategy_name, direction, confidence, current_price, indicators, reason, news_veto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Unix(),
		sig.Symbol,
		sig.StrategyName,
		string(sig.Direction),
		sig.Confidence,
		sig.CurrentPrice,
		nullString(sig.IndicatorsJSON),
		nullString(sig.Reason),
		boolToInt(sig.NewsVeto),
	)
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		sig.ID = id
	}
	return nil
}

// GetRecent returns the newest signals for a symbol, newest first.
// Empty symbol means all symbols.
func (r *SignalRepository) GetRecent(symbol string, limit int) ([]*domain.SignalRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + signalColumns + " FROM signals"
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*domain.SignalRecord
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return signals, nil
}

// CountSince returns how many signals were recorded at or after since,
// split into total and vetoed.
func (r *SignalRepository) CountSince(since time.Time, symbol string) (total, vetoed int, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(news_veto), 0) FROM signals WHERE created_at >= ?`
	args := []interface{}{since.Unix()}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}

	if err := r.db.QueryRow(query, args...).Scan(&total, &vetoed); err != nil {
		return 0, 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return total, vetoed, nil
}

func scanSignal(rows *sql.Rows) (*domain.SignalRecord, error) {
	var sig domain.SignalRecord
	var createdAt int64
	var indicators, reason sql.NullString
	var newsVeto int

	err := rows.Scan(
		&sig.ID,
		&createdAt,
		&sig.Symbol,
		&sig.StrategyName,
		&sig.Direction,
		&sig.Confidence,
		&sig.CurrentPrice,
		&indicators,
		&reason,
		&newsVeto,
	)
	if err != nil {
		return nil, err
	}

	sig.Timestamp = time.Unix(createdAt, 0).UTC()
	sig.IndicatorsJSON = indicators.String
	sig.Reason = reason.String
	sig.NewsVeto = newsVeto != 0
	return &sig, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
