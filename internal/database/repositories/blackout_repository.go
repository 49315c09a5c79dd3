package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/database"
	"github.com/aristath/taipei-trader/internal/domain"
)

// blackoutDateLayout is the storage format for blackout dates
const blackoutDateLayout = "2006-01-02"

// BlackoutRepository persists the earnings blackout snapshot: one meta
// row plus the date set. Save replaces both atomically.
type BlackoutRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBlackoutRepository creates a new blackout repository
func NewBlackoutRepository(db *sql.DB, log zerolog.Logger) *BlackoutRepository {
	return &BlackoutRepository{
		db:  db,
		log: log.With().Str("repo", "blackout").Logger(),
	}
}

// Save replaces the stored snapshot. Dates are deduplicated and sorted
// before writing.
func (r *BlackoutRepository) Save(snap *domain.BlackoutSnapshot) error {
	dates := normalizeBlackoutDates(snap.Dates)

	tickersJSON, err := json.Marshal(snap.TickersChecked)
	if err != nil {
		return fmt.Errorf("failed to encode tickers: %w", err)
	}

	ttl := snap.TTLDays
	if ttl <= 0 {
		ttl = 7
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO earnings_blackout_meta (id, last_updated, ttl_days, source, tickers_checked)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_updated = excluded.last_updated,
				ttl_days = excluded.ttl_days,
				source = excluded.source,
				tickers_checked = excluded.tickers_checked`,
			snap.LastUpdated.Unix(), ttl, nullString(snap.Source), string(tickersJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to write blackout meta: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM earnings_blackout_dates"); err != nil {
			return fmt.Errorf("failed to clear blackout dates: %w", err)
		}
		for _, d := range dates {
			if _, err := tx.Exec("INSERT INTO earnings_blackout_dates (date) VALUES (?)", d); err != nil {
				return fmt.Errorf("failed to insert blackout date %s: %w", d, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Int("dates", len(dates)).
		Str("source", snap.Source).
		Time("last_updated", snap.LastUpdated).
		Msg("Blackout snapshot saved")

	return nil
}

// Load returns the stored snapshot, nil when none has been saved yet
func (r *BlackoutRepository) Load() (*domain.BlackoutSnapshot, error) {
	var snap domain.BlackoutSnapshot
	var lastUpdated int64
	var source, tickersJSON sql.NullString

	err := r.db.QueryRow(
		"SELECT last_updated, ttl_days, source, tickers_checked FROM earnings_blackout_meta WHERE id = 1",
	).Scan(&lastUpdated, &snap.TTLDays, &source, &tickersJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blackout meta: %w", err)
	}

	snap.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	snap.Source = source.String
	if tickersJSON.Valid && tickersJSON.String != "" {
		if err := json.Unmarshal([]byte(tickersJSON.String), &snap.TickersChecked); err != nil {
			r.log.Warn().Err(err).Msg("Failed to decode blackout tickers, continuing without")
		}
	}

	rows, err := r.db.Query("SELECT date FROM earnings_blackout_dates ORDER BY date ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load blackout dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan blackout date: %w", err)
		}
		parsed, err := time.ParseInLocation(blackoutDateLayout, d, time.UTC)
		if err != nil {
			r.log.Warn().Str("date", d).Msg("Skipping malformed blackout date")
			continue
		}
		snap.Dates = append(snap.Dates, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blackout dates: %w", err)
	}

	return &snap, nil
}

// normalizeBlackoutDates truncates to date precision, deduplicates and
// sorts ascending.
func normalizeBlackoutDates(dates []time.Time) []string {
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		key := d.Format(blackoutDateLayout)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
