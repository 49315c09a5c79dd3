package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

// EventRepository persists the append-only audit log. Rows are never
// updated; retention is handled by DeleteOlderThan during maintenance.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const eventColumns = `id, created_at, type, severity, category, message, details, component, user_id, response_time_ms, error_code`

// NewEventRepository creates a new event repository
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "event").Logger(),
	}
}

// Create appends an event row
func (r *EventRepository) Create(ev *domain.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := r.db.Exec(`
		INSERT INTO events
		(created_at, type, severity, category, message, details, component, user_id, response_time_ms, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Unix(),
		string(ev.Type),
		nullString(ev.Severity),
		nullString(ev.Category),
		ev.Message,
		nullString(ev.DetailsJSON),
		nullString(ev.Component),
		nullString(ev.UserID),
		nullInt64Ptr(ev.ResponseTimeMs),
		nullString(ev.ErrorCode),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// GetRecent returns the newest events, optionally filtered by type
func (r *EventRepository) GetRecent(limit int, eventType domain.EventType) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + eventColumns + " FROM events"
	args := []interface{}{}
	if eventType != "" {
		query += " WHERE type = ?"
		args = append(args, string(eventType))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CountSince counts events of one type recorded at or after since
func (r *EventRepository) CountSince(eventType domain.EventType, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM events WHERE type = ? AND created_at >= ?",
		string(eventType), since.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes events older than the cutoff and returns how
// many rows went away
func (r *EventRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM events WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	if deleted > 0 {
		r.log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Purged old events")
	}
	return deleted, nil
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var ev domain.Event
	var createdAt int64
	var severity, category, details, component, userID, errorCode sql.NullString
	var responseTimeMs sql.NullInt64

	err := rows.Scan(
		&ev.ID,
		&createdAt,
		&ev.Type,
		&severity,
		&category,
		&ev.Message,
		&details,
		&component,
		&userID,
		&responseTimeMs,
		&errorCode,
	)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = time.Unix(createdAt, 0).UTC()
	ev.Severity = severity.String
	ev.Category = category.String
	ev.DetailsJSON = details.String
	ev.Component = component.String
	ev.UserID = userID.String
	ev.ErrorCode = errorCode.String
	if responseTimeMs.Valid {
		ev.ResponseTimeMs = &responseTimeMs.Int64
	}
	return &ev, nil
}
