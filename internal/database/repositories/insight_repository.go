package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

// InsightRepository records every LLM invocation, including failures,
// so model behavior stays auditable.
type InsightRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

const insightColumns = `id, created_at, insight_type, source, symbol, prompt, model_name, response, confidence, recommendation, explanation, processing_time_ms, success, error_message`

// NewInsightRepository creates a new insight repository
func NewInsightRepository(db *sql.DB, log zerolog.Logger) *InsightRepository {
	return &InsightRepository{
		db:  db,
		log: log.With().Str("repo", "insight").Logger(),
	}
}

// Create appends an insight row
func (r *InsightRepository) Create(in *domain.LlmInsight) error {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := r.db.Exec(`
		INSERT INTO llm_insights
		(created_at, insight_type, source, symbol, prompt, model_name, response,
		 confidence, recommendation, explanation, processing_time_ms, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Unix(),
		in.InsightType,
		in.Source,
		nullString(in.Symbol),
		in.Prompt,
		in.ModelName,
		nullString(in.ResponseJSON),
		nullFloat64Ptr(in.Confidence),
		nullString(in.Recommendation),
		nullString(in.Explanation),
		in.ProcessingTimeMs,
		boolToInt(in.Success),
		nullString(in.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to create llm insight: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		in.ID = id
	}
	return nil
}

// GetRecent returns the newest insights, optionally filtered by type
func (r *InsightRepository) GetRecent(insightType string, limit int) ([]*domain.LlmInsight, error) {
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + insightColumns + " FROM llm_insights"
	args := []interface{}{}
	if insightType != "" {
		query += " WHERE insight_type = ?"
		args = append(args, insightType)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query llm insights: %w", err)
	}
	defer rows.Close()

	var insights []*domain.LlmInsight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan llm insight: %w", err)
		}
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating llm insights: %w", err)
	}
	return insights, nil
}

// SuccessRateSince reports call volume and success ratio at or after
// since, for the status surface.
func (r *InsightRepository) SuccessRateSince(since time.Time) (total int, successRate float64, err error) {
	var successes int
	err = r.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(success), 0) FROM llm_insights WHERE created_at >= ?",
		since.Unix(),
	).Scan(&total, &successes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute insight success rate: %w", err)
	}
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}
	return total, successRate, nil
}

func scanInsight(rows *sql.Rows) (*domain.LlmInsight, error) {
	var in domain.LlmInsight
	var createdAt int64
	var symbol, response, recommendation, explanation, errorMessage sql.NullString
	var confidence sql.NullFloat64
	var success int

	err := rows.Scan(
		&in.ID,
		&createdAt,
		&in.InsightType,
		&in.Source,
		&symbol,
		&in.Prompt,
		&in.ModelName,
		&response,
		&confidence,
		&recommendation,
		&explanation,
		&in.ProcessingTimeMs,
		&success,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	in.Timestamp = time.Unix(createdAt, 0).UTC()
	in.Symbol = symbol.String
	in.ResponseJSON = response.String
	in.Recommendation = recommendation.String
	in.Explanation = explanation.String
	in.ErrorMessage = errorMessage.String
	in.Success = success != 0
	if confidence.Valid {
		in.Confidence = &confidence.Float64
	}
	return &in, nil
}
