package repositories

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taipei-trader/internal/database"
)

// newTestDB opens an in-memory database with the production schema
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.ApplySchema(db), "Failed to apply schema")
	return db
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func f64(v float64) *float64 { return &v }
