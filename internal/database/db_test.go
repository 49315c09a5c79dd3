package database

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestApplySchema_Idempotent(t *testing.T) {
	conn := openTestDB(t)

	require.NoError(t, ApplySchema(conn), "First schema application should succeed")
	require.NoError(t, ApplySchema(conn), "Re-applying the schema should be a no-op")

	// All tables must exist afterwards
	tables := []string{
		"trades", "signals", "events", "llm_insights",
		"daily_statistics", "strategy_performance", "strategy_stock_mapping",
		"shadow_mode_stocks", "active_strategy_config", "bot_settings",
		"earnings_blackout_meta", "earnings_blackout_dates", "market_data",
	}
	for _, table := range tables {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestApplySchema_OrderIDUniqueness(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, ApplySchema(conn))

	insert := `INSERT INTO trades
		(executed_at, symbol, action, quantity, entry_price, mode, status, order_id, created_at)
		VALUES (1700000000, '2330', 'BUY', 1000, 580.0, 'LIVE', 'OPEN', ?, 1700000000)`

	_, err := conn.Exec(insert, "ORD-1")
	require.NoError(t, err)

	// Duplicate broker order id rejected
	_, err = conn.Exec(insert, "ORD-1")
	assert.Error(t, err, "duplicate order_id should violate the unique index")

	// Empty order ids are exempt from the uniqueness rule
	_, err = conn.Exec(insert, "")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "")
	assert.NoError(t, err, "empty order_id rows must not collide")
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, ApplySchema(conn))

	err := WithTransaction(conn, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO bot_settings (key, value, updated_at) VALUES ('BASE_SHARES', '1000', 1700000000)")
		return err
	})
	require.NoError(t, err)

	var value string
	err = conn.QueryRow("SELECT value FROM bot_settings WHERE key = 'BASE_SHARES'").Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, "1000", value)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, ApplySchema(conn))

	boom := errors.New("boom")
	err := WithTransaction(conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO bot_settings (key, value, updated_at) VALUES ('MAX_POSITION', '3', 1700000000)"); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM bot_settings").Scan(&count))
	assert.Equal(t, 0, count, "failed transaction must leave no rows behind")
}

func TestWithTransaction_RecoversFromPanic(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, ApplySchema(conn))

	err := WithTransaction(conn, func(tx *sql.Tx) error {
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestWithTransaction_NilConnection(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}
