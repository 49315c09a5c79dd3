package repositories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taipei-trader/internal/domain"
)

func sampleDailyStats(date string) *domain.DailyStatistics {
	return &domain.DailyStatistics{
		TradeDate:     date,
		Symbol:        "2330",
		StrategyName:  "ma_crossover",
		ClosePrice:    582.0,
		TotalTrades:   4,
		WinningTrades: 3,
		LosingTrades:  1,
		WinRate:       75.0,
		RealizedPnL:   8200.0,
		TotalPnL:      8200.0,
		ProfitFactor:  2.4,
		CreatedAt:     time.Date(2025, 3, 10, 5, 5, 0, 0, time.UTC),
	}
}

func TestStatsRepository_UpsertReplacesSameKey(t *testing.T) {
	repo := NewStatsRepository(newTestDB(t), testLogger())

	first := sampleDailyStats("2025-03-10")
	require.NoError(t, repo.Upsert(first))

	// Re-running the close-of-session job produces corrected numbers
	second := sampleDailyStats("2025-03-10")
	second.TotalTrades = 5
	second.WinningTrades = 3
	second.LosingTrades = 2
	second.WinRate = 60.0
	second.RSIClose = f64(61.7)
	require.NoError(t, repo.Upsert(second))

	got, err := repo.Get("2025-03-10", "2330", "ma_crossover")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.TotalTrades)
	assert.InDelta(t, 60.0, got.WinRate, 1e-9)
	require.NotNil(t, got.RSIClose)
	assert.InDelta(t, 61.7, *got.RSIClose, 1e-9)

	rows, err := repo.GetRange("2025-03-01", "2025-03-31")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "same key must not duplicate")
}

func TestStatsRepository_UpsertValidates(t *testing.T) {
	repo := NewStatsRepository(newTestDB(t), testLogger())

	bad := sampleDailyStats("2025-03-10")
	bad.WinningTrades = 9 // breaks the win/loss identity
	assert.Error(t, repo.Upsert(bad))
}

func TestStatsRepository_GetMissing(t *testing.T) {
	repo := NewStatsRepository(newTestDB(t), testLogger())

	got, err := repo.Get("2025-03-10", "2330", "ma_crossover")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStatsRepository_LatestCarriesCumulativeState(t *testing.T) {
	repo := NewStatsRepository(newTestDB(t), testLogger())

	day1 := sampleDailyStats("2025-03-10")
	day1.CumulativePnL = 8200
	day1.CumulativeTrades = 4
	day1.WinStreak = 3
	day1.EquityHighWater = 108200
	require.NoError(t, repo.Upsert(day1))

	day2 := sampleDailyStats("2025-03-11")
	day2.CumulativePnL = 9100
	day2.CumulativeTrades = 8
	day2.WinStreak = 1
	day2.EquityHighWater = 109100
	require.NoError(t, repo.Upsert(day2))

	latest, err := repo.Latest("2330", "ma_crossover")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2025-03-11", latest.TradeDate)
	assert.InDelta(t, 9100, latest.CumulativePnL, 1e-9)
	assert.Equal(t, 8, latest.CumulativeTrades)
	assert.InDelta(t, 109100, latest.EquityHighWater, 1e-9)
}

func TestStatsRepository_GetRangeOrdered(t *testing.T) {
	repo := NewStatsRepository(newTestDB(t), testLogger())

	for _, date := range []string{"2025-03-12", "2025-03-10", "2025-03-11"} {
		require.NoError(t, repo.Upsert(sampleDailyStats(date)))
	}

	rows, err := repo.GetRange("2025-03-10", "2025-03-11")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-03-10", rows[0].TradeDate)
	assert.Equal(t, "2025-03-11", rows[1].TradeDate)
}
