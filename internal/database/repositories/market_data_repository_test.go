package repositories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taipei-trader/internal/domain"
)

func makeBars(symbol string, start time.Time, count int) []domain.Bar {
	bars := make([]domain.Bar, 0, count)
	for i := 0; i < count; i++ {
		price := 100.0 + float64(i)
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price + 0.5,
			Volume:    1000,
		})
	}
	return bars
}

func TestMarketDataRepository_InsertBackfillsNames(t *testing.T) {
	names := map[string]string{"2330": "TSMC"}
	repo := NewMarketDataRepository(newTestDB(t), names, testLogger())

	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	inserted, err := repo.InsertBars(makeBars("2330", start, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	bars, err := repo.GetRecentBars("2330", 10)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	for _, bar := range bars {
		assert.Equal(t, "TSMC", bar.Name, "missing name should be back-filled")
	}
}

func TestMarketDataRepository_UnmappedSymbolStoredAsIs(t *testing.T) {
	repo := NewMarketDataRepository(newTestDB(t), nil, testLogger())

	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	inserted, err := repo.InsertBars(makeBars("9999", start, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	bars, err := repo.GetRecentBars("9999", 10)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Empty(t, bars[0].Name)
}

func TestMarketDataRepository_DuplicateTimestampsIgnored(t *testing.T) {
	repo := NewMarketDataRepository(newTestDB(t), nil, testLogger())

	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	bars := makeBars("2330", start, 5)

	inserted, err := repo.InsertBars(bars)
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)

	// Overlapping refetch: 5 duplicates, 2 new rows
	refetch := makeBars("2330", start, 7)
	inserted, err = repo.InsertBars(refetch)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	coverage, err := repo.CoverageBySymbol()
	require.NoError(t, err)
	assert.Equal(t, 7, coverage["2330"])
}

func TestMarketDataRepository_GetRecentBarsChronological(t *testing.T) {
	repo := NewMarketDataRepository(newTestDB(t), nil, testLogger())

	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	_, err := repo.InsertBars(makeBars("2330", start, 10))
	require.NoError(t, err)

	bars, err := repo.GetRecentBars("2330", 4)
	require.NoError(t, err)
	require.Len(t, bars, 4)

	// Newest 4 bars, returned oldest first
	assert.Equal(t, start.Add(6*time.Minute).Unix(), bars[0].Timestamp.Unix())
	assert.Equal(t, start.Add(9*time.Minute).Unix(), bars[3].Timestamp.Unix())
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i-1].Timestamp.Before(bars[i].Timestamp))
	}
}

func TestMarketDataRepository_RangeAndLatest(t *testing.T) {
	repo := NewMarketDataRepository(newTestDB(t), nil, testLogger())

	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	_, err := repo.InsertBars(makeBars("2330", start, 10))
	require.NoError(t, err)

	window, err := repo.GetBarsRange("2330", start.Add(2*time.Minute), start.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, window, 3, "range end is exclusive")

	latest, err := repo.LatestTimestamp("2330")
	require.NoError(t, err)
	assert.Equal(t, start.Add(9*time.Minute).Unix(), latest.Unix())

	empty, err := repo.LatestTimestamp("0050")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}
