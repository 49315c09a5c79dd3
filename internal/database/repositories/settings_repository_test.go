package repositories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taipei-trader/internal/domain"
)

func TestSettingsRepository_GetMissingReturnsNil(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	value, err := repo.Get("NO_SUCH_KEY")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSettingsRepository_SetAndGet(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	require.NoError(t, repo.Set(domain.SettingDailyLossLimit, "5000", nil))

	value, err := repo.Get(domain.SettingDailyLossLimit)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "5000", *value)
}

func TestSettingsRepository_KeysAreCaseSensitive(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	require.NoError(t, repo.Set(domain.SettingCurrentActiveStock, "2330", nil))

	// The uppercase spelling is a different key and must miss
	value, err := repo.Get("CURRENT_ACTIVE_STOCK")
	require.NoError(t, err)
	assert.Nil(t, value)

	value, err = repo.Get(domain.SettingCurrentActiveStock)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "2330", *value)
}

func TestSettingsRepository_CacheServesWithinTTL(t *testing.T) {
	db := newTestDB(t)
	repo := NewSettingsRepository(db, testLogger())

	current := time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return current }

	require.NoError(t, repo.Set(domain.SettingBaseShares, "1000", nil))

	// Change the row behind the repository's back; the cache should
	// still serve the old value inside the TTL window.
	_, err := db.Exec("UPDATE bot_settings SET value = '2000' WHERE key = ?", domain.SettingBaseShares)
	require.NoError(t, err)

	value, err := repo.Get(domain.SettingBaseShares)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "1000", *value, "cached value expected inside TTL")

	// Past the TTL the read goes through to the database
	current = current.Add(settingsCacheTTL + time.Millisecond)
	value, err = repo.Get(domain.SettingBaseShares)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "2000", *value, "fresh value expected after TTL")
}

func TestSettingsRepository_InvalidateForcesReload(t *testing.T) {
	db := newTestDB(t)
	repo := NewSettingsRepository(db, testLogger())

	require.NoError(t, repo.Set(domain.SettingMaxPosition, "3", nil))

	_, err := db.Exec("UPDATE bot_settings SET value = '5' WHERE key = ?", domain.SettingMaxPosition)
	require.NoError(t, err)

	repo.Invalidate(domain.SettingMaxPosition)

	got, err := repo.GetInt(domain.SettingMaxPosition, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestSettingsRepository_TypedAccessors(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	require.NoError(t, repo.SetFloat(domain.SettingWeeklyLossLimit, 12500.5))
	got, err := repo.GetFloat(domain.SettingWeeklyLossLimit, 0)
	require.NoError(t, err)
	assert.InDelta(t, 12500.5, got, 1e-9)

	require.NoError(t, repo.SetInt(domain.SettingShareIncrement, 500))
	gotInt, err := repo.GetInt(domain.SettingShareIncrement, 0)
	require.NoError(t, err)
	assert.Equal(t, 500, gotInt)

	// "12.0" style values parse as ints via float
	require.NoError(t, repo.Set("LEGACY_COUNT", "12.0", nil))
	gotInt, err = repo.GetInt("LEGACY_COUNT", 0)
	require.NoError(t, err)
	assert.Equal(t, 12, gotInt)

	require.NoError(t, repo.SetBool("FEATURE_ON", true))
	gotBool, err := repo.GetBool("FEATURE_ON", false)
	require.NoError(t, err)
	assert.True(t, gotBool)

	// Defaults for missing keys
	gotFloat, err := repo.GetFloat("MISSING", 7.5)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, gotFloat, 1e-9)
}

func TestSettingsRepository_UnparsableFallsBackToDefault(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	require.NoError(t, repo.Set(domain.SettingDailyLossLimit, "not-a-number", nil))

	got, err := repo.GetFloat(domain.SettingDailyLossLimit, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 1000, got, 1e-9)
}

func TestSettingsRepository_DeleteIsIdempotent(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t), testLogger())

	require.NoError(t, repo.Set("TEMP", "x", nil))
	require.NoError(t, repo.Delete("TEMP"))
	require.NoError(t, repo.Delete("TEMP"))

	value, err := repo.Get("TEMP")
	require.NoError(t, err)
	assert.Nil(t, value)
}
