package repositories

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// settingsCacheTTL bounds how stale a cached setting may be. Risk gates
// read limits on every tick, so reads must stay off the hot path while
// a Telegram change-share still lands within a second.
const settingsCacheTTL = time.Second

type cachedSetting struct {
	value   *string
	fetched time.Time
}

// SettingsRepository handles the bot_settings key/value registry with a
// read-through cache. Keys are case-sensitive.
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedSetting
	now   func() time.Time
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:    db,
		log:   log.With().Str("repo", "settings").Logger(),
		cache: make(map[string]cachedSetting),
		now:   time.Now,
	}
}

// Get retrieves a setting value by key.
// Returns nil if the setting doesn't exist (not an error).
func (r *SettingsRepository) Get(key string) (*string, error) {
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Sub(cached.fetched) < settingsCacheTTL {
		return cached.value, nil
	}

	var value string
	err := r.db.QueryRow("SELECT value FROM bot_settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		r.store(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	r.store(key, &value)
	return &value, nil
}

// Set writes a setting value and refreshes the cache entry
func (r *SettingsRepository) Set(key, value string, description *string) error {
	now := r.now().Unix()

	var err error
	if description != nil {
		_, err = r.db.Exec(`
			INSERT INTO bot_settings (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			key, value, *description, now)
	} else {
		_, err = r.db.Exec(`
			INSERT INTO bot_settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			key, value, now)
	}
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}

	r.store(key, &value)
	return nil
}

// GetAll retrieves all settings as a map, bypassing the cache
func (r *SettingsRepository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM bot_settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return result, nil
}

// GetFloat retrieves a setting as float64, or defaultValue when the key
// is absent or unparsable. Parse failures are logged, not returned.
func (r *SettingsRepository) GetFloat(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("key", key).
			Str("value", *value).
			Msg("Failed to parse float setting")
		return defaultValue, nil
	}
	return floatVal, nil
}

// SetFloat sets a setting value as float64
func (r *SettingsRepository) SetFloat(key string, value float64) error {
	return r.Set(key, strconv.FormatFloat(value, 'f', -1, 64), nil)
}

// GetInt retrieves a setting as int, or defaultValue when the key is
// absent or unparsable. Parses via float to accept "12.0" strings.
func (r *SettingsRepository) GetInt(key string, defaultValue int) (int, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("key", key).
			Str("value", *value).
			Msg("Failed to parse int setting")
		return defaultValue, nil
	}
	return int(floatVal), nil
}

// SetInt sets a setting value as integer
func (r *SettingsRepository) SetInt(key string, value int) error {
	return r.Set(key, strconv.Itoa(value), nil)
}

// GetBool retrieves a setting as bool. "true", "1", "yes" and "on" are
// truthy, everything else is false.
func (r *SettingsRepository) GetBool(key string, defaultValue bool) (bool, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	switch *value {
	case "true", "1", "yes", "on":
		return true, nil
	}
	return false, nil
}

// SetBool sets a setting value as "true" or "false"
func (r *SettingsRepository) SetBool(key string, value bool) error {
	strVal := "false"
	if value {
		strVal = "true"
	}
	return r.Set(key, strVal, nil)
}

// Delete removes a setting. Idempotent.
func (r *SettingsRepository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM bot_settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	r.store(key, nil)
	return nil
}

// Invalidate drops the cache entry for a key, forcing the next read to
// hit the database.
func (r *SettingsRepository) Invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

func (r *SettingsRepository) store(key string, value *string) {
	r.mu.Lock()
	r.cache[key] = cachedSetting{value: value, fetched: r.now()}
	r.mu.Unlock()
}
