package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "Asia/Taipei", cfg.Timezone)
	assert.Equal(t, "11:30", cfg.Window.Start)
	assert.Equal(t, "13:00", cfg.Window.End)
	assert.Equal(t, 3000, cfg.Bridge.TimeoutMs)
	assert.Equal(t, 5, cfg.Bridge.MaxRetries)
	assert.Equal(t, 10, cfg.Limits.TalkPerDay)
	assert.Equal(t, 3, cfg.Limits.InsightPerDay)
	assert.False(t, cfg.StockMode())
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
mode: stock
window:
  start: "09:00"
  end: "13:30"
bridge:
  base_url: http://127.0.0.1:9999
selector:
  shadow_top_n: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stock", cfg.Mode)
	assert.True(t, cfg.StockMode())
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Bridge.BaseURL)
	assert.Equal(t, 5, cfg.Selector.ShadowTopN)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3000, cfg.Bridge.TimeoutMs)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"bad mode":       "mode: crypto\n",
		"bad window":     "window:\n  start: \"13:00\"\n  end: \"11:30\"\n",
		"bad clock":      "window:\n  start: \"25:99\"\n",
		"bad timezone":   "timezone: Mars/Olympus\n",
		"backup no pail": "backup:\n  enabled: true\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestApplyStockModePreset(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.ApplyStockModePreset()
	assert.Equal(t, "09:00", cfg.Window.Start)
	assert.Equal(t, "13:30", cfg.Window.End)

	// Explicit YAML window wins over the preset.
	custom, err := Load(writeConfig(t, "window:\n  start: \"10:00\"\n  end: \"12:00\"\n"))
	require.NoError(t, err)
	custom.ApplyStockModePreset()
	assert.Equal(t, "10:00", custom.Window.Start)
}

func TestInWindow(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	loc := cfg.Location()

	inside := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)
	before := time.Date(2026, 3, 10, 11, 29, 59, 0, loc)
	atStart := time.Date(2026, 3, 10, 11, 30, 0, 0, loc)
	atEnd := time.Date(2026, 3, 10, 13, 0, 0, 0, loc)

	assert.True(t, cfg.InWindow(inside))
	assert.False(t, cfg.InWindow(before))
	assert.True(t, cfg.InWindow(atStart))
	assert.False(t, cfg.InWindow(atEnd), "window end is exclusive")

	// UTC instants are converted before the comparison.
	utcInside := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC) // 12:00 in Taipei
	assert.True(t, cfg.InWindow(utcInside))
}

func TestWindowBounds(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	ws, we := cfg.WindowBounds(now)

	assert.Equal(t, 11, ws.Hour())
	assert.Equal(t, 30, ws.Minute())
	assert.Equal(t, 13, we.Hour())
	assert.Equal(t, 0, we.Minute())
	assert.Equal(t, ws.Day(), we.Day())
}
