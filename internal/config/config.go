// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taipei-trader/internal/domain"
)

// Config is the single configuration store for the orchestrator.
// Everything except secrets lives in the YAML file; secrets (bot token,
// object storage keys, passphrase) come from the environment or a .env file.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	Mode     string `yaml:"mode"`     // stock | futures | stock+futures
	Timezone string `yaml:"timezone"` // IANA name, defaults to Asia/Taipei

	Window   WindowConfig   `yaml:"window"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	LLM      LLMConfig      `yaml:"llm"`
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Risk     RiskConfig     `yaml:"risk"`
	News     NewsConfig     `yaml:"news"`
	Selector SelectorConfig `yaml:"selector"`
	GoLive   GoLiveConfig   `yaml:"go_live"`
	Limits   LimitsConfig   `yaml:"limits"`
	State    StateConfig    `yaml:"state"`
	Backup   BackupConfig   `yaml:"backup"`

	// Passphrase comes from the -password flag or TRADER_PASSPHRASE,
	// never from the YAML file.
	Passphrase string `yaml:"-"`
}

// WindowConfig bounds the daily trading window in local exchange time
type WindowConfig struct {
	Start            string `yaml:"start"` // "11:30"
	End              string `yaml:"end"`   // "13:00"
	FlattenLeadSecs  int    `yaml:"flatten_lead_secs"`
	TickIntervalSecs int    `yaml:"tick_interval_secs"`
}

// BridgeConfig points at the local broker bridge process
type BridgeConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
	StreamPath string `yaml:"stream_path"`
	EnableWS   bool   `yaml:"enable_ws"`
}

// LLMConfig points at the local model runtime
type LLMConfig struct {
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	VetoTimeoutMs    int    `yaml:"veto_timeout_ms"`
	NarrateTimeoutMs int    `yaml:"narrate_timeout_ms"`
}

// TelegramConfig configures the notification transport.
// Token is read from TELEGRAM_BOT_TOKEN.
type TelegramConfig struct {
	APIBase        string `yaml:"api_base"`
	ChatID         string `yaml:"chat_id"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
	Token          string `yaml:"-"`
}

// DatabaseConfig locates the SQLite store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the local status API
type ServerConfig struct {
	Port    int  `yaml:"port"`
	DevMode bool `yaml:"dev_mode"`
}

// RiskConfig holds static risk parameters; dynamic limits live in BotSettings
type RiskConfig struct {
	MaxPosition      float64 `yaml:"max_position"`
	DrawdownPct      float64 `yaml:"drawdown_switch_pct"`
	DrawdownLookback int     `yaml:"drawdown_lookback_days"`
}

// NewsConfig controls the news veto refresh cycle
type NewsConfig struct {
	RefreshMinutes int `yaml:"refresh_minutes"`
}

// SelectorConfig holds strategy selection thresholds
type SelectorConfig struct {
	LookbackDays  int     `yaml:"lookback_days"`
	MinReturnPct  float64 `yaml:"min_return_pct"`
	MinSharpe     float64 `yaml:"min_sharpe"`
	MinWinRatePct float64 `yaml:"min_win_rate_pct"`
	MaxDrawdown   float64 `yaml:"max_drawdown_pct"`
	ShadowTopN    int     `yaml:"shadow_top_n"`
}

// GoLiveConfig holds go-live eligibility thresholds
type GoLiveConfig struct {
	MinTrades     int     `yaml:"min_trades"`
	MinWinRatePct float64 `yaml:"min_win_rate_pct"`
	MaxDrawdown   float64 `yaml:"max_drawdown_pct"`
	BaseEquity    float64 `yaml:"base_equity"`
	ConfirmTTLSec int     `yaml:"confirm_ttl_sec"`
}

// LimitsConfig holds per-user command rate limits
type LimitsConfig struct {
	TalkPerDay    int `yaml:"talk_per_day"`
	InsightPerDay int `yaml:"insight_per_day"`
}

// StateConfig locates the warm-state snapshot file
type StateConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig configures the S3-compatible database backup target.
// AccessKey/SecretKey come from BACKUP_ACCESS_KEY / BACKUP_SECRET_KEY.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	RetentionDays int    `yaml:"retention_days"`
	AccessKey     string `yaml:"-"`
	SecretKey     string `yaml:"-"`
}

// Load reads the YAML file at path, merges secret environment values,
// applies defaults, and validates. An empty path loads pure defaults.
func Load(path string) (*Config, error) {
	// Load .env if present; real env vars win.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Backup.AccessKey = os.Getenv("BACKUP_ACCESS_KEY")
	cfg.Backup.SecretKey = os.Getenv("BACKUP_SECRET_KEY")
	if cfg.Passphrase == "" {
		cfg.Passphrase = os.Getenv("TRADER_PASSPHRASE")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Mode:     string(domain.MarketModeFutures),
		Timezone: "Asia/Taipei",
		Window: WindowConfig{
			Start:            "11:30",
			End:              "13:00",
			FlattenLeadSecs:  10,
			TickIntervalSecs: 30,
		},
		Bridge: BridgeConfig{
			BaseURL:    "http://127.0.0.1:8888",
			TimeoutMs:  3000,
			MaxRetries: 5,
			StreamPath: "/stream",
		},
		LLM: LLMConfig{
			BaseURL:          "http://127.0.0.1:11434",
			Model:            "llama3",
			VetoTimeoutMs:    5000,
			NarrateTimeoutMs: 30000,
		},
		Telegram: TelegramConfig{
			APIBase:        "https://api.telegram.org",
			PollTimeoutSec: 30,
		},
		Database: DatabaseConfig{Path: "./data/trader.db"},
		Server:   ServerConfig{Port: 8899},
		Risk: RiskConfig{
			MaxPosition:      3,
			DrawdownPct:      15,
			DrawdownLookback: 7,
		},
		News: NewsConfig{RefreshMinutes: 10},
		Selector: SelectorConfig{
			LookbackDays:  30,
			MinReturnPct:  5,
			MinSharpe:     1.0,
			MinWinRatePct: 50,
			MaxDrawdown:   20,
			ShadowTopN:    10,
		},
		GoLive: GoLiveConfig{
			MinTrades:     20,
			MinWinRatePct: 55,
			MaxDrawdown:   5,
			BaseEquity:    100000,
			ConfirmTTLSec: 300,
		},
		Limits: LimitsConfig{TalkPerDay: 10, InsightPerDay: 3},
		State:  StateConfig{Path: "./data/state.bin"},
		Backup: BackupConfig{RetentionDays: 30},
	}
}

// ApplyStockModePreset widens the window to the stock session bounds
// unless the YAML already overrides them away from the futures defaults.
func (c *Config) ApplyStockModePreset() {
	if c.Window.Start == "11:30" && c.Window.End == "13:00" {
		c.Window.Start = "09:00"
		c.Window.End = "13:30"
	}
}

// Validate checks required fields and value sanity
func (c *Config) Validate() error {
	switch domain.MarketMode(c.Mode) {
	case domain.MarketModeStock, domain.MarketModeFutures, domain.MarketModeBoth:
	default:
		return fmt.Errorf("config: invalid mode %q", c.Mode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("config: database path is required")
	}

	start, err := parseClock(c.Window.Start)
	if err != nil {
		return fmt.Errorf("config: window start: %w", err)
	}
	end, err := parseClock(c.Window.End)
	if err != nil {
		return fmt.Errorf("config: window end: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("config: window end %s must be after start %s", c.Window.End, c.Window.Start)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("config: backup enabled without a bucket")
	}

	return nil
}

// MarketMode returns the typed market mode
func (c *Config) MarketMode() domain.MarketMode {
	return domain.MarketMode(c.Mode)
}

// StockMode reports whether the session includes the stock market,
// which enables the short-sell rejection rule.
func (c *Config) StockMode() bool {
	m := c.MarketMode()
	return m == domain.MarketModeStock || m == domain.MarketModeBoth
}

// Location returns the configured timezone, already validated at load
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WindowBounds returns today's window start and end in the configured zone
func (c *Config) WindowBounds(now time.Time) (time.Time, time.Time) {
	loc := c.Location()
	local := now.In(loc)

	start, _ := parseClock(c.Window.Start)
	end, _ := parseClock(c.Window.End)

	ws := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	we := time.Date(local.Year(), local.Month(), local.Day(), end.Hour(), end.Minute(), 0, 0, loc)
	return ws, we
}

// InWindow reports whether now falls inside today's trading window
func (c *Config) InWindow(now time.Time) bool {
	ws, we := c.WindowBounds(now)
	local := now.In(c.Location())
	return !local.Before(ws) && local.Before(we)
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t, nil
}
