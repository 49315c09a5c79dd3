package domain

import (
	"fmt"
	"strings"
	"time"
)

// Trade represents one executed or simulated trade
type Trade struct {
	ID           int64       `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Symbol       string      `json:"symbol"`
	Action       TradeAction `json:"action"`
	Quantity     float64     `json:"quantity"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    *float64    `json:"exit_price,omitempty"`
	RealizedPnL  *float64    `json:"realized_pnl,omitempty"`
	StrategyName string      `json:"strategy_name"`
	EntryReason  string      `json:"entry_reason,omitempty"`
	ExitReason   string      `json:"exit_reason,omitempty"`
	Mode         TradingMode `json:"mode"`
	Status       TradeStatus `json:"status"`
	MarketCode   string      `json:"market_code,omitempty"`
	OrderID      string      `json:"order_id,omitempty"`
	HoldMinutes  *int64      `json:"hold_duration_minutes,omitempty"`
	SlippageBps  *float64    `json:"slippage_bps,omitempty"`
	TimeBucket   string      `json:"time_bucket,omitempty"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
}

// Validate checks invariants and normalizes the symbol
func (t *Trade) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if t.Action != ActionBuy && t.Action != ActionSell {
		return fmt.Errorf("invalid trade action: %s", t.Action)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if t.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive")
	}
	if t.Mode == ModeSimulation && t.StrategyName == "" {
		return fmt.Errorf("simulated trades require a strategy name")
	}
	if t.Status == TradeClosed && t.ExitPrice == nil {
		return fmt.Errorf("closed trades require an exit price")
	}
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	return nil
}

// SignalRecord is a persisted non-neutral strategy signal
type SignalRecord struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Symbol         string    `json:"symbol"`
	StrategyName   string    `json:"strategy_name"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`
	CurrentPrice   float64   `json:"current_price"`
	IndicatorsJSON string    `json:"indicators_json,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	NewsVeto       bool      `json:"news_veto"`
}

// EventType categorizes an audit log entry
type EventType string

const (
	EventInfo    EventType = "INFO"
	EventWarning EventType = "WARNING"
	EventError   EventType = "ERROR"
	EventCommand EventType = "COMMAND"
	EventVeto    EventType = "VETO"
	EventSuccess EventType = "SUCCESS"
)

// Event is one append-only audit log entry
type Event struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Type           EventType `json:"type"`
	Severity       string    `json:"severity,omitempty"`
	Category       string    `json:"category,omitempty"`
	Message        string    `json:"message"`
	DetailsJSON    string    `json:"details_json,omitempty"`
	Component      string    `json:"component,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
}

// LlmInsight records one LLM invocation, success or failure
type LlmInsight struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	InsightType      string    `json:"insight_type"`
	Source           string    `json:"source"`
	Symbol           string    `json:"symbol,omitempty"`
	Prompt           string    `json:"prompt"`
	ModelName        string    `json:"model_name"`
	ResponseJSON     string    `json:"response_json,omitempty"`
	Confidence       *float64  `json:"confidence,omitempty"`
	Recommendation   string    `json:"recommendation,omitempty"`
	Explanation      string    `json:"explanation,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// DailyStatistics is the close-of-session aggregate for one
// (trade date, symbol, strategy) triple. Re-computation replaces the row.
type DailyStatistics struct {
	ID               int64     `json:"id"`
	TradeDate        string    `json:"trade_date"` // YYYY-MM-DD
	Symbol           string    `json:"symbol"`
	StrategyName     string    `json:"strategy_name"`
	OpenPrice        float64   `json:"open_price"`
	HighPrice        float64   `json:"high_price"`
	LowPrice         float64   `json:"low_price"`
	ClosePrice       float64   `json:"close_price"`
	Volume           float64   `json:"volume"`
	TotalTrades      int       `json:"total_trades"`
	WinningTrades    int       `json:"winning_trades"`
	LosingTrades     int       `json:"losing_trades"`
	WinRate          float64   `json:"win_rate"`
	RealizedPnL      float64   `json:"realized_pnl"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	TotalPnL         float64   `json:"total_pnl"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	ProfitFactor     float64   `json:"profit_factor"`
	AvgHoldMinutes   float64   `json:"avg_hold_minutes"`
	MinHoldMinutes   float64   `json:"min_hold_minutes"`
	MaxHoldMinutes   float64   `json:"max_hold_minutes"`
	SignalsGenerated int       `json:"signals_generated"`
	SignalsActed     int       `json:"signals_acted"`
	NewsVetos        int       `json:"news_vetos"`
	RSIClose         *float64  `json:"rsi_close,omitempty"`
	MACDClose        *float64  `json:"macd_close,omitempty"`
	SMAClose         *float64  `json:"sma_close,omitempty"`
	ATRClose         *float64  `json:"atr_close,omitempty"`
	VWAPClose        *float64  `json:"vwap_close,omitempty"`
	CumulativePnL    float64   `json:"cumulative_pnl"`
	CumulativeTrades int       `json:"cumulative_trades"`
	WinStreak        int       `json:"win_streak"`
	LossStreak       int       `json:"loss_streak"`
	EquityHighWater  float64   `json:"equity_high_water"`
	LlamaInsight     string    `json:"llama_insight,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the win-rate identity
func (d *DailyStatistics) Validate() error {
	if d.WinningTrades+d.LosingTrades != d.TotalTrades {
		return fmt.Errorf("winning (%d) + losing (%d) must equal total trades (%d)",
			d.WinningTrades, d.LosingTrades, d.TotalTrades)
	}
	if d.TotalTrades == 0 && d.WinRate != 0 {
		return fmt.Errorf("win rate must be 0 with no trades")
	}
	return nil
}

// StrategyPerformance is one append-only performance measurement
type StrategyPerformance struct {
	ID             int64           `json:"id"`
	StrategyName   string          `json:"strategy_name"`
	Symbol         string          `json:"symbol"`
	Mode           PerformanceMode `json:"mode"`
	TotalReturnPct float64         `json:"total_return_pct"`
	Sharpe         float64         `json:"sharpe"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	WinRatePct     float64         `json:"win_rate_pct"`
	TotalTrades    int             `json:"total_trades"`
	TotalPnL       float64         `json:"total_pnl"`
	ProfitFactor   float64         `json:"profit_factor"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	CalculatedAt   time.Time       `json:"calculated_at"`
}

// Validate checks period ordering
func (p *StrategyPerformance) Validate() error {
	if !p.PeriodEnd.After(p.PeriodStart) {
		return fmt.Errorf("period end must be after period start")
	}
	return nil
}

// StrategyStockMapping is the most recent best strategy for a symbol
type StrategyStockMapping struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	StrategyName   string    `json:"strategy_name"`
	Sharpe         float64   `json:"sharpe"`
	TotalReturnPct float64   `json:"total_return_pct"`
	WinRatePct     float64   `json:"win_rate_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	TotalTrades    int       `json:"total_trades"`
	AvgProfit      float64   `json:"avg_profit"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ShadowModeStock is one ranked entry of the shadow watch set
type ShadowModeStock struct {
	ID                int64   `json:"id"`
	Symbol            string  `json:"symbol"`
	StrategyName      string  `json:"strategy_name"`
	RankPosition      int     `json:"rank_position"`
	Enabled           bool    `json:"enabled"`
	ExpectedReturnPct float64 `json:"expected_return_pct"`
}

// ActiveStrategyConfig is the single-row active strategy selection
type ActiveStrategyConfig struct {
	ID             int64     `json:"id"`
	StrategyName   string    `json:"strategy_name"`
	ParametersJSON string    `json:"parameters_json,omitempty"`
	AutoSwitched   bool      `json:"auto_switched"`
	SwitchReason   string    `json:"switch_reason,omitempty"`
	Sharpe         float64   `json:"sharpe"`
	TotalReturnPct float64   `json:"total_return_pct"`
	WinRatePct     float64   `json:"win_rate_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BlackoutSnapshot is the earnings blackout set with freshness metadata.
// A snapshot older than TTLDays must never block trading.
type BlackoutSnapshot struct {
	LastUpdated    time.Time   `json:"last_updated"`
	TTLDays        int         `json:"ttl_days"`
	Source         string      `json:"source"`
	TickersChecked []string    `json:"tickers_checked"`
	Dates          []time.Time `json:"dates"` // deduplicated, sorted, date precision
}

// Fresh reports whether the snapshot may be used to block trading
func (b *BlackoutSnapshot) Fresh(now time.Time) bool {
	ttl := b.TTLDays
	if ttl <= 0 {
		ttl = 7
	}
	return now.Sub(b.LastUpdated) <= time.Duration(ttl)*24*time.Hour
}

// Contains reports whether d (date precision) is in the blackout set
func (b *BlackoutSnapshot) Contains(d time.Time) bool {
	y, m, day := d.Date()
	for _, bd := range b.Dates {
		by, bm, bday := bd.Date()
		if y == by && m == bm && day == bday {
			return true
		}
	}
	return false
}

// BotSettings keys for dynamic limits. The active stock key is
// lowercase on purpose; the uppercase spelling found in older data
// is not recognized.
const (
	SettingDailyLossLimit     = "DAILY_LOSS_LIMIT"
	SettingWeeklyLossLimit    = "WEEKLY_LOSS_LIMIT"
	SettingMonthlyLossLimit   = "MONTHLY_LOSS_LIMIT"
	SettingWeeklyProfitLimit  = "WEEKLY_PROFIT_LIMIT"
	SettingMonthlyProfitLimit = "MONTHLY_PROFIT_LIMIT"
	SettingCurrentActiveStock = "current_active_stock"
	SettingBaseShares         = "BASE_SHARES"
	SettingShareIncrement     = "SHARE_INCREMENT"
	SettingMaxPosition        = "MAX_POSITION"
	SettingTradingMode        = "TRADING_MODE"
	SettingDisabledStrategies = "DISABLED_STRATEGIES"
)
