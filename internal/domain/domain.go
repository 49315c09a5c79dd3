// Package domain provides core domain models and types.
package domain

import "time"

// Direction represents the direction of a trade signal
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// TradingMode separates simulated fills from live broker orders
type TradingMode string

const (
	ModeSimulation TradingMode = "SIMULATION"
	ModeLive       TradingMode = "LIVE"
)

// MarketMode selects which instrument classes the session trades
type MarketMode string

const (
	MarketModeStock   MarketMode = "stock"
	MarketModeFutures MarketMode = "futures"
	MarketModeBoth    MarketMode = "stock+futures"
)

// BotState is the process-wide trading state machine
type BotState string

const (
	StateRunning       BotState = "RUNNING"
	StatePaused        BotState = "PAUSED"
	StateStopped       BotState = "STOPPED"
	StateEmergencyHalt BotState = "EMERGENCY_HALT"
)

// StrategyType classifies a strategy's holding horizon
type StrategyType string

const (
	StrategyLongTerm  StrategyType = "LONG_TERM"
	StrategyShortTerm StrategyType = "SHORT_TERM"
	StrategyIntraday  StrategyType = "INTRADAY"
	StrategySwing     StrategyType = "SWING"
)

// TradeStatus is the lifecycle state of a trade row
type TradeStatus string

const (
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// TradeAction is the side of a trade
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// SymbolCategory classifies an instrument
type SymbolCategory string

const (
	CategoryStock   SymbolCategory = "STOCK"
	CategoryFutures SymbolCategory = "FUTURES"
	CategoryIndex   SymbolCategory = "INDEX"
)

// PerformanceMode tags the provenance of a StrategyPerformance row
type PerformanceMode string

const (
	PerfModeMain     PerformanceMode = "MAIN"
	PerfModeShadow   PerformanceMode = "SHADOW"
	PerfModeBacktest PerformanceMode = "BACKTEST"
)

// MinActionableConfidence is the confidence floor under which a
// non-neutral signal is ignored by the manager and the shadow books.
const MinActionableConfidence = 0.65

// TradeSignal is the output of one strategy execution
type TradeSignal struct {
	Direction  Direction         `json:"direction"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
	ExitSignal bool              `json:"exit_signal"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Actionable reports whether the signal can produce a trade
func (s TradeSignal) Actionable() bool {
	return s.Direction != DirectionNeutral && s.Confidence >= MinActionableConfidence
}

// Neutral returns a neutral signal with the given reason
func Neutral(reason string) TradeSignal {
	return TradeSignal{Direction: DirectionNeutral, Confidence: 0, Reason: reason}
}

// Indicators carries the technical values cached on a MarketContext.
// Nil pointers mean "not enough history to compute".
type Indicators struct {
	SMA5      *float64 `json:"sma5,omitempty"`
	SMA20     *float64 `json:"sma20,omitempty"`
	RSI       *float64 `json:"rsi,omitempty"`
	VWAP      *float64 `json:"vwap,omitempty"`
	BollUpper *float64 `json:"boll_upper,omitempty"`
	BollMid   *float64 `json:"boll_mid,omitempty"`
	BollLower *float64 `json:"boll_lower,omitempty"`
}

// SessionOHLC is the running open/high/low/close of the current session
type SessionOHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// MarketContext is the immutable per-tick snapshot handed to strategies.
// Histories are copies; strategies must not retain or mutate them.
type MarketContext struct {
	Symbol       string      `json:"symbol"`
	CurrentPrice float64     `json:"current_price"`
	Timestamp    time.Time   `json:"timestamp"`
	Prices       []float64   `json:"prices"`
	Volumes      []float64   `json:"volumes"`
	Indicators   Indicators  `json:"indicators"`
	Session      SessionOHLC `json:"session"`
	Position     float64     `json:"position"`
	EntryPrice   float64     `json:"entry_price"`
	Mode         TradingMode `json:"mode"`
	NewsVeto     bool        `json:"news_veto"`
}

// Quote is the latest observed tick for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV market data row
type Bar struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// NewsVerdict is the cached outcome of one news veto refresh
type NewsVerdict struct {
	Veto           bool      `json:"veto"`
	Score          float64   `json:"score"`
	Reason         string    `json:"reason"`
	HeadlinesCount int       `json:"headlines_count"`
	RefreshedAt    time.Time `json:"refreshed_at"`
}
