package bridge

import (
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
)

// HealthStatus is the bridge /health payload
type HealthStatus struct {
	Status          string `json:"status"`
	BrokerConnected bool   `json:"broker_connected"`
	UptimeSecs      int64  `json:"uptime_secs"`
}

// SignalSnapshot is one market observation from the bridge. Indicator
// values computed broker-side win over locally derived ones.
type SignalSnapshot struct {
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Volume     float64            `json:"volume"`
	Timestamp  time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Session    *SessionLevels     `json:"session,omitempty"`
}

// SessionLevels carries the running session OHLC from the bridge
type SessionLevels struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// MarketDataResponse is the bridge /market/{symbol} payload
type MarketDataResponse struct {
	Symbol string      `json:"symbol"`
	Name   string      `json:"name,omitempty"`
	Bars   []BarRecord `json:"bars"`
}

// BarRecord is one OHLCV row as the bridge serializes it
type BarRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ToBars converts the payload into domain bars
func (m *MarketDataResponse) ToBars() []domain.Bar {
	bars := make([]domain.Bar, 0, len(m.Bars))
	for _, b := range m.Bars {
		bars = append(bars, domain.Bar{
			Symbol:    m.Symbol,
			Name:      m.Name,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars
}

// NewsSignal is the bridge /signal/news payload: raw headlines plus the
// bridge's own coarse sentiment score.
type NewsSignal struct {
	Headlines []string  `json:"headlines"`
	Symbols   []string  `json:"symbols,omitempty"`
	Score     float64   `json:"score"`
	FetchedAt time.Time `json:"fetched_at"`
}

// EarningsCalendar is the bridge /earnings payload: upcoming report
// dates (ISO yyyy-mm-dd) keyed by symbol. Symbols with no scheduled
// report are omitted.
type EarningsCalendar struct {
	Dates  map[string][]string `json:"dates"`
	Source string              `json:"source,omitempty"`
}

// OrderResult is the validated echo both order endpoints return
type OrderResult struct {
	Accepted bool                   `json:"accepted"`
	OrderID  string                 `json:"order_id,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Echo     map[string]interface{} `json:"echo,omitempty"`
}

// Position is one open broker position
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Account is the broker account summary
type Account struct {
	Equity     float64 `json:"equity"`
	Cash       float64 `json:"cash"`
	Currency   string  `json:"currency"`
	MarginUsed float64 `json:"margin_used"`
}

// DataOp names a bridge-side data pipeline operation
type DataOp string

const (
	DataOpPopulate     DataOp = "populate-data"
	DataOpBacktests    DataOp = "run-backtests"
	DataOpSelectBest   DataOp = "select-best-strategy"
	DataOpFullPipeline DataOp = "full-pipeline"
	DataOpStatus       DataOp = "data-status"
)

// DataOpResult is the surfaced outcome of a data pipeline operation
type DataOpResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
