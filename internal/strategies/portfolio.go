package strategies

import (
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
)

// DefaultBaseEquity is the starting cash of every shadow portfolio.
const DefaultBaseEquity = 80000

// Portfolio is the private simulated book of one strategy. Fills are
// applied immediately at the given price; realized P&L accrues into the
// daily and weekly buckets until their resets. Not safe for concurrent
// use; the manager serializes strategy execution.
type Portfolio struct {
	StrategyName string
	BaseEquity   float64
	Cash         float64

	positions   map[string]float64
	entryPrices map[string]float64
	entryTimes  map[string]time.Time

	RealizedPnL float64
	DailyPnL    float64
	WeeklyPnL   float64
}

func NewPortfolio(strategyName string, baseEquity float64) *Portfolio {
	if baseEquity <= 0 {
		baseEquity = DefaultBaseEquity
	}
	return &Portfolio{
		StrategyName: strategyName,
		BaseEquity:   baseEquity,
		Cash:         baseEquity,
		positions:    make(map[string]float64),
		entryPrices:  make(map[string]float64),
		entryTimes:   make(map[string]time.Time),
	}
}

// Position returns the current holding for a symbol, zero when flat.
func (p *Portfolio) Position(symbol string) float64 {
	return p.positions[symbol]
}

// EntryPrice returns the volume-weighted average entry for a symbol.
func (p *Portfolio) EntryPrice(symbol string) float64 {
	return p.entryPrices[symbol]
}

// EntryTime returns when the current position was opened.
func (p *Portfolio) EntryTime(symbol string) time.Time {
	return p.entryTimes[symbol]
}

// Symbols returns every symbol with a non-zero position.
func (p *Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.positions))
	for sym, qty := range p.positions {
		if qty != 0 {
			out = append(out, sym)
		}
	}
	return out
}

// ApplyFill books a simulated fill and returns the realized P&L, which
// is zero for buys and for sells beyond the held quantity. Position
// deltas always equal buys minus sells; a sell larger than the holding
// is clamped to it.
func (p *Portfolio) ApplyFill(symbol string, action domain.TradeAction, quantity, price float64, ts time.Time) float64 {
	if quantity <= 0 || price <= 0 {
		return 0
	}

	switch action {
	case domain.ActionBuy:
		held := p.positions[symbol]
		cost := quantity * price
		if held <= 0 {
			p.entryPrices[symbol] = price
			p.entryTimes[symbol] = ts
		} else {
			// Volume-weighted average entry across adds.
			p.entryPrices[symbol] = (p.entryPrices[symbol]*held + cost) / (held + quantity)
		}
		p.positions[symbol] = held + quantity
		p.Cash -= cost
		return 0

	case domain.ActionSell:
		held := p.positions[symbol]
		if held <= 0 {
			return 0
		}
		if quantity > held {
			quantity = held
		}
		realized := (price - p.entryPrices[symbol]) * quantity
		p.positions[symbol] = held - quantity
		p.Cash += quantity * price
		if p.positions[symbol] == 0 {
			delete(p.entryPrices, symbol)
			delete(p.entryTimes, symbol)
		}
		p.RealizedPnL += realized
		p.DailyPnL += realized
		p.WeeklyPnL += realized
		return realized
	}
	return 0
}

// Equity marks the book to the given prices. Symbols without a mark are
// valued at their entry price.
func (p *Portfolio) Equity(marks map[string]float64) float64 {
	equity := p.Cash
	for sym, qty := range p.positions {
		if qty == 0 {
			continue
		}
		price, ok := marks[sym]
		if !ok {
			price = p.entryPrices[sym]
		}
		equity += qty * price
	}
	return equity
}

// ResetDaily zeroes the daily realized bucket at session close.
func (p *Portfolio) ResetDaily() {
	p.DailyPnL = 0
}

// ResetWeekly zeroes the weekly realized bucket.
func (p *Portfolio) ResetWeekly() {
	p.WeeklyPnL = 0
}
