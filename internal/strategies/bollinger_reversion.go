package strategies

import (
	"fmt"

	"github.com/aristath/taipei-trader/internal/domain"
)

// BollingerReversion buys breaks below the lower band and unwinds at the
// band middle or above the upper band. Stateless between ticks.
type BollingerReversion struct{}

func NewBollingerReversion() *BollingerReversion { return &BollingerReversion{} }

func (s *BollingerReversion) Name() string              { return "Bollinger Reversion" }
func (s *BollingerReversion) Type() domain.StrategyType { return domain.StrategySwing }
func (s *BollingerReversion) Reset()                    {}

func (s *BollingerReversion) Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal {
	upper := mc.Indicators.BollUpper
	mid := mc.Indicators.BollMid
	lower := mc.Indicators.BollLower
	if upper == nil || mid == nil || lower == nil {
		return domain.Neutral("insufficient history for bands")
	}
	width := *upper - *lower
	if width <= 0 {
		return domain.Neutral("degenerate bands")
	}

	price := mc.CurrentPrice
	held := p.Position(mc.Symbol)

	switch {
	case price < *lower:
		penetration := (*lower - price) / width
		return domain.TradeSignal{
			Direction:  domain.DirectionLong,
			Confidence: clampConf(0.65 + penetration*1.5),
			Reason:     fmt.Sprintf("price %.2f below lower band %.2f", price, *lower),
		}
	case price > *upper:
		penetration := (price - *upper) / width
		sig := domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: clampConf(0.65 + penetration*1.5),
			Reason:     fmt.Sprintf("price %.2f above upper band %.2f", price, *upper),
		}
		if held > 0 {
			sig.ExitSignal = true
			sig.Reason += ", taking profit"
		}
		return sig
	case held > 0 && price >= *mid:
		return domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: 0.70,
			Reason:     fmt.Sprintf("price %.2f reverted to band middle %.2f, closing long", price, *mid),
			ExitSignal: true,
		}
	}
	return domain.Neutral("inside bands")
}
