package strategies

import (
	"fmt"
	"math"

	"github.com/aristath/taipei-trader/internal/domain"
)

// MACrossover trades the SMA5/SMA20 crossover. The first tick only seeds
// the previous values, so a process start inside an already-crossed
// market never fires a stale entry.
type MACrossover struct {
	prevFast float64
	prevSlow float64
	seeded   bool
}

func NewMACrossover() *MACrossover { return &MACrossover{} }

func (s *MACrossover) Name() string              { return "MA Crossover" }
func (s *MACrossover) Type() domain.StrategyType { return domain.StrategyLongTerm }

func (s *MACrossover) Reset() {
	s.seeded = false
	s.prevFast = 0
	s.prevSlow = 0
}

func (s *MACrossover) Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal {
	fast := mc.Indicators.SMA5
	slow := mc.Indicators.SMA20
	if fast == nil || slow == nil || *slow == 0 {
		return domain.Neutral("insufficient history for moving averages")
	}

	if !s.seeded {
		s.prevFast, s.prevSlow, s.seeded = *fast, *slow, true
		return domain.Neutral("seeding moving averages")
	}

	crossedUp := s.prevFast <= s.prevSlow && *fast > *slow
	crossedDown := s.prevFast >= s.prevSlow && *fast < *slow
	s.prevFast, s.prevSlow = *fast, *slow

	gap := math.Abs(*fast-*slow) / math.Abs(*slow)
	conf := clampConf(0.65 + gap*10)

	switch {
	case crossedUp:
		return domain.TradeSignal{
			Direction:  domain.DirectionLong,
			Confidence: conf,
			Reason:     fmt.Sprintf("SMA5 %.2f crossed above SMA20 %.2f", *fast, *slow),
		}
	case crossedDown:
		if p.Position(mc.Symbol) > 0 {
			return domain.TradeSignal{
				Direction:  domain.DirectionShort,
				Confidence: conf,
				Reason:     fmt.Sprintf("SMA5 %.2f crossed below SMA20 %.2f, closing long", *fast, *slow),
				ExitSignal: true,
			}
		}
		return domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: conf,
			Reason:     fmt.Sprintf("SMA5 %.2f crossed below SMA20 %.2f", *fast, *slow),
		}
	}
	return domain.Neutral("no crossover")
}
