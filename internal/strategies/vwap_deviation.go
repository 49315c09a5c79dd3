package strategies

import (
	"fmt"
	"math"

	"github.com/aristath/taipei-trader/internal/domain"
)

// vwapBand is the fractional deviation from VWAP that triggers a trade.
const vwapBand = 0.01

// VWAPDeviation fades stretches away from the session VWAP and unwinds
// once price is back at or above it.
type VWAPDeviation struct{}

func NewVWAPDeviation() *VWAPDeviation { return &VWAPDeviation{} }

func (s *VWAPDeviation) Name() string              { return "VWAP Deviation" }
func (s *VWAPDeviation) Type() domain.StrategyType { return domain.StrategyIntraday }
func (s *VWAPDeviation) Reset()                    {}

func (s *VWAPDeviation) Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal {
	vwap := mc.Indicators.VWAP
	if vwap == nil || *vwap <= 0 {
		return domain.Neutral("no VWAP available")
	}
	dev := (mc.CurrentPrice - *vwap) / *vwap
	held := p.Position(mc.Symbol)
	conf := clampConf(0.65 + math.Min(0.25, math.Abs(dev)*15))

	switch {
	case dev <= -vwapBand:
		return domain.TradeSignal{
			Direction:  domain.DirectionLong,
			Confidence: conf,
			Reason:     fmt.Sprintf("price %.2f is %.2f%% below VWAP %.2f", mc.CurrentPrice, -dev*100, *vwap),
		}
	case dev >= vwapBand:
		sig := domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: conf,
			Reason:     fmt.Sprintf("price %.2f is %.2f%% above VWAP %.2f", mc.CurrentPrice, dev*100, *vwap),
		}
		if held > 0 {
			sig.ExitSignal = true
			sig.Reason += ", taking profit"
		}
		return sig
	case held > 0 && dev >= 0:
		return domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: 0.66,
			Reason:     fmt.Sprintf("price %.2f recovered to VWAP %.2f, closing long", mc.CurrentPrice, *vwap),
			ExitSignal: true,
		}
	}
	return domain.Neutral("price near VWAP")
}
