package strategies

import (
	"fmt"
	"math"

	"github.com/aristath/taipei-trader/internal/domain"
)

const (
	momentumLookback  = 10
	momentumThreshold = 0.008
	volumeBoost       = 1.2
)

// Momentum follows the rate of change over the last lookback points,
// with a confidence bump when the latest volume runs hot against the
// lookback average.
type Momentum struct{}

func NewMomentum() *Momentum { return &Momentum{} }

func (s *Momentum) Name() string              { return "Momentum" }
func (s *Momentum) Type() domain.StrategyType { return domain.StrategyIntraday }
func (s *Momentum) Reset()                    {}

func (s *Momentum) Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal {
	n := len(mc.Prices)
	if n < momentumLookback+1 {
		return domain.Neutral("insufficient history for momentum")
	}
	first := mc.Prices[n-1-momentumLookback]
	last := mc.Prices[n-1]
	if first <= 0 {
		return domain.Neutral("unusable price history")
	}
	roc := (last - first) / first

	conf := clampConf(0.65 + math.Min(0.20, math.Abs(roc)*20))
	if s.volumeConfirms(mc.Volumes) {
		conf = clampConf(conf + 0.05)
	}

	switch {
	case roc >= momentumThreshold:
		return domain.TradeSignal{
			Direction:  domain.DirectionLong,
			Confidence: conf,
			Reason:     fmt.Sprintf("%.2f%% move over last %d points", roc*100, momentumLookback),
		}
	case roc <= -momentumThreshold:
		sig := domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: conf,
			Reason:     fmt.Sprintf("%.2f%% move over last %d points", roc*100, momentumLookback),
		}
		if p.Position(mc.Symbol) > 0 {
			sig.ExitSignal = true
			sig.Reason += ", closing long"
		}
		return sig
	}
	return domain.Neutral("momentum flat")
}

func (s *Momentum) volumeConfirms(volumes []float64) bool {
	n := len(volumes)
	if n < momentumLookback+1 {
		return false
	}
	var sum float64
	for _, v := range volumes[n-1-momentumLookback : n-1] {
		sum += v
	}
	avg := sum / momentumLookback
	return avg > 0 && volumes[n-1] > avg*volumeBoost
}
