package strategies

import (
	"fmt"

	"github.com/aristath/taipei-trader/internal/domain"
)

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
	rsiExitLevel  = 60.0
)

// RSIReversal buys oversold readings and sells overbought ones. A long
// opened on an oversold print is closed once RSI recovers past the exit
// level rather than waiting for full overbought.
type RSIReversal struct{}

func NewRSIReversal() *RSIReversal { return &RSIReversal{} }

func (s *RSIReversal) Name() string              { return "RSI Reversal" }
func (s *RSIReversal) Type() domain.StrategyType { return domain.StrategyShortTerm }
func (s *RSIReversal) Reset()                    {}

func (s *RSIReversal) Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal {
	rsi := mc.Indicators.RSI
	if rsi == nil {
		return domain.Neutral("insufficient history for RSI")
	}
	held := p.Position(mc.Symbol)

	switch {
	case *rsi <= rsiOversold:
		return domain.TradeSignal{
			Direction:  domain.DirectionLong,
			Confidence: clampConf(0.65 + (rsiOversold-*rsi)/100),
			Reason:     fmt.Sprintf("RSI %.1f oversold", *rsi),
		}
	case *rsi >= rsiOverbought:
		sig := domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: clampConf(0.65 + (*rsi-rsiOverbought)/100),
			Reason:     fmt.Sprintf("RSI %.1f overbought", *rsi),
		}
		if held > 0 {
			sig.ExitSignal = true
			sig.Reason += ", closing long"
		}
		return sig
	case held > 0 && *rsi >= rsiExitLevel:
		return domain.TradeSignal{
			Direction:  domain.DirectionShort,
			Confidence: 0.68,
			Reason:     fmt.Sprintf("RSI recovered to %.1f, closing long", *rsi),
			ExitSignal: true,
		}
	}
	return domain.Neutral(fmt.Sprintf("RSI %.1f in neutral zone", *rsi))
}
