package trading

import (
	"fmt"
	"math"

	"github.com/aristath/taipei-trader/internal/domain"
)

// ConsensusName tags the aggregated signal when it is persisted.
const ConsensusName = "CONSENSUS"

// Consensus aggregates the actionable signals of one tick by a
// confidence-weighted vote. A side wins when its summed confidence
// exceeds 0.65 and strictly beats the other side; the winner's
// confidence is score/totalSignals capped at 0.95. Everything else,
// ties included, is NEUTRAL.
func Consensus(signals []domain.TradeSignal) domain.TradeSignal {
	if len(signals) == 0 {
		return domain.Neutral("no actionable signals")
	}

	var longScore, shortScore float64
	var longs, shorts int
	for _, sig := range signals {
		if !sig.Actionable() {
			continue
		}
		switch sig.Direction {
		case domain.DirectionLong:
			longScore += sig.Confidence
			longs++
		case domain.DirectionShort:
			shortScore += sig.Confidence
			shorts++
		}
	}
	total := longs + shorts
	if total == 0 {
		return domain.Neutral("no actionable signals")
	}

	winner := domain.DirectionNeutral
	score := 0.0
	switch {
	case longScore > domain.MinActionableConfidence && longScore > shortScore:
		winner, score = domain.DirectionLong, longScore
	case shortScore > domain.MinActionableConfidence && shortScore > longScore:
		winner, score = domain.DirectionShort, shortScore
	default:
		return domain.Neutral(fmt.Sprintf("no consensus (long %.2f vs short %.2f)", longScore, shortScore))
	}

	return domain.TradeSignal{
		Direction:  winner,
		Confidence: math.Min(0.95, score/float64(total)),
		Reason: fmt.Sprintf("consensus of %d signals (long %.2f, short %.2f)",
			total, longScore, shortScore),
	}
}
