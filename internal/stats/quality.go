package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/pkg/formulas"
)

const (
	acceptableSlippageBps = 15.0
	acceptableFillRatePct = 95.0
)

// SymbolSlippage is the per-symbol slippage aggregate.
type SymbolSlippage struct {
	Symbol  string  `json:"symbol"`
	MeanBps float64 `json:"mean_bps"`
	Fills   int     `json:"fills"`
}

// BucketSlippage is the per-hour aggregate used for the time-of-day
// ranking. Buckets come from the time_bucket column the executor
// stamps on every fill.
type BucketSlippage struct {
	Bucket  string  `json:"bucket"`
	MeanBps float64 `json:"mean_bps"`
	Fills   int     `json:"fills"`
}

// ExecutionQualityReport grades the last week of live fills.
type ExecutionQualityReport struct {
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	Fills           int              `json:"fills"`
	MeanSlippageBps float64          `json:"mean_slippage_bps"`
	MaxSlippageBps  float64          `json:"max_slippage_bps"`
	StdSlippageBps  float64          `json:"std_slippage_bps"`
	FillRatePct     float64          `json:"fill_rate_pct"`
	HighSlippage    []SymbolSlippage `json:"high_slippage_symbols,omitempty"`
	Buckets         []BucketSlippage `json:"time_buckets,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Grade           string           `json:"grade"`
}

// WeeklyQuality is the Monday 08:00 job. It grades the last seven days
// of live fills on slippage and fill rate and ranks the session hours
// so the operator can see when execution is cheapest. In simulation
// mode there are no live fills and the job stays quiet.
func (s *Service) WeeklyQuality(ctx context.Context) (*ExecutionQualityReport, error) {
	now := s.now().In(s.loc)
	since := now.AddDate(0, 0, -7)

	rows, err := s.trades.GetByDateRange(since, now, domain.ModeLive)
	if err != nil {
		return nil, fmt.Errorf("failed to load live fills: %w", err)
	}
	if len(rows) == 0 {
		s.log.Info().Msg("Weekly execution report skipped: no live orders in window")
		return nil, nil
	}

	report := &ExecutionQualityReport{PeriodStart: since, PeriodEnd: now}
	var slips []float64
	bySymbol := make(map[string][]float64)
	byBucket := make(map[string][]float64)
	filled := 0
	for _, t := range rows {
		if t.Status == domain.TradeCancelled {
			continue
		}
		filled++
		if t.SlippageBps == nil {
			continue
		}
		bps := *t.SlippageBps
		slips = append(slips, bps)
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], bps)
		if t.TimeBucket != "" {
			byBucket[t.TimeBucket] = append(byBucket[t.TimeBucket], bps)
		}
	}
	report.Fills = filled
	report.FillRatePct = float64(filled) / float64(len(rows)) * 100

	if len(slips) > 0 {
		report.MeanSlippageBps = stat.Mean(slips, nil)
		report.StdSlippageBps = stat.StdDev(slips, nil)
		report.MaxSlippageBps = formulas.Max(slips)
	}

	for symbol, vals := range bySymbol {
		mean := stat.Mean(vals, nil)
		if mean > acceptableSlippageBps {
			report.HighSlippage = append(report.HighSlippage,
				SymbolSlippage{Symbol: symbol, MeanBps: mean, Fills: len(vals)})
		}
	}
	sort.Slice(report.HighSlippage, func(i, j int) bool {
		return report.HighSlippage[i].MeanBps > report.HighSlippage[j].MeanBps
	})

	for bucket, vals := range byBucket {
		report.Buckets = append(report.Buckets,
			BucketSlippage{Bucket: bucket, MeanBps: stat.Mean(vals, nil), Fills: len(vals)})
	}
	// Best execution hour first.
	sort.Slice(report.Buckets, func(i, j int) bool {
		if report.Buckets[i].MeanBps != report.Buckets[j].MeanBps {
			return report.Buckets[i].MeanBps < report.Buckets[j].MeanBps
		}
		return report.Buckets[i].Bucket < report.Buckets[j].Bucket
	})

	report.Recommendations = recommendations(report)
	report.Grade = grade(report.MeanSlippageBps, report.FillRatePct)

	s.publishQuality(report)
	return report, nil
}

func recommendations(r *ExecutionQualityReport) []string {
	var recs []string
	for _, hs := range r.HighSlippage {
		recs = append(recs, fmt.Sprintf("review order placement for %s (mean slippage %.1f bps over %d fills)",
			hs.Symbol, hs.MeanBps, hs.Fills))
	}
	if n := len(r.Buckets); n > 0 {
		worst := r.Buckets[n-1]
		if worst.MeanBps > acceptableSlippageBps {
			recs = append(recs, fmt.Sprintf("avoid entries during %s (mean slippage %.1f bps)",
				worst.Bucket, worst.MeanBps))
		}
	}
	if r.FillRatePct < acceptableFillRatePct {
		recs = append(recs, fmt.Sprintf("fill rate %.1f%% is below %.0f%%, check bridge connectivity during the session",
			r.FillRatePct, acceptableFillRatePct))
	}
	if len(recs) == 0 {
		recs = append(recs, "execution quality within tolerance, no changes recommended")
	}
	return recs
}

func grade(meanBps, fillRatePct float64) string {
	switch {
	case meanBps <= 5 && fillRatePct >= 99:
		return "A+"
	case meanBps <= 10 && fillRatePct >= 97:
		return "A"
	case meanBps <= acceptableSlippageBps && fillRatePct >= acceptableFillRatePct:
		return "B"
	case meanBps <= 25 && fillRatePct >= 90:
		return "C"
	default:
		return "D"
	}
}

func (s *Service) publishQuality(r *ExecutionQualityReport) {
	details, err := json.Marshal(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal execution quality report")
		details = nil
	}
	msg := fmt.Sprintf("execution quality %s: mean %.1f bps, max %.1f bps, fill rate %.1f%% over %d fills",
		r.Grade, r.MeanSlippageBps, r.MaxSlippageBps, r.FillRatePct, r.Fills)
	if err := s.events.Create(&domain.Event{
		Type:        domain.EventInfo,
		Category:    "stats",
		Component:   "stats",
		Message:     msg,
		DetailsJSON: string(details),
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to record execution quality event")
	}
	s.log.Info().
		Str("grade", r.Grade).
		Float64("mean_bps", r.MeanSlippageBps).
		Float64("fill_rate_pct", r.FillRatePct).
		Msg("Weekly execution report")

	if s.notifier == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Weekly execution report\nGrade: %s\n", r.Grade)
	fmt.Fprintf(&b, "Slippage: mean %.1f bps, max %.1f bps\n", r.MeanSlippageBps, r.MaxSlippageBps)
	fmt.Fprintf(&b, "Fill rate: %.1f%% (%d fills)\n", r.FillRatePct, r.Fills)
	if len(r.Buckets) > 0 {
		fmt.Fprintf(&b, "Best hour: %s (%.1f bps)\n", r.Buckets[0].Bucket, r.Buckets[0].MeanBps)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "• %s\n", rec)
	}
	s.notifier.Notify(strings.TrimRight(b.String(), "\n"))
}
