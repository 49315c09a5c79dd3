// Package stats owns the close-of-session reporting jobs: the daily
// statistics rollup that runs after the session ends and the weekly
// execution-quality report. The daily job also refreshes the rolling
// per-strategy performance rows the selector ranks on, so it is the
// producer side of the auto-selection loop.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/aristath/taipei-trader/pkg/formulas"
)

// TradeLedger is the slice of the trade repository the jobs read.
type TradeLedger interface {
	GetByDateRange(from, to time.Time, mode domain.TradingMode) ([]*domain.Trade, error)
	GetClosedByStrategy(strategy string, mode domain.TradingMode, since time.Time) ([]*domain.Trade, error)
}

// StatsStore persists daily rows. Upsert replaces the row for
// (trade_date, symbol, strategy), so re-running the job is safe.
type StatsStore interface {
	Upsert(s *domain.DailyStatistics) error
	GetRange(fromDate, toDate string) ([]*domain.DailyStatistics, error)
}

// PerformanceSink receives the rolling per-strategy rows.
type PerformanceSink interface {
	InsertPerformance(p *domain.StrategyPerformance) error
}

// SignalCounter reports how many signals were recorded for a symbol.
type SignalCounter interface {
	CountSince(since time.Time, symbol string) (total, vetoed int, err error)
}

// ContextSource supplies the session OHLC and indicators at close.
type ContextSource interface {
	Build(ctx context.Context, symbol string) (*domain.MarketContext, error)
}

// SettingsSource resolves the active stock.
type SettingsSource interface {
	Get(key string) (*string, error)
}

// Narrator turns the day's numbers into a short prose summary.
type Narrator interface {
	Narrate(ctx context.Context, prompt, insightType, source, symbol string) (string, error)
}

// EventRecorder appends to the audit trail.
type EventRecorder interface {
	Create(e *domain.Event) error
}

// Notifier pushes operator-facing messages.
type Notifier interface {
	Notify(text string)
}

// Service runs the end-of-day rollup and the weekly execution report.
type Service struct {
	trades     TradeLedger
	stats      StatsStore
	perf       PerformanceSink
	signals    SignalCounter
	market     ContextSource
	settings   SettingsSource
	narrator   Narrator
	events     EventRecorder
	notifier   Notifier
	registry   *strategies.Registry
	baseEquity float64
	lookback   int
	loc        *time.Location
	log        zerolog.Logger
	now        func() time.Time
}

// Deps wires a Service. Narrator and Notifier are optional.
type Deps struct {
	Trades       TradeLedger
	Stats        StatsStore
	Perf         PerformanceSink
	Signals      SignalCounter
	Market       ContextSource
	Settings     SettingsSource
	Narrator     Narrator
	Events       EventRecorder
	Notifier     Notifier
	Registry     *strategies.Registry
	BaseEquity   float64
	LookbackDays int
	Loc          *time.Location
	Log          zerolog.Logger
}

func New(d Deps) *Service {
	if d.BaseEquity <= 0 {
		d.BaseEquity = 100000
	}
	if d.LookbackDays <= 0 {
		d.LookbackDays = 30
	}
	if d.Loc == nil {
		d.Loc = time.UTC
	}
	return &Service{
		trades:     d.Trades,
		stats:      d.Stats,
		perf:       d.Perf,
		signals:    d.Signals,
		market:     d.Market,
		settings:   d.Settings,
		narrator:   d.Narrator,
		events:     d.Events,
		notifier:   d.Notifier,
		registry:   d.Registry,
		baseEquity: d.BaseEquity,
		lookback:   d.LookbackDays,
		loc:        d.Loc,
		log:        d.Log.With().Str("component", "stats").Logger(),
		now:        time.Now,
	}
}

// RunDaily is the 13:05 job. It rolls the day's simulation ledger into
// one DailyStatistics row per strategy that traded the active symbol,
// then refreshes the rolling StrategyPerformance rows the selector
// reads. Statistics come from the simulation ledger because every
// strategy books shadow fills there under equal conditions; the live
// book is tracked by the risk manager and the status surface instead.
func (s *Service) RunDaily(ctx context.Context) error {
	symbol := s.activeSymbol()
	if symbol == "" {
		s.log.Warn().Msg("EOD skipped: no active stock configured")
		return nil
	}

	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	tradeDate := dayStart.Format("2006-01-02")

	rows, err := s.trades.GetByDateRange(dayStart, dayStart.AddDate(0, 0, 1), domain.ModeSimulation)
	if err != nil {
		return fmt.Errorf("failed to load day trades: %w", err)
	}

	mc, err := s.market.Build(ctx, symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("EOD running without market context")
		mc = nil
	}

	sigTotal, sigVetoed, err := s.signals.CountSince(dayStart, symbol)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to count signals for EOD")
	}

	byStrategy := make(map[string][]*domain.Trade)
	for _, t := range rows {
		if t.Symbol != symbol {
			continue
		}
		byStrategy[t.StrategyName] = append(byStrategy[t.StrategyName], t)
	}
	names := make([]string, 0, len(byStrategy))
	for name := range byStrategy {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]*domain.DailyStatistics, 0, len(names))
	for _, name := range names {
		stat := s.buildDaily(tradeDate, symbol, name, byStrategy[name], mc, sigTotal, sigVetoed, now)
		if err := stat.Validate(); err != nil {
			return fmt.Errorf("daily statistics for %s invalid: %w", name, err)
		}
		if err := s.stats.Upsert(stat); err != nil {
			return fmt.Errorf("failed to persist daily statistics for %s: %w", name, err)
		}
		written = append(written, stat)
	}

	perfRows := s.refreshPerformance(symbol, now)

	s.log.Info().
		Str("trade_date", tradeDate).
		Str("symbol", symbol).
		Int("strategies", len(written)).
		Int("performance_rows", perfRows).
		Msg("End-of-day statistics written")
	s.recordEvent(domain.EventInfo,
		fmt.Sprintf("EOD rollup for %s: %d strategy rows, %d performance rows", tradeDate, len(written), perfRows))

	if target := s.narrationTarget(written); target != nil && s.narrator != nil {
		// Narration must never hold up the rollup; the row is already
		// persisted and gets patched when the model answers.
		go s.runNarration(context.Background(), target)
	}
	return nil
}

// buildDaily folds one strategy's day of fills into a row. Cumulative
// fields and streaks are seeded from the prior rows inside the rolling
// 365-day window so a re-run replaces today without double counting.
func (s *Service) buildDaily(tradeDate, symbol, strategy string, dayRows []*domain.Trade, mc *domain.MarketContext, sigTotal, sigVetoed int, now time.Time) *domain.DailyStatistics {
	stat := &domain.DailyStatistics{
		TradeDate:        tradeDate,
		Symbol:           symbol,
		StrategyName:     strategy,
		SignalsGenerated: sigTotal,
		SignalsActed:     len(dayRows),
		NewsVetos:        sigVetoed,
		CreatedAt:        now,
	}

	var closed []*domain.Trade
	var grossProfit, grossLoss float64
	holds := make([]float64, 0, len(dayRows))
	for _, t := range dayRows {
		if t.Status != domain.TradeClosed || t.RealizedPnL == nil {
			continue
		}
		closed = append(closed, t)
		pnl := *t.RealizedPnL
		stat.RealizedPnL += pnl
		if pnl > 0 {
			stat.WinningTrades++
			grossProfit += pnl
		} else {
			stat.LosingTrades++
			grossLoss += -pnl
		}
		if t.HoldMinutes != nil {
			holds = append(holds, float64(*t.HoldMinutes))
		}
	}
	stat.TotalTrades = len(closed)
	if stat.TotalTrades > 0 {
		stat.WinRate = float64(stat.WinningTrades) / float64(stat.TotalTrades)
	}
	stat.ProfitFactor = formulas.ProfitFactor(grossProfit, grossLoss)
	if len(holds) > 0 {
		stat.AvgHoldMinutes = formulas.Mean(holds)
		stat.MaxHoldMinutes = formulas.Max(holds)
		stat.MinHoldMinutes = holds[0]
		for _, h := range holds[1:] {
			stat.MinHoldMinutes = math.Min(stat.MinHoldMinutes, h)
		}
	}

	if mc != nil {
		stat.OpenPrice = mc.Session.Open
		stat.HighPrice = mc.Session.High
		stat.LowPrice = mc.Session.Low
		stat.ClosePrice = mc.Session.Close
		for _, v := range mc.Volumes {
			stat.Volume += v
		}
		stat.RSIClose = mc.Indicators.RSI
		stat.SMAClose = mc.Indicators.SMA20
		stat.VWAPClose = mc.Indicators.VWAP
		stat.MACDClose = formulas.CalculateMACD(mc.Prices, 12, 26, 9)
		// Close-to-close ATR; the tick feed carries no bar highs or lows.
		stat.ATRClose = formulas.CalculateATR(mc.Prices, mc.Prices, mc.Prices, 14)

		for _, t := range dayRows {
			if t.Status != domain.TradeOpen {
				continue
			}
			if t.Action == domain.ActionSell {
				stat.UnrealizedPnL += (t.EntryPrice - mc.CurrentPrice) * t.Quantity
			} else {
				stat.UnrealizedPnL += (mc.CurrentPrice - t.EntryPrice) * t.Quantity
			}
		}
	}
	stat.TotalPnL = stat.RealizedPnL + stat.UnrealizedPnL

	prior := s.priorRows(tradeDate, symbol, strategy)
	var cumBefore float64
	var tradesBefore int
	winStreak, lossStreak := 0, 0
	highWater := s.baseEquity
	for _, p := range prior {
		cumBefore += p.RealizedPnL
		tradesBefore += p.TotalTrades
	}
	if len(prior) > 0 {
		last := prior[len(prior)-1]
		winStreak = last.WinStreak
		lossStreak = last.LossStreak
		highWater = math.Max(highWater, last.EquityHighWater)
	}

	equity := s.baseEquity + cumBefore
	curve := []float64{equity}
	highWater = math.Max(highWater, equity)
	for _, t := range closed {
		pnl := *t.RealizedPnL
		equity += pnl
		curve = append(curve, equity)
		highWater = math.Max(highWater, equity)
		if pnl > 0 {
			winStreak++
			lossStreak = 0
		} else {
			lossStreak++
			winStreak = 0
		}
	}
	if dd := formulas.CalculateMaxDrawdown(curve); dd != nil {
		stat.MaxDrawdown = *dd * 100
	}
	stat.CumulativePnL = cumBefore + stat.RealizedPnL
	stat.CumulativeTrades = tradesBefore + stat.TotalTrades
	stat.WinStreak = winStreak
	stat.LossStreak = lossStreak
	stat.EquityHighWater = highWater
	return stat
}

// priorRows returns this pair's rows inside the 365-day window up to
// but not including tradeDate, oldest first.
func (s *Service) priorRows(tradeDate, symbol, strategy string) []*domain.DailyStatistics {
	day, err := time.ParseInLocation("2006-01-02", tradeDate, s.loc)
	if err != nil {
		return nil
	}
	from := day.AddDate(0, 0, -365).Format("2006-01-02")
	until := day.AddDate(0, 0, -1).Format("2006-01-02")
	rows, err := s.stats.GetRange(from, until)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load prior daily statistics")
		return nil
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Symbol == symbol && r.StrategyName == strategy {
			out = append(out, r)
		}
	}
	return out
}

// refreshPerformance recomputes the rolling shadow performance row for
// every registered strategy and returns how many rows were written.
// These rows are the selector's ranking input.
func (s *Service) refreshPerformance(symbol string, now time.Time) int {
	if s.registry == nil || s.perf == nil {
		return 0
	}
	since := now.AddDate(0, 0, -s.lookback)
	written := 0
	for _, name := range s.registry.Names() {
		rows, err := s.trades.GetClosedByStrategy(name, domain.ModeSimulation, since)
		if err != nil {
			s.log.Warn().Err(err).Str("strategy", name).Msg("Failed to load closed trades for performance refresh")
			continue
		}
		perf := s.performanceRow(name, symbol, rows, since, now)
		if perf == nil {
			continue
		}
		if err := s.perf.InsertPerformance(perf); err != nil {
			s.log.Warn().Err(err).Str("strategy", name).Msg("Failed to insert strategy performance")
			continue
		}
		written++
	}
	return written
}

func (s *Service) performanceRow(strategy, symbol string, rows []*domain.Trade, since, now time.Time) *domain.StrategyPerformance {
	var wins int
	var totalPnL, grossProfit, grossLoss float64
	curve := []float64{s.baseEquity}
	equity := s.baseEquity
	count := 0
	for _, t := range rows {
		if t.Symbol != symbol || t.RealizedPnL == nil {
			continue
		}
		pnl := *t.RealizedPnL
		count++
		totalPnL += pnl
		equity += pnl
		curve = append(curve, equity)
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
	}
	if count == 0 {
		return nil
	}
	perf := &domain.StrategyPerformance{
		StrategyName:   strategy,
		Symbol:         symbol,
		Mode:           domain.PerfModeShadow,
		TotalReturnPct: totalPnL / s.baseEquity * 100,
		WinRatePct:     float64(wins) / float64(count) * 100,
		TotalTrades:    count,
		TotalPnL:       totalPnL,
		ProfitFactor:   formulas.ProfitFactor(grossProfit, grossLoss),
		PeriodStart:    since,
		PeriodEnd:      now,
		CalculatedAt:   now,
	}
	if sharpe := formulas.CalculateSharpeFromPrices(curve, 0); sharpe != nil {
		perf.Sharpe = *sharpe
	}
	if dd := formulas.CalculateMaxDrawdown(curve); dd != nil {
		perf.MaxDrawdownPct = *dd * 100
	}
	return perf
}

// narrationTarget picks the row the LLM summary attaches to: the
// busiest strategy of the day.
func (s *Service) narrationTarget(written []*domain.DailyStatistics) *domain.DailyStatistics {
	var target *domain.DailyStatistics
	for _, row := range written {
		if target == nil || row.TotalTrades > target.TotalTrades {
			target = row
		}
	}
	return target
}

// runNarration asks the model for a short session summary and patches
// it onto the already persisted row. Failures are logged and dropped.
func (s *Service) runNarration(ctx context.Context, row *domain.DailyStatistics) {
	prompt := fmt.Sprintf(
		"You are the end-of-day reporter for a Taiwan intraday trading bot. "+
			"Summarize the session in two or three plain sentences, no advice. "+
			"Date %s, symbol %s, strategy %s. Closed trades %d, win rate %.0f%%, "+
			"realized P&L %.0f TWD, profit factor %s. Signals: %d generated, %d vetoed by news.",
		row.TradeDate, row.Symbol, row.StrategyName,
		row.TotalTrades, row.WinRate*100, row.RealizedPnL,
		formatProfitFactor(row.ProfitFactor), row.SignalsGenerated, row.NewsVetos)

	text, err := s.narrator.Narrate(ctx, prompt, "eod_narration", "stats", row.Symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("trade_date", row.TradeDate).Msg("EOD narration failed")
		return
	}
	row.LlamaInsight = strings.TrimSpace(text)
	if row.LlamaInsight == "" {
		return
	}
	if err := s.stats.Upsert(row); err != nil {
		s.log.Warn().Err(err).Msg("Failed to attach narration to daily statistics")
	}
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", pf)
}

func (s *Service) activeSymbol() string {
	val, err := s.settings.Get(domain.SettingCurrentActiveStock)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read active stock")
		return ""
	}
	if val == nil {
		return ""
	}
	return strings.TrimSpace(*val)
}

func (s *Service) recordEvent(t domain.EventType, msg string) {
	if err := s.events.Create(&domain.Event{
		Type:      t,
		Category:  "stats",
		Component: "stats",
		Message:   msg,
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to record stats event")
	}
}
