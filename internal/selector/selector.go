// Package selector owns active-strategy selection and the intraday
// drawdown watchdog. Selection ranks the persisted strategy performance
// rows and rewrites the active strategy plus the shadow watch set; the
// watchdog forces a re-selection away from a strategy whose recent
// drawdown breaches the switch limit.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/taipei-trader/internal/config"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/pkg/formulas"
	"github.com/rs/zerolog"
)

// ErrNoCandidates means no strategy has performance rows to rank.
var ErrNoCandidates = errors.New("no strategy performance candidates")

// PerformanceStore is the slice of the strategy repository selection writes.
type PerformanceStore interface {
	ListPerformanceSince(since time.Time, mode domain.PerformanceMode) ([]*domain.StrategyPerformance, error)
	SetActiveStrategy(cfg *domain.ActiveStrategyConfig) error
	GetActiveStrategy() (*domain.ActiveStrategyConfig, error)
	ReplaceShadowStocks(stocks []*domain.ShadowModeStock) error
	UpsertMapping(m *domain.StrategyStockMapping) error
}

// TradeLedger feeds the drawdown curve.
type TradeLedger interface {
	GetClosedByStrategy(strategy string, mode domain.TradingMode, since time.Time) ([]*domain.Trade, error)
}

// Flattener closes live positions before a forced switch.
type Flattener interface {
	FlattenAll(ctx context.Context, reason string) (closed, failed int)
}

type EventRecorder interface {
	Create(ev *domain.Event) error
}

type Notifier interface {
	Notify(text string)
}

// Selector evaluates the shadow track record. One instance serves both
// the scheduled daily selection and the drawdown monitor.
type Selector struct {
	perf      PerformanceStore
	trades    TradeLedger
	flattener Flattener
	events    EventRecorder
	notifier  Notifier
	mode      func() domain.TradingMode

	cfg        config.SelectorConfig
	switchPct  float64
	lookback   int
	baseEquity float64
	log        zerolog.Logger
	now        func() time.Time
}

type Deps struct {
	Perf      PerformanceStore
	Trades    TradeLedger
	Flattener Flattener
	Events    EventRecorder
	Notifier  Notifier
	Mode      func() domain.TradingMode

	Selector   config.SelectorConfig
	Risk       config.RiskConfig
	BaseEquity float64
	Log        zerolog.Logger
}

func New(d Deps) *Selector {
	if d.Selector.LookbackDays <= 0 {
		d.Selector.LookbackDays = 30
	}
	if d.Selector.ShadowTopN <= 0 {
		d.Selector.ShadowTopN = 10
	}
	switchPct := d.Risk.DrawdownPct
	if switchPct <= 0 {
		switchPct = 15
	}
	lookback := d.Risk.DrawdownLookback
	if lookback <= 0 {
		lookback = 7
	}
	baseEquity := d.BaseEquity
	if baseEquity <= 0 {
		baseEquity = 100000
	}
	return &Selector{
		perf:       d.Perf,
		trades:     d.Trades,
		flattener:  d.Flattener,
		events:     d.Events,
		notifier:   d.Notifier,
		mode:       d.Mode,
		cfg:        d.Selector,
		switchPct:  switchPct,
		lookback:   lookback,
		baseEquity: baseEquity,
		log:        d.Log.With().Str("component", "selector").Logger(),
		now:        time.Now,
	}
}

// RunDaily is the scheduled selection entry point. An empty performance
// table is a quiet no-op, not a job failure.
func (s *Selector) RunDaily(ctx context.Context) error {
	_, err := s.Select(ctx, "", true, "scheduled daily selection")
	if errors.Is(err, ErrNoCandidates) {
		s.log.Info().Msg("No strategy performance rows yet, selection skipped")
		return nil
	}
	return err
}

// Select ranks the recent shadow performance rows and rewrites the
// active strategy and the shadow watch set. exclude removes one
// strategy from consideration (used by the drawdown switch). When no
// row clears the thresholds the ranking falls back to the full set so
// a forced switch always has a target.
func (s *Selector) Select(ctx context.Context, exclude string, auto bool, reason string) (*domain.ActiveStrategyConfig, error) {
	_ = ctx
	since := s.now().AddDate(0, 0, -s.cfg.LookbackDays)
	rows, err := s.perf.ListPerformanceSince(since, domain.PerfModeShadow)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy performance: %w", err)
	}

	latest := latestPerPair(rows)
	pool := make([]*domain.StrategyPerformance, 0, len(latest))
	for _, p := range latest {
		if p.StrategyName == exclude {
			continue
		}
		if p.TotalReturnPct > s.cfg.MinReturnPct &&
			p.Sharpe > s.cfg.MinSharpe &&
			p.WinRatePct > s.cfg.MinWinRatePct &&
			p.MaxDrawdownPct < s.cfg.MaxDrawdown {
			pool = append(pool, p)
		}
	}
	relaxed := false
	if len(pool) == 0 {
		for _, p := range latest {
			if p.StrategyName != exclude {
				pool = append(pool, p)
			}
		}
		relaxed = true
	}
	if len(pool) == 0 {
		return nil, ErrNoCandidates
	}

	rank(pool)
	top := pool[0]
	if relaxed {
		reason += " (no candidate cleared thresholds, ranked full set)"
	}

	cfg := &domain.ActiveStrategyConfig{
		StrategyName:   top.StrategyName,
		AutoSwitched:   auto,
		SwitchReason:   reason,
		Sharpe:         top.Sharpe,
		TotalReturnPct: top.TotalReturnPct,
		WinRatePct:     top.WinRatePct,
		MaxDrawdownPct: top.MaxDrawdownPct,
	}
	if err := s.perf.SetActiveStrategy(cfg); err != nil {
		return nil, fmt.Errorf("failed to set active strategy: %w", err)
	}

	shadow := make([]*domain.ShadowModeStock, 0, s.cfg.ShadowTopN)
	for i, p := range pool[1:] {
		if i >= s.cfg.ShadowTopN {
			break
		}
		shadow = append(shadow, &domain.ShadowModeStock{
			Symbol:            p.Symbol,
			StrategyName:      p.StrategyName,
			RankPosition:      i + 1,
			Enabled:           true,
			ExpectedReturnPct: p.TotalReturnPct,
		})
	}
	if err := s.perf.ReplaceShadowStocks(shadow); err != nil {
		return nil, fmt.Errorf("failed to rebuild shadow stocks: %w", err)
	}

	avgProfit := 0.0
	if top.TotalTrades > 0 {
		avgProfit = top.TotalPnL / float64(top.TotalTrades)
	}
	if err := s.perf.UpsertMapping(&domain.StrategyStockMapping{
		Symbol:         top.Symbol,
		StrategyName:   top.StrategyName,
		Sharpe:         top.Sharpe,
		TotalReturnPct: top.TotalReturnPct,
		WinRatePct:     top.WinRatePct,
		MaxDrawdownPct: top.MaxDrawdownPct,
		TotalTrades:    top.TotalTrades,
		AvgProfit:      avgProfit,
		PeriodStart:    top.PeriodStart,
		PeriodEnd:      top.PeriodEnd,
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to upsert strategy mapping")
	}

	s.log.Info().
		Str("strategy", top.StrategyName).
		Str("symbol", top.Symbol).
		Float64("sharpe", top.Sharpe).
		Float64("return_pct", top.TotalReturnPct).
		Bool("auto", auto).
		Int("shadow_set", len(shadow)).
		Msg("Active strategy selected")
	s.recordEvent(domain.EventSuccess,
		fmt.Sprintf("active strategy set to %s (sharpe %.2f, return %.1f%%, win %.1f%%)",
			top.StrategyName, top.Sharpe, top.TotalReturnPct, top.WinRatePct))
	return cfg, nil
}

// CheckDrawdown is the 5-minute watchdog. A breach flattens first and
// re-selects excluding the breaching strategy.
func (s *Selector) CheckDrawdown(ctx context.Context) error {
	active, err := s.perf.GetActiveStrategy()
	if err != nil {
		return fmt.Errorf("failed to load active strategy: %w", err)
	}
	if active == nil {
		return nil
	}

	m, err := s.recentDrawdown(active.StrategyName)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	ddPct := m.MaxDrawdown * 100
	if ddPct <= s.switchPct {
		return nil
	}

	reason := fmt.Sprintf("drawdown %.2f%% over last %dd exceeded %.0f%% limit",
		ddPct, s.lookback, s.switchPct)
	s.log.Warn().
		Str("strategy", active.StrategyName).
		Float64("drawdown_pct", ddPct).
		Float64("current_drawdown_pct", m.CurrentDrawdown*100).
		Msg("Drawdown limit breached, forcing strategy switch")

	if s.flattener != nil {
		s.flattener.FlattenAll(ctx, "drawdown auto-switch")
	}

	replacement, err := s.Select(ctx, active.StrategyName, true, reason)
	if errors.Is(err, ErrNoCandidates) {
		s.recordEvent(domain.EventWarning,
			fmt.Sprintf("drawdown breach on %s but no replacement candidate exists", active.StrategyName))
		if s.notifier != nil {
			s.notifier.Notify(fmt.Sprintf("⚠️ %s breached the drawdown limit (%.2f%%) and no replacement qualifies. Positions flattened.",
				active.StrategyName, ddPct))
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.recordEvent(domain.EventWarning,
		fmt.Sprintf("auto-switched %s -> %s: %s", active.StrategyName, replacement.StrategyName, reason))
	if s.notifier != nil {
		s.notifier.Notify(fmt.Sprintf(
			"⚠️ Drawdown auto-switch\nOld: %s (sharpe %.2f, dd %.1f%%)\nNew: %s (sharpe %.2f, dd %.1f%%)\n%s",
			active.StrategyName, active.Sharpe, ddPct,
			replacement.StrategyName, replacement.Sharpe, replacement.MaxDrawdownPct,
			reason))
	}
	return nil
}

// recentDrawdown replays the active strategy's closed trades on the
// current track into an equity curve. Nil metrics mean there is too
// little history to judge.
func (s *Selector) recentDrawdown(strategy string) (*formulas.DrawdownMetrics, error) {
	since := s.now().AddDate(0, 0, -s.lookback)
	rows, err := s.trades.GetClosedByStrategy(strategy, s.mode(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for drawdown: %w", err)
	}

	equity := s.baseEquity
	curve := make([]float64, 0, len(rows)+1)
	curve = append(curve, equity)
	for _, t := range rows {
		if t.RealizedPnL == nil {
			continue
		}
		equity += *t.RealizedPnL
		curve = append(curve, equity)
	}
	return formulas.CalculateDrawdownMetrics(curve), nil
}

func (s *Selector) recordEvent(t domain.EventType, msg string) {
	if err := s.events.Create(&domain.Event{
		Type:      t,
		Category:  "selector",
		Component: "selector",
		Message:   msg,
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to record selector event")
	}
}

// latestPerPair keeps only the newest row per (strategy, symbol).
func latestPerPair(rows []*domain.StrategyPerformance) []*domain.StrategyPerformance {
	type key struct{ strategy, symbol string }
	seen := make(map[key]*domain.StrategyPerformance)
	for _, p := range rows {
		k := key{p.StrategyName, p.Symbol}
		if prev, ok := seen[k]; !ok || p.CalculatedAt.After(prev.CalculatedAt) {
			seen[k] = p
		}
	}
	out := make([]*domain.StrategyPerformance, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

// rank orders by sharpe desc, return desc, win rate desc. Names break
// the final tie so re-running on the same set is deterministic.
func rank(pool []*domain.StrategyPerformance) {
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.Sharpe != b.Sharpe {
			return a.Sharpe > b.Sharpe
		}
		if a.TotalReturnPct != b.TotalReturnPct {
			return a.TotalReturnPct > b.TotalReturnPct
		}
		if a.WinRatePct != b.WinRatePct {
			return a.WinRatePct > b.WinRatePct
		}
		if a.StrategyName != b.StrategyName {
			return a.StrategyName < b.StrategyName
		}
		return a.Symbol < b.Symbol
	})
}
