package stats

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
)

// Tuesday, five minutes after the futures close.
var statsNow = time.Date(2026, 8, 25, 13, 5, 0, 0, taipei)

type statsFixture struct {
	svc      *Service
	trades   *fakeTrades
	stats    *fakeStats
	perf     *fakePerf
	signals  *fakeSignals
	market   *fakeMarket
	settings *fakeSettings
	events   *fakeEvents
	notifier *fakeNotifier
}

func newStatsFixture(t *testing.T) *statsFixture {
	t.Helper()
	f := &statsFixture{
		trades:   &fakeTrades{byStrategy: map[string][]*domain.Trade{}},
		stats:    &fakeStats{},
		perf:     &fakePerf{},
		signals:  &fakeSignals{},
		market:   &fakeMarket{},
		settings: &fakeSettings{vals: map[string]string{domain.SettingCurrentActiveStock: "2330"}},
		events:   &fakeEvents{},
		notifier: &fakeNotifier{},
	}
	f.svc = New(Deps{
		Trades:       f.trades,
		Stats:        f.stats,
		Perf:         f.perf,
		Signals:      f.signals,
		Market:       f.market,
		Settings:     f.settings,
		Events:       f.events,
		Notifier:     f.notifier,
		Registry:     strategies.NewDefaultRegistry(80000),
		BaseEquity:   100000,
		LookbackDays: 30,
		Loc:          taipei,
		Log:          testLog(),
	})
	f.svc.now = func() time.Time { return statsNow }
	return f
}

func closedSim(symbol, strategy string, pnl float64, hold int64, at time.Time) *domain.Trade {
	p := pnl
	h := hold
	return &domain.Trade{
		Timestamp:    at,
		Symbol:       symbol,
		Action:       domain.ActionBuy,
		Quantity:     1,
		EntryPrice:   580,
		RealizedPnL:  &p,
		StrategyName: strategy,
		Mode:         domain.ModeSimulation,
		Status:       domain.TradeClosed,
		HoldMinutes:  &h,
	}
}

func openSim(symbol, strategy string, qty, entry float64, at time.Time) *domain.Trade {
	return &domain.Trade{
		Timestamp:    at,
		Symbol:       symbol,
		Action:       domain.ActionBuy,
		Quantity:     qty,
		EntryPrice:   entry,
		StrategyName: strategy,
		Mode:         domain.ModeSimulation,
		Status:       domain.TradeOpen,
	}
}

func fptr(v float64) *float64 { return &v }

func TestRunDaily_WritesOneRowPerStrategy(t *testing.T) {
	f := newStatsFixture(t)
	f.signals.total = 12
	f.signals.vetoed = 3
	f.market.mc = &domain.MarketContext{
		Symbol:       "2330",
		CurrentPrice: 582,
		Prices:       []float64{578, 580, 581, 582},
		Volumes:      []float64{1000, 2000},
		Session:      domain.SessionOHLC{Open: 575, High: 585, Low: 573, Close: 582},
		Indicators:   domain.Indicators{RSI: fptr(55.5), SMA20: fptr(578), VWAP: fptr(579.5)},
	}
	day := statsNow.Add(-3 * time.Hour)
	f.trades.byRange = []*domain.Trade{
		closedSim("2330", "MA Crossover", 100, 30, day),
		closedSim("2330", "MA Crossover", -40, 90, day.Add(time.Hour)),
		openSim("2330", "MA Crossover", 2, 580, day.Add(2*time.Hour)),
		closedSim("2330", "Momentum", 60, 15, day.Add(30*time.Minute)),
		closedSim("2317", "Momentum", 999, 5, day),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	require.Len(t, f.stats.upserts, 2)
	ma, mo := f.stats.upserts[0], f.stats.upserts[1]
	require.Equal(t, "MA Crossover", ma.StrategyName)
	require.Equal(t, "Momentum", mo.StrategyName)

	assert.Equal(t, "2026-08-25", ma.TradeDate)
	assert.Equal(t, "2330", ma.Symbol)
	assert.Equal(t, 2, ma.TotalTrades)
	assert.Equal(t, 1, ma.WinningTrades)
	assert.Equal(t, 1, ma.LosingTrades)
	assert.Equal(t, 0.5, ma.WinRate)
	assert.Equal(t, 60.0, ma.RealizedPnL)
	assert.Equal(t, 2.5, ma.ProfitFactor)
	assert.Equal(t, 60.0, ma.AvgHoldMinutes)
	assert.Equal(t, 30.0, ma.MinHoldMinutes)
	assert.Equal(t, 90.0, ma.MaxHoldMinutes)
	assert.Equal(t, 4.0, ma.UnrealizedPnL)
	assert.Equal(t, 64.0, ma.TotalPnL)
	assert.Equal(t, 575.0, ma.OpenPrice)
	assert.Equal(t, 585.0, ma.HighPrice)
	assert.Equal(t, 573.0, ma.LowPrice)
	assert.Equal(t, 582.0, ma.ClosePrice)
	assert.Equal(t, 3000.0, ma.Volume)
	require.NotNil(t, ma.RSIClose)
	assert.Equal(t, 55.5, *ma.RSIClose)
	require.NotNil(t, ma.SMAClose)
	assert.Equal(t, 578.0, *ma.SMAClose)
	require.NotNil(t, ma.VWAPClose)
	assert.Equal(t, 579.5, *ma.VWAPClose)
	assert.Equal(t, 12, ma.SignalsGenerated)
	assert.Equal(t, 3, ma.SignalsActed)
	assert.Equal(t, 3, ma.NewsVetos)
	assert.Equal(t, 60.0, ma.CumulativePnL)
	assert.Equal(t, 2, ma.CumulativeTrades)
	assert.Equal(t, 0, ma.WinStreak)
	assert.Equal(t, 1, ma.LossStreak)
	assert.Equal(t, 100100.0, ma.EquityHighWater)
	assert.InDelta(t, 0.03996, ma.MaxDrawdown, 0.0005)
	assert.NoError(t, ma.Validate())

	assert.Equal(t, 1, mo.TotalTrades)
	assert.Equal(t, 1.0, mo.WinRate)
	assert.True(t, math.IsInf(mo.ProfitFactor, 1))
	assert.Equal(t, 1, mo.SignalsActed)
	assert.NoError(t, mo.Validate())

	assert.Equal(t, domain.ModeSimulation, f.trades.lastMode)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, taipei), f.trades.lastFrom)
	assert.Equal(t, "2025-08-25", f.stats.lastFrom)
	assert.Equal(t, "2026-08-24", f.stats.lastTo)

	infos := f.events.ofType(domain.EventInfo)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Message, "EOD rollup for 2026-08-25: 2 strategy rows")
}

func TestRunDaily_NoActiveStockIsQuiet(t *testing.T) {
	f := newStatsFixture(t)
	f.settings.vals = map[string]string{}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	assert.Zero(t, f.trades.rangeCalls)
	assert.Empty(t, f.stats.upserts)
	assert.Empty(t, f.events.events)
}

func TestRunDaily_LedgerErrorPropagates(t *testing.T) {
	f := newStatsFixture(t)
	f.trades.rangeErr = errors.New("db locked")

	err := f.svc.RunDaily(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load day trades")
}

func TestRunDaily_CumulativeFieldsSeedFromPriorRows(t *testing.T) {
	f := newStatsFixture(t)
	f.market.err = errors.New("ring cold")
	f.stats.rangeRows = []*domain.DailyStatistics{
		{TradeDate: "2026-08-21", Symbol: "2330", StrategyName: "MA Crossover",
			RealizedPnL: 100, TotalTrades: 3, WinStreak: 1, EquityHighWater: 100150},
		{TradeDate: "2026-08-24", Symbol: "2330", StrategyName: "MA Crossover",
			RealizedPnL: 200, TotalTrades: 2, WinStreak: 2, EquityHighWater: 100400},
		{TradeDate: "2026-08-24", Symbol: "2330", StrategyName: "Momentum",
			RealizedPnL: 999, TotalTrades: 9, WinStreak: 9, EquityHighWater: 999999},
	}
	day := statsNow.Add(-3 * time.Hour)
	f.trades.byRange = []*domain.Trade{
		closedSim("2330", "MA Crossover", 50, 20, day),
		closedSim("2330", "MA Crossover", -20, 40, day.Add(time.Hour)),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	require.Len(t, f.stats.upserts, 1)
	row := f.stats.upserts[0]
	assert.Equal(t, 330.0, row.CumulativePnL)
	assert.Equal(t, 7, row.CumulativeTrades)
	assert.Equal(t, 0, row.WinStreak)
	assert.Equal(t, 1, row.LossStreak)
	assert.Equal(t, 100400.0, row.EquityHighWater)
	assert.NoError(t, row.Validate())
}

func TestRunDaily_ZeroPnLCountsAsLoss(t *testing.T) {
	f := newStatsFixture(t)
	f.market.err = errors.New("ring cold")
	f.trades.byRange = []*domain.Trade{
		closedSim("2330", "RSI Reversal", 0, 10, statsNow.Add(-2*time.Hour)),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	require.Len(t, f.stats.upserts, 1)
	row := f.stats.upserts[0]
	assert.Equal(t, 1, row.TotalTrades)
	assert.Equal(t, 0, row.WinningTrades)
	assert.Equal(t, 1, row.LosingTrades)
	assert.Zero(t, row.WinRate)
	assert.Zero(t, row.ProfitFactor)
	assert.Equal(t, 1, row.LossStreak)
	assert.NoError(t, row.Validate())
}

func TestRunDaily_MarketOutageStillWritesRows(t *testing.T) {
	f := newStatsFixture(t)
	f.market.err = errors.New("no quotes today")
	f.trades.byRange = []*domain.Trade{
		closedSim("2330", "MA Crossover", 75, 25, statsNow.Add(-time.Hour)),
		openSim("2330", "MA Crossover", 1, 580, statsNow.Add(-30*time.Minute)),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	require.Len(t, f.stats.upserts, 1)
	row := f.stats.upserts[0]
	assert.Zero(t, row.ClosePrice)
	assert.Zero(t, row.Volume)
	assert.Nil(t, row.RSIClose)
	assert.Zero(t, row.UnrealizedPnL)
	assert.Equal(t, 75.0, row.RealizedPnL)
}

func TestRunDaily_RefreshesSelectorInput(t *testing.T) {
	f := newStatsFixture(t)
	f.market.err = errors.New("ring cold")
	f.trades.byStrategy["MA Crossover"] = []*domain.Trade{
		closedSim("2330", "MA Crossover", 500, 30, statsNow.AddDate(0, 0, -5)),
		closedSim("2330", "MA Crossover", 300, 30, statsNow.AddDate(0, 0, -3)),
		closedSim("2330", "MA Crossover", -200, 30, statsNow.AddDate(0, 0, -1)),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	require.Len(t, f.perf.rows, 1)
	p := f.perf.rows[0]
	assert.Equal(t, "MA Crossover", p.StrategyName)
	assert.Equal(t, "2330", p.Symbol)
	assert.Equal(t, domain.PerfModeShadow, p.Mode)
	assert.Equal(t, 3, p.TotalTrades)
	assert.Equal(t, 600.0, p.TotalPnL)
	assert.InDelta(t, 0.6, p.TotalReturnPct, 1e-9)
	assert.InDelta(t, 66.667, p.WinRatePct, 0.001)
	assert.Equal(t, 4.0, p.ProfitFactor)
	assert.NotZero(t, p.Sharpe)
	assert.InDelta(t, 0.1984, p.MaxDrawdownPct, 0.0005)
	assert.True(t, p.PeriodStart.Equal(statsNow.AddDate(0, 0, -30)))
	assert.True(t, p.PeriodEnd.Equal(statsNow))

	infos := f.events.ofType(domain.EventInfo)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Message, "1 performance rows")
}

func TestRunDaily_PerformanceIgnoresOtherSymbols(t *testing.T) {
	f := newStatsFixture(t)
	f.market.err = errors.New("ring cold")
	f.trades.byStrategy["Momentum"] = []*domain.Trade{
		closedSim("2317", "Momentum", 400, 30, statsNow.AddDate(0, 0, -2)),
	}

	require.NoError(t, f.svc.RunDaily(context.Background()))

	assert.Empty(t, f.perf.rows)
}

func TestRunNarration_PatchesPersistedRow(t *testing.T) {
	f := newStatsFixture(t)
	narrator := &fakeNarrator{text: "  Choppy session, two trades, small net gain.  "}
	f.svc.narrator = narrator
	row := &domain.DailyStatistics{
		TradeDate: "2026-08-25", Symbol: "2330", StrategyName: "MA Crossover",
		TotalTrades: 2, WinRate: 0.5, RealizedPnL: 60, ProfitFactor: 2.5,
		SignalsGenerated: 12, NewsVetos: 3,
	}

	f.svc.runNarration(context.Background(), row)

	assert.Equal(t, "Choppy session, two trades, small net gain.", row.LlamaInsight)
	require.Len(t, f.stats.upserts, 1)
	assert.Equal(t, row.LlamaInsight, f.stats.upserts[0].LlamaInsight)
	assert.Equal(t, 1, narrator.calls)
	assert.Contains(t, narrator.lastPrompt, "2026-08-25")
	assert.Contains(t, narrator.lastPrompt, "MA Crossover")
	assert.Contains(t, narrator.lastPrompt, "win rate 50%")
}

func TestRunNarration_FailureDropsQuietly(t *testing.T) {
	f := newStatsFixture(t)
	narrator := &fakeNarrator{err: errors.New("model offline")}
	f.svc.narrator = narrator

	f.svc.runNarration(context.Background(), &domain.DailyStatistics{TradeDate: "2026-08-25", Symbol: "2330"})

	assert.Empty(t, f.stats.upserts)
}

func TestRunNarration_InfiniteProfitFactorReadsAsInf(t *testing.T) {
	f := newStatsFixture(t)
	narrator := &fakeNarrator{text: "Clean sweep."}
	f.svc.narrator = narrator

	f.svc.runNarration(context.Background(), &domain.DailyStatistics{
		TradeDate: "2026-08-25", Symbol: "2330", ProfitFactor: math.Inf(1),
	})

	assert.Contains(t, narrator.lastPrompt, "profit factor inf")
}

func TestNarrationTargetPicksBusiestStrategy(t *testing.T) {
	f := newStatsFixture(t)

	assert.Nil(t, f.svc.narrationTarget(nil))

	rows := []*domain.DailyStatistics{
		{StrategyName: "a", TotalTrades: 1},
		{StrategyName: "b", TotalTrades: 3},
		{StrategyName: "c", TotalTrades: 2},
	}
	assert.Equal(t, "b", f.svc.narrationTarget(rows).StrategyName)
}
