package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday inside the trading window.
var riskNow = time.Date(2026, 8, 25, 11, 30, 0, 0, taipei)

type riskFixture struct {
	rm       *RiskManager
	state    *StateMachine
	bridge   *fakeBridge
	settings *fakeSettings
	trades   *fakeTrades
	blackout *fakeBlackout
	news     *fakeVerdictSource
	llm      *fakeApprover
	events   *fakeEvents
	notifier *fakeNotifier
	market   domain.MarketMode
}

func newRiskFixture() *riskFixture {
	f := &riskFixture{
		state:    NewStateMachine(),
		bridge:   &fakeBridge{connected: true},
		settings: newFakeSettings(),
		trades:   newFakeTrades(),
		blackout: &fakeBlackout{},
		news:     &fakeVerdictSource{},
		llm:      &fakeApprover{approved: true, reason: "within limits"},
		events:   &fakeEvents{},
		notifier: &fakeNotifier{},
		market:   domain.MarketModeStock,
	}
	f.rm = NewRiskManager(RiskDeps{
		State:       f.state,
		Bridge:      f.bridge,
		Settings:    f.settings,
		Trades:      f.trades,
		Blackout:    f.blackout,
		News:        f.news,
		LLM:         f.llm,
		Events:      f.events,
		Notifier:    f.notifier,
		MarketMode:  func() domain.MarketMode { return f.market },
		MaxPosition: 3,
		GoLive:      GoLiveThresholds{MinTrades: 20, MinWinRatePct: 55, MaxDrawdownPct: 5, BaseEquity: 100000},
		Location:    taipei,
		Log:         testLog(),
	})
	f.rm.now = func() time.Time { return riskNow }
	return f
}

func proposal() TradeProposal {
	return TradeProposal{
		Symbol:    "2330",
		Direction: domain.DirectionLong,
		Quantity:  1,
		Price:     580,
		Strategy:  "MA Crossover",
		Reason:    "golden cross",
	}
}

func TestApprove_HappyPath(t *testing.T) {
	f := newRiskFixture()

	v := f.rm.Approve(context.Background(), proposal())

	require.True(t, v.Approved)
	assert.Equal(t, 1, f.llm.calls)
	assert.Contains(t, f.llm.lastSummary, "2330")
	assert.Contains(t, f.llm.lastSummary, "daily P&L")
	assert.Empty(t, f.events.all())
	assert.Empty(t, f.notifier.all())
}

func TestApprove_RefusesWhenNotRunning(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.state.Pause())
	// A later gate would also fail; the first one must name the refusal.
	f.bridge.connected = false

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "bot_state", v.Gate)
	assert.Zero(t, f.llm.calls)
	require.Len(t, f.events.all(), 1)
	assert.Equal(t, domain.EventVeto, f.events.all()[0].Type)
}

func TestApprove_BridgeDisconnectedFailsClosed(t *testing.T) {
	f := newRiskFixture()
	f.bridge.connected = false
	f.news.v.Veto = true

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "bridge_disconnected", v.Gate)
}

func TestApprove_ShutdownRequested(t *testing.T) {
	f := newRiskFixture()
	f.state.RequestShutdown()

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "shutdown_requested", v.Gate)
}

func TestApprove_DailyLossLimitAtBoundary(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingDailyLossLimit, "5000", nil))
	f.trades.pnlByMode[domain.ModeLive] = -5000

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "daily_loss_limit", v.Gate)
	assert.Contains(t, v.Reason, "DAILY_LOSS_LIMIT breached")
	require.Len(t, f.events.all(), 1)
	assert.Contains(t, f.events.all()[0].DetailsJSON, "daily_loss_limit")
}

func TestApprove_WeeklyLimitCheckedAfterDaily(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingWeeklyLossLimit, "8000", nil))
	f.trades.pnlByMode[domain.ModeLive] = -9000

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "weekly_loss_limit", v.Gate)
}

func TestApprove_LossLimitsDisabledByDefault(t *testing.T) {
	f := newRiskFixture()
	f.trades.pnlByMode[domain.ModeLive] = -99999

	v := f.rm.Approve(context.Background(), proposal())
	assert.True(t, v.Approved)
}

func TestApprove_PnLUnavailable(t *testing.T) {
	f := newRiskFixture()
	f.trades.pnlErr = errors.New("database is locked")

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "pnl_unavailable", v.Gate)
	assert.Contains(t, v.Reason, "failed to load daily pnl")
}

func TestApprove_MaxPositionCap(t *testing.T) {
	f := newRiskFixture()
	p := proposal()
	p.CurrentPosition = 3

	v := f.rm.Approve(context.Background(), p)

	require.False(t, v.Approved)
	assert.Equal(t, "max_position", v.Gate)
	assert.Zero(t, f.llm.calls)
}

func TestApprove_MaxPositionFromSettings(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingMaxPosition, "5", nil))
	p := proposal()
	p.CurrentPosition = 3

	v := f.rm.Approve(context.Background(), p)
	assert.True(t, v.Approved)
}

func TestApprove_ExitReducingExposurePasses(t *testing.T) {
	f := newRiskFixture()
	p := proposal()
	p.Direction = domain.DirectionShort
	p.Quantity = 3
	p.CurrentPosition = 3
	p.ExitSignal = true

	v := f.rm.Approve(context.Background(), p)
	assert.True(t, v.Approved)
}

func TestApprove_ShortRejectedInStockMode(t *testing.T) {
	f := newRiskFixture()
	p := proposal()
	p.Direction = domain.DirectionShort

	v := f.rm.Approve(context.Background(), p)

	require.False(t, v.Approved)
	assert.Equal(t, "short_not_allowed", v.Gate)
	assert.True(t, v.Notify)
	require.Len(t, f.notifier.all(), 1)
	assert.Contains(t, f.notifier.all()[0], "Trade refused")
}

func TestApprove_ShortAllowedInFuturesMode(t *testing.T) {
	f := newRiskFixture()
	f.market = domain.MarketModeFutures
	p := proposal()
	p.Direction = domain.DirectionShort

	v := f.rm.Approve(context.Background(), p)
	assert.True(t, v.Approved)
}

func TestApprove_EarningsBlackout(t *testing.T) {
	f := newRiskFixture()
	f.blackout.snap = &domain.BlackoutSnapshot{
		LastUpdated: riskNow.Add(-24 * time.Hour),
		TTLDays:     7,
		Dates:       []time.Time{riskNow},
	}

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "earnings_blackout", v.Gate)
}

func TestApprove_StaleBlackoutNeverBlocks(t *testing.T) {
	f := newRiskFixture()
	f.blackout.snap = &domain.BlackoutSnapshot{
		LastUpdated: riskNow.Add(-8 * 24 * time.Hour),
		TTLDays:     7,
		Dates:       []time.Time{riskNow},
	}

	v := f.rm.Approve(context.Background(), proposal())
	assert.True(t, v.Approved)
}

func TestApprove_BlackoutLoadErrorSkipsGate(t *testing.T) {
	f := newRiskFixture()
	f.blackout.err = errors.New("no snapshot row")

	v := f.rm.Approve(context.Background(), proposal())
	assert.True(t, v.Approved)
}

func TestApprove_NewsVeto(t *testing.T) {
	f := newRiskFixture()
	f.news.v = domain.NewsVerdict{Veto: true, Reason: "negative earnings surprise"}

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "news_veto", v.Gate)
	assert.Contains(t, v.Reason, "negative earnings surprise")
	assert.Zero(t, f.llm.calls)
}

func TestApprove_LLMRefusal(t *testing.T) {
	f := newRiskFixture()
	f.llm.approved = false
	f.llm.reason = "too many recent losses"

	v := f.rm.Approve(context.Background(), proposal())

	require.False(t, v.Approved)
	assert.Equal(t, "llm_risk_approval", v.Gate)
	assert.Equal(t, "too many recent losses", v.Reason)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventVeto, events[0].Type)
	assert.Equal(t, "risk", events[0].Category)
	assert.Contains(t, events[0].Message, "llm_risk_approval")
	assert.Contains(t, events[0].DetailsJSON, "2330")
}

func TestPostFill_LossLimitHaltsAndFlattens(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingDailyLossLimit, "5000", nil))
	f.trades.pnlByMode[domain.ModeLive] = -6000

	var flattenReason string
	f.rm.SetHaltHandler(func(_ context.Context, reason string) { flattenReason = reason })

	f.rm.PostFill(context.Background())

	assert.Equal(t, domain.StateEmergencyHalt, f.state.State())
	assert.Contains(t, f.state.HaltReason(), "DAILY_LOSS_LIMIT crossed")
	assert.Contains(t, flattenReason, "DAILY_LOSS_LIMIT crossed")
	require.Len(t, f.notifier.all(), 1)
	assert.Contains(t, f.notifier.all()[0], "EMERGENCY HALT")
	assert.Len(t, f.events.ofType(domain.EventError), 1)
}

func TestPostFill_HaltFiresOnce(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingDailyLossLimit, "5000", nil))
	f.trades.pnlByMode[domain.ModeLive] = -6000

	hookCalls := 0
	f.rm.SetHaltHandler(func(context.Context, string) { hookCalls++ })

	f.rm.PostFill(context.Background())
	f.rm.PostFill(context.Background())

	assert.Equal(t, 1, hookCalls)
	assert.Len(t, f.events.ofType(domain.EventError), 1)
	assert.Len(t, f.notifier.all(), 1)
}

func TestPostFill_ProfitTargetLatchesPerWeek(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingWeeklyProfitLimit, "10000", nil))
	f.trades.pnlByMode[domain.ModeLive] = 12000

	f.rm.PostFill(context.Background())
	f.rm.PostFill(context.Background())

	assert.Equal(t, domain.StateRunning, f.state.State())
	require.Len(t, f.notifier.all(), 1)
	assert.Contains(t, f.notifier.all()[0], "weekly profit target reached")
	assert.Len(t, f.events.ofType(domain.EventSuccess), 1)
}

func TestPostFill_WeeklyAndMonthlyLatchIndependently(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingWeeklyProfitLimit, "10000", nil))
	require.NoError(t, f.settings.Set(domain.SettingMonthlyProfitLimit, "30000", nil))
	f.trades.pnlByMode[domain.ModeLive] = 50000

	f.rm.PostFill(context.Background())
	assert.Len(t, f.notifier.all(), 2)

	f.rm.PostFill(context.Background())
	assert.Len(t, f.notifier.all(), 2)
}

func TestPostFill_PnLErrorDoesNothing(t *testing.T) {
	f := newRiskFixture()
	require.NoError(t, f.settings.Set(domain.SettingDailyLossLimit, "5000", nil))
	f.trades.pnlErr = errors.New("database is locked")

	f.rm.PostFill(context.Background())

	assert.Equal(t, domain.StateRunning, f.state.State())
	assert.Empty(t, f.events.all())
}

func simTrade(i int, pnl float64) *domain.Trade {
	p := pnl
	return &domain.Trade{
		ID:          int64(i + 1),
		Timestamp:   time.Date(2026, 7, 1, 10, 0, 0, 0, taipei).Add(time.Duration(i) * time.Hour),
		Symbol:      "2330",
		Action:      domain.ActionBuy,
		Quantity:    1,
		EntryPrice:  500,
		Mode:        domain.ModeSimulation,
		Status:      domain.TradeClosed,
		RealizedPnL: &p,
	}
}

func TestGoLiveEligibility_AllBarsPass(t *testing.T) {
	f := newRiskFixture()
	for i := 0; i < 15; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, 500))
	}
	for i := 15; i < 25; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, -200))
	}

	report, err := f.rm.GoLiveEligibility()
	require.NoError(t, err)

	assert.True(t, report.Eligible)
	assert.Equal(t, 25, report.ClosedTrades)
	assert.InDelta(t, 60.0, report.WinRatePct, 1e-9)
	assert.InDelta(t, 5500.0, report.TotalPnL, 1e-9)
	// Peak 107500, trough 105500.
	assert.InDelta(t, 2000.0/107500.0*100, report.MaxDrawdownPct, 1e-6)
	assert.Empty(t, report.Reasons)
}

func TestGoLiveEligibility_InsufficientTrades(t *testing.T) {
	f := newRiskFixture()
	for i := 0; i < 5; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, 100))
	}

	report, err := f.rm.GoLiveEligibility()
	require.NoError(t, err)

	assert.False(t, report.Eligible)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "need 20 closed simulation trades, have 5")
}

func TestGoLiveEligibility_WinRateTooLow(t *testing.T) {
	f := newRiskFixture()
	for i := 0; i < 8; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, 1000))
	}
	for i := 8; i < 20; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, -100))
	}

	report, err := f.rm.GoLiveEligibility()
	require.NoError(t, err)

	assert.False(t, report.Eligible)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "win rate 40.0% below 55.0%")
}

func TestGoLiveEligibility_DrawdownTooDeep(t *testing.T) {
	f := newRiskFixture()
	for i := 0; i < 12; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, 500))
	}
	for i := 12; i < 20; i++ {
		f.trades.closedRows = append(f.trades.closedRows, simTrade(i, -800))
	}

	report, err := f.rm.GoLiveEligibility()
	require.NoError(t, err)

	// Win rate 60% passes; the 6400 drop off the 106000 peak does not.
	assert.False(t, report.Eligible)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "max drawdown")
}

func TestGoLiveEligibility_LedgerError(t *testing.T) {
	f := newRiskFixture()
	f.trades.closedErr = errors.New("database is locked")

	report, err := f.rm.GoLiveEligibility()
	require.Error(t, err)
	assert.Nil(t, report)
}
