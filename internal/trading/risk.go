package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/taipei-trader/internal/clients/ollama"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/pkg/formulas"
	"github.com/rs/zerolog"
)

// ConnectivitySource reports broker bridge connectivity.
type ConnectivitySource interface {
	IsConnected() bool
}

// SettingsSource is the dynamic limits registry backed by bot_settings.
type SettingsSource interface {
	Get(key string) (*string, error)
	GetFloat(key string, defaultValue float64) (float64, error)
}

// TradeLedger is the slice of the trade repository the risk manager reads.
type TradeLedger interface {
	RealizedPnLSince(since time.Time, mode domain.TradingMode) (float64, error)
	GetClosedSince(since time.Time, mode domain.TradingMode, limit int) ([]*domain.Trade, error)
}

// BlackoutSource loads the earnings blackout snapshot.
type BlackoutSource interface {
	Load() (*domain.BlackoutSnapshot, error)
}

// VerdictSource exposes the effective news verdict.
type VerdictSource interface {
	Verdict() domain.NewsVerdict
}

// RiskApprover is the LLM approval call.
type RiskApprover interface {
	ApproveRisk(ctx context.Context, tradeSummary string) ollama.Approval
}

// EventRecorder persists audit events.
type EventRecorder interface {
	Create(ev *domain.Event) error
}

// Notifier sends operator-facing chat messages.
type Notifier interface {
	Notify(text string)
}

// TradeProposal is one candidate live trade entering the gates.
type TradeProposal struct {
	Symbol          string
	Direction       domain.Direction
	Quantity        float64
	Price           float64
	Strategy        string
	CurrentPosition float64
	ExitSignal      bool
	Reason          string
}

// Verdict is the gate outcome. Gate carries the name of the first
// failing gate; Notify marks refusals the operator should hear about.
type Verdict struct {
	Approved bool
	Gate     string
	Reason   string
	Notify   bool
}

// GoLiveThresholds are the eligibility bars for switching to live mode.
type GoLiveThresholds struct {
	MinTrades      int
	MinWinRatePct  float64
	MaxDrawdownPct float64
	BaseEquity     float64
}

// GoLiveReport is the outcome of one eligibility query.
type GoLiveReport struct {
	Eligible       bool     `json:"eligible"`
	ClosedTrades   int      `json:"closed_trades"`
	WinRatePct     float64  `json:"win_rate_pct"`
	MaxDrawdownPct float64  `json:"max_drawdown_pct"`
	TotalPnL       float64  `json:"total_pnl"`
	Reasons        []string `json:"reasons,omitempty"`
}

// RiskManager evaluates the pre-trade gates in their fixed order and
// owns the post-fill loss limit checks.
type RiskManager struct {
	state      *StateMachine
	bridge     ConnectivitySource
	settings   SettingsSource
	trades     TradeLedger
	blackout   BlackoutSource
	news       VerdictSource
	llm        RiskApprover
	events     EventRecorder
	notifier   Notifier
	marketMode func() domain.MarketMode

	maxPositionDefault float64
	goLive             GoLiveThresholds
	loc                *time.Location
	log                zerolog.Logger
	now                func() time.Time

	// haltHook flattens positions when a loss limit fires.
	haltHook func(ctx context.Context, reason string)

	// profit limit notifications latch per period so they fire once
	weeklyProfitNotified  string
	monthlyProfitNotified string
}

type RiskDeps struct {
	State      *StateMachine
	Bridge     ConnectivitySource
	Settings   SettingsSource
	Trades     TradeLedger
	Blackout   BlackoutSource
	News       VerdictSource
	LLM        RiskApprover
	Events     EventRecorder
	Notifier   Notifier
	MarketMode func() domain.MarketMode

	MaxPosition float64
	GoLive      GoLiveThresholds
	Location    *time.Location
	Log         zerolog.Logger
}

func NewRiskManager(d RiskDeps) *RiskManager {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	if d.MaxPosition <= 0 {
		d.MaxPosition = 3
	}
	return &RiskManager{
		state:              d.State,
		bridge:             d.Bridge,
		settings:           d.Settings,
		trades:             d.Trades,
		blackout:           d.Blackout,
		news:               d.News,
		llm:                d.LLM,
		events:             d.Events,
		notifier:           d.Notifier,
		marketMode:         d.MarketMode,
		maxPositionDefault: d.MaxPosition,
		goLive:             d.GoLive,
		loc:                loc,
		log:                d.Log.With().Str("component", "risk_manager").Logger(),
		now:                time.Now,
	}
}

// SetHaltHandler wires the auto-flatten path; set after the executor
// exists to avoid a construction cycle.
func (r *RiskManager) SetHaltHandler(fn func(ctx context.Context, reason string)) {
	r.haltHook = fn
}

// State exposes the bot state machine.
func (r *RiskManager) State() *StateMachine {
	return r.state
}

// Approve runs the pre-trade gates in order and refuses on the first
// failure. Every refusal writes an Event(VETO) naming the gate.
func (r *RiskManager) Approve(ctx context.Context, p TradeProposal) Verdict {
	// Gate 1: bot state.
	if st := r.state.State(); st != domain.StateRunning {
		return r.refuse(p, "bot_state", fmt.Sprintf("bot is %s", st), false)
	}

	// Gate 2: bridge connectivity, fail-closed.
	if !r.bridge.IsConnected() {
		return r.refuse(p, "bridge_disconnected", "broker bridge is not connected", false)
	}

	// Gate 3: graceful shutdown in progress.
	if r.state.ShutdownRequested() {
		return r.refuse(p, "shutdown_requested", "shutdown in progress", false)
	}

	// Gate 4: projected loss limits.
	daily, weekly, monthly, err := r.periodPnL()
	if err != nil {
		return r.refuse(p, "pnl_unavailable", err.Error(), false)
	}
	for _, lim := range []struct {
		key   string
		value float64
	}{
		{domain.SettingDailyLossLimit, daily},
		{domain.SettingWeeklyLossLimit, weekly},
		{domain.SettingMonthlyLossLimit, monthly},
	} {
		limit, err := r.settings.GetFloat(lim.key, 0)
		if err != nil {
			return r.refuse(p, "pnl_unavailable", err.Error(), false)
		}
		if limit > 0 && lim.value <= -limit {
			return r.refuse(p, strings.ToLower(lim.key),
				fmt.Sprintf("%s breached: %.0f <= -%.0f", lim.key, lim.value, limit), false)
		}
	}

	// Gate 5: position cap after execution.
	maxPos, err := r.settings.GetFloat(domain.SettingMaxPosition, r.maxPositionDefault)
	if err != nil {
		maxPos = r.maxPositionDefault
	}
	projected := p.CurrentPosition + signedQuantity(p)
	if math.Abs(projected) > maxPos {
		return r.refuse(p, "max_position",
			fmt.Sprintf("projected position %.0f exceeds cap %.0f", projected, maxPos), false)
	}

	// Gate 6: earnings blackout, only when the snapshot is fresh.
	if snap, err := r.blackout.Load(); err != nil {
		r.log.Warn().Err(err).Msg("Blackout snapshot unavailable, gate skipped")
	} else if snap != nil && snap.Fresh(r.now()) && snap.Contains(r.now().In(r.loc)) {
		return r.refuse(p, "earnings_blackout", "trade date is in the earnings blackout set", false)
	}

	// Gate 7: Taiwan stock-mode short rejection. Exits that reduce a
	// long are SELLs, not shorts, and pass.
	if p.Direction == domain.DirectionShort && !p.ExitSignal &&
		r.marketMode() == domain.MarketModeStock {
		return r.refuse(p, "short_not_allowed", "short selling is not allowed in stock mode", true)
	}

	// Gate 8: news veto.
	if v := r.news.Verdict(); v.Veto {
		return r.refuse(p, "news_veto", fmt.Sprintf("news veto active: %s", v.Reason), false)
	}

	// Gate 9: LLM approval.
	approval := r.llm.ApproveRisk(ctx, r.tradeSummary(p, daily, weekly, monthly))
	if !approval.Approved {
		return r.refuse(p, "llm_risk_approval", approval.Reason, false)
	}

	return Verdict{Approved: true}
}

func signedQuantity(p TradeProposal) float64 {
	if p.Direction == domain.DirectionShort {
		return -p.Quantity
	}
	return p.Quantity
}

func (r *RiskManager) refuse(p TradeProposal, gate, reason string, notify bool) Verdict {
	r.log.Warn().
		Str("gate", gate).
		Str("symbol", p.Symbol).
		Str("strategy", p.Strategy).
		Str("reason", reason).
		Msg("Trade refused")

	details, _ := json.Marshal(map[string]interface{}{
		"gate":      gate,
		"symbol":    p.Symbol,
		"strategy":  p.Strategy,
		"direction": p.Direction,
		"quantity":  p.Quantity,
	})
	if err := r.events.Create(&domain.Event{
		Type:        domain.EventVeto,
		Category:    "risk",
		Component:   "risk_manager",
		Message:     fmt.Sprintf("trade refused by %s: %s", gate, reason),
		DetailsJSON: string(details),
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to record veto event")
	}

	if notify && r.notifier != nil {
		r.notifier.Notify(fmt.Sprintf("Trade refused: %s", reason))
	}
	return Verdict{Gate: gate, Reason: reason, Notify: notify}
}

// periodPnL returns realized live P&L for the current Taipei day, week
// and month.
func (r *RiskManager) periodPnL() (daily, weekly, monthly float64, err error) {
	now := r.now().In(r.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)

	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started last Monday
	}
	weekStart := dayStart.AddDate(0, 0, -(weekday - 1))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, r.loc)

	if daily, err = r.trades.RealizedPnLSince(dayStart, domain.ModeLive); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to load daily pnl: %w", err)
	}
	if weekly, err = r.trades.RealizedPnLSince(weekStart, domain.ModeLive); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to load weekly pnl: %w", err)
	}
	if monthly, err = r.trades.RealizedPnLSince(monthStart, domain.ModeLive); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to load monthly pnl: %w", err)
	}
	return daily, weekly, monthly, nil
}

func (r *RiskManager) tradeSummary(p TradeProposal, daily, weekly, monthly float64) string {
	count24h := 0
	if rows, err := r.trades.GetClosedSince(r.now().Add(-24*time.Hour), domain.ModeLive, 0); err == nil {
		count24h = len(rows)
	}
	return fmt.Sprintf(
		"Trade proposal: %s %s qty %.0f at %.2f (strategy %s, current position %.0f).\n"+
			"Account state: daily P&L %.0f, weekly P&L %.0f, monthly P&L %.0f, closed trades last 24h: %d.",
		p.Direction, p.Symbol, p.Quantity, p.Price, p.Strategy, p.CurrentPosition,
		daily, weekly, monthly, count24h)
}

// PostFill refreshes period P&L after a live fill. A crossed loss limit
// halts and auto-flattens; crossed profit limits only notify, once per
// period.
func (r *RiskManager) PostFill(ctx context.Context) {
	daily, weekly, monthly, err := r.periodPnL()
	if err != nil {
		r.log.Error().Err(err).Msg("Post-fill P&L refresh failed")
		return
	}

	for _, lim := range []struct {
		key   string
		value float64
	}{
		{domain.SettingDailyLossLimit, daily},
		{domain.SettingWeeklyLossLimit, weekly},
		{domain.SettingMonthlyLossLimit, monthly},
	} {
		limit, err := r.settings.GetFloat(lim.key, 0)
		if err != nil || limit <= 0 {
			continue
		}
		if lim.value <= -limit {
			reason := fmt.Sprintf("%s crossed: realized %.0f, limit -%.0f", lim.key, lim.value, limit)
			r.triggerHalt(ctx, reason)
			return
		}
	}

	now := r.now().In(r.loc)
	year, week := now.ISOWeek()
	weekKey := fmt.Sprintf("%d-W%02d", year, week)
	monthKey := now.Format("2006-01")

	if limit, err := r.settings.GetFloat(domain.SettingWeeklyProfitLimit, 0); err == nil &&
		limit > 0 && weekly >= limit && r.weeklyProfitNotified != weekKey {
		r.weeklyProfitNotified = weekKey
		r.announceProfit("weekly", weekly, limit)
	}
	if limit, err := r.settings.GetFloat(domain.SettingMonthlyProfitLimit, 0); err == nil &&
		limit > 0 && monthly >= limit && r.monthlyProfitNotified != monthKey {
		r.monthlyProfitNotified = monthKey
		r.announceProfit("monthly", monthly, limit)
	}
}

func (r *RiskManager) triggerHalt(ctx context.Context, reason string) {
	if !r.state.EmergencyHalt(reason) {
		return
	}
	r.log.Error().Str("reason", reason).Msg("EMERGENCY HALT")

	if err := r.events.Create(&domain.Event{
		Type:      domain.EventError,
		Category:  "risk",
		Component: "risk_manager",
		Message:   "emergency halt: " + reason,
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to record halt event")
	}
	if r.notifier != nil {
		r.notifier.Notify("🚨 EMERGENCY HALT: " + reason + "\nFlattening all live positions.")
	}
	if r.haltHook != nil {
		r.haltHook(ctx, reason)
	}
}

func (r *RiskManager) announceProfit(period string, value, limit float64) {
	msg := fmt.Sprintf("%s profit target reached: %.0f (target %.0f)", period, value, limit)
	r.log.Info().Msg(msg)
	if err := r.events.Create(&domain.Event{
		Type:      domain.EventSuccess,
		Category:  "risk",
		Component: "risk_manager",
		Message:   msg,
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to record profit event")
	}
	if r.notifier != nil {
		r.notifier.Notify("🎯 " + msg)
	}
}

// GoLiveEligibility evaluates the simulation track record against the
// go-live bars on the configured base equity.
func (r *RiskManager) GoLiveEligibility() (*GoLiveReport, error) {
	rows, err := r.trades.GetClosedSince(time.Time{}, domain.ModeSimulation, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load simulation trades: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	report := &GoLiveReport{ClosedTrades: len(rows)}

	wins := 0
	equity := r.goLive.BaseEquity
	if equity <= 0 {
		equity = 100000
	}
	curve := make([]float64, 0, len(rows)+1)
	curve = append(curve, equity)
	for _, t := range rows {
		if t.RealizedPnL == nil {
			continue
		}
		if *t.RealizedPnL > 0 {
			wins++
		}
		report.TotalPnL += *t.RealizedPnL
		equity += *t.RealizedPnL
		curve = append(curve, equity)
	}
	if len(rows) > 0 {
		report.WinRatePct = float64(wins) / float64(len(rows)) * 100
	}
	if dd := formulas.CalculateMaxDrawdown(curve); dd != nil {
		report.MaxDrawdownPct = *dd * 100
	}

	if report.ClosedTrades < r.goLive.MinTrades {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("need %d closed simulation trades, have %d", r.goLive.MinTrades, report.ClosedTrades))
	}
	if report.WinRatePct < r.goLive.MinWinRatePct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("win rate %.1f%% below %.1f%%", report.WinRatePct, r.goLive.MinWinRatePct))
	}
	if report.MaxDrawdownPct > r.goLive.MaxDrawdownPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("max drawdown %.1f%% above %.1f%%", report.MaxDrawdownPct, r.goLive.MaxDrawdownPct))
	}
	report.Eligible = len(report.Reasons) == 0
	return report, nil
}
