// Package commands parses operator messages from the chat transport
// and turns them into calls on the trading core. The transport has
// already authenticated the sender; everything arriving here is from
// the configured operator.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/config"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/aristath/taipei-trader/internal/trading"
)

// TickSource exposes the strategy manager's last tick summary.
type TickSource interface {
	LastTick() trading.TickSummary
}

// Flattener closes every open live position.
type Flattener interface {
	FlattenAll(ctx context.Context, reason string) (closed, failed int)
}

// GoLiveSource computes go-live eligibility.
type GoLiveSource interface {
	GoLiveEligibility() (*trading.GoLiveReport, error)
}

// ModeSwitch reads and flips the trading mode.
type ModeSwitch interface {
	Mode() domain.TradingMode
	MarketMode() domain.MarketMode
	SetMode(mode domain.TradingMode, reason string) error
}

// Connectivity reports broker bridge health.
type Connectivity interface {
	IsConnected() bool
}

// DataOps delegates pipeline operations to the bridge.
type DataOps interface {
	RunDataOp(ctx context.Context, op bridge.DataOp, params map[string]interface{}) (*bridge.DataOpResult, error)
}

// Chat is the slice of the LLM client the operator commands use.
type Chat interface {
	Tutor(ctx context.Context, prompt, source string) (string, error)
	Narrate(ctx context.Context, prompt, insightType, source, symbol string) (string, error)
}

// TradeLedger answers the status questions.
type TradeLedger interface {
	GetOpen(mode domain.TradingMode) ([]*domain.Trade, error)
	RealizedPnLSince(since time.Time, mode domain.TradingMode) (float64, error)
}

// SettingsStore reads and writes runtime settings.
type SettingsStore interface {
	Get(key string) (*string, error)
	Set(key, value string, description *string) error
}

// ActiveSource names the currently selected strategy.
type ActiveSource interface {
	GetActiveStrategy() (*domain.ActiveStrategyConfig, error)
}

// EventRecorder appends to the audit trail.
type EventRecorder interface {
	Create(e *domain.Event) error
}

// Dispatcher routes one inbound message to its handler and returns the
// reply text. It satisfies telegram.Handler.
type Dispatcher struct {
	state      *trading.StateMachine
	mode       ModeSwitch
	ticks      TickSource
	flattener  Flattener
	risk       GoLiveSource
	bridge     Connectivity
	dataOps    DataOps
	llm        Chat
	trades     TradeLedger
	settings   SettingsStore
	active     ActiveSource
	events     EventRecorder
	registry   *strategies.Registry
	limiter    *RateLimiter
	limits     config.LimitsConfig
	confirmTTL time.Duration
	onShutdown func()
	loc        *time.Location
	log        zerolog.Logger
	now        func() time.Time

	mu            sync.Mutex
	pendingGoLive time.Time
}

// Deps wires a Dispatcher. LLM, DataOps and OnShutdown are optional.
type Deps struct {
	State      *trading.StateMachine
	Mode       ModeSwitch
	Ticks      TickSource
	Flattener  Flattener
	Risk       GoLiveSource
	Bridge     Connectivity
	DataOps    DataOps
	LLM        Chat
	Trades     TradeLedger
	Settings   SettingsStore
	Active     ActiveSource
	Events     EventRecorder
	Registry   *strategies.Registry
	Limiter    *RateLimiter
	Limits     config.LimitsConfig
	ConfirmTTL time.Duration
	OnShutdown func()
	Loc        *time.Location
	Log        zerolog.Logger
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter()
	}
	if d.Limits.TalkPerDay <= 0 {
		d.Limits.TalkPerDay = 10
	}
	if d.Limits.InsightPerDay <= 0 {
		d.Limits.InsightPerDay = 3
	}
	if d.ConfirmTTL <= 0 {
		d.ConfirmTTL = 5 * time.Minute
	}
	if d.Loc == nil {
		d.Loc = time.UTC
	}
	return &Dispatcher{
		state:      d.State,
		mode:       d.Mode,
		ticks:      d.Ticks,
		flattener:  d.Flattener,
		risk:       d.Risk,
		bridge:     d.Bridge,
		dataOps:    d.DataOps,
		llm:        d.LLM,
		trades:     d.Trades,
		settings:   d.Settings,
		active:     d.Active,
		events:     d.Events,
		registry:   d.Registry,
		limiter:    d.Limiter,
		limits:     d.Limits,
		confirmTTL: d.ConfirmTTL,
		onShutdown: d.OnShutdown,
		loc:        d.Loc,
		log:        d.Log.With().Str("component", "commands").Logger(),
		now:        time.Now,
	}
}

// Handle parses one message and returns the reply. Unknown commands
// get a short hint rather than silence so typos are visible.
func (d *Dispatcher) Handle(ctx context.Context, text string) string {
	cmd, args := parse(text)
	if cmd == "" {
		return ""
	}
	start := d.now()
	reply := d.dispatch(ctx, cmd, args)
	elapsed := d.now().Sub(start).Milliseconds()
	d.recordCommand(cmd, elapsed)
	d.log.Info().Str("command", cmd).Int64("response_ms", elapsed).Msg("Command handled")
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd, args string) string {
	switch cmd {
	case "status":
		return d.status()
	case "pause":
		if err := d.state.Pause(); err != nil {
			return fmt.Sprintf("Cannot pause: %v", err)
		}
		return "⏸ Paused. Open positions are kept; new trades are refused."
	case "resume":
		if err := d.state.Resume(); err != nil {
			return fmt.Sprintf("Cannot resume: %v", err)
		}
		return "▶️ Resumed."
	case "close":
		closed, failed := d.flattener.FlattenAll(ctx, "operator close command")
		if failed > 0 {
			return fmt.Sprintf("Flattened %d positions, %d failed. Check the event log.", closed, failed)
		}
		return fmt.Sprintf("Flattened %d open positions.", closed)
	case "shutdown":
		return d.shutdown(ctx)
	case "agent":
		return d.agents()
	case "talk":
		return d.talk(ctx, args)
	case "insight":
		return d.insight(ctx)
	case "golive":
		return d.goLive()
	case "confirmlive":
		return d.confirmLive()
	case "backtosim":
		if err := d.mode.SetMode(domain.ModeSimulation, "operator backtosim command"); err != nil {
			return fmt.Sprintf("Failed to switch: %v", err)
		}
		return "Returned to SIMULATION mode. Live orders are disabled."
	case "change-share":
		return d.changeSetting(domain.SettingBaseShares, "Base shares", args, "change-share")
	case "change-increment":
		return d.changeSetting(domain.SettingShareIncrement, "Share increment", args, "change-increment")
	case "populate-data", "run-backtests", "select-best-strategy", "full-pipeline", "data-status":
		return d.runDataOp(ctx, bridge.DataOp(cmd))
	default:
		return fmt.Sprintf("Unknown command %q. Try /status.", cmd)
	}
}

func (d *Dispatcher) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s (%s market)\n", d.mode.Mode(), d.mode.MarketMode())

	state := d.state.State()
	if state == domain.StateEmergencyHalt {
		fmt.Fprintf(&b, "State: %s (%s)\n", state, d.state.HaltReason())
	} else {
		fmt.Fprintf(&b, "State: %s\n", state)
	}

	if d.bridge.IsConnected() {
		b.WriteString("Bridge: connected\n")
	} else {
		b.WriteString("Bridge: DISCONNECTED\n")
	}

	symbol := d.activeSymbol()
	if cfg, err := d.active.GetActiveStrategy(); err == nil && cfg != nil {
		fmt.Fprintf(&b, "Active: %s on %s\n", cfg.StrategyName, orDash(symbol))
	} else {
		fmt.Fprintf(&b, "Active: none selected (symbol %s)\n", orDash(symbol))
	}

	dayStart := d.dayStart()
	if pnl, err := d.trades.RealizedPnLSince(dayStart, domain.ModeLive); err == nil {
		fmt.Fprintf(&b, "Today live P&L: %+.0f TWD\n", pnl)
	} else {
		b.WriteString("Today live P&L: unavailable\n")
	}

	if open, err := d.trades.GetOpen(domain.ModeLive); err == nil {
		var qty float64
		for _, t := range open {
			if t.Action == domain.ActionSell {
				qty -= t.Quantity
			} else {
				qty += t.Quantity
			}
		}
		fmt.Fprintf(&b, "Open live positions: %d (net %+.0f)\n", len(open), qty)
	}

	if last := d.ticks.LastTick(); !last.At.IsZero() {
		fmt.Fprintf(&b, "Last tick: %s, %d evaluated, %d actionable, consensus %s",
			last.At.In(d.loc).Format("15:04:05"), last.Evaluated, last.Actionable, last.Consensus.Direction)
	} else {
		b.WriteString("Last tick: none yet")
	}
	return b.String()
}

func (d *Dispatcher) shutdown(ctx context.Context) string {
	d.state.Stop("operator shutdown command")
	closed, failed := d.flattener.FlattenAll(ctx, "shutdown")
	d.state.RequestShutdown()
	if d.onShutdown != nil {
		d.onShutdown()
	}
	if failed > 0 {
		return fmt.Sprintf("🛑 Shutting down. Flattened %d positions, %d FAILED to close.", closed, failed)
	}
	return fmt.Sprintf("🛑 Shutting down. Flattened %d positions.", closed)
}

func (d *Dispatcher) agents() string {
	var activeName string
	if cfg, err := d.active.GetActiveStrategy(); err == nil && cfg != nil {
		activeName = cfg.StrategyName
	}
	disabled := d.disabledSet()

	var b strings.Builder
	b.WriteString("Registered strategies:\n")
	for _, s := range d.registry.All() {
		fmt.Fprintf(&b, "• %s (%s)", s.Name(), s.Type())
		if s.Name() == activeName {
			b.WriteString(" - active")
		}
		if disabled[s.Name()] {
			b.WriteString(" - disabled")
		}
		b.WriteString("\n")
	}
	b.WriteString("• CONSENSUS (confidence-weighted vote, recorded only)")
	return b.String()
}

func (d *Dispatcher) talk(ctx context.Context, question string) string {
	if d.llm == nil {
		return "The model is not configured."
	}
	if strings.TrimSpace(question) == "" {
		return "Usage: /talk <question>"
	}
	if !d.limiter.Allow("talk", d.limits.TalkPerDay) {
		return fmt.Sprintf("Daily talk limit reached (%d/day). The counter resets at midnight UTC.", d.limits.TalkPerDay)
	}
	prompt := fmt.Sprintf(
		"You are the assistant of a Taiwan market trading bot. Current mode %s, state %s. "+
			"Answer the operator's question briefly and concretely.\n\nQuestion: %s",
		d.mode.Mode(), d.state.State(), question)
	answer, err := d.llm.Tutor(ctx, prompt, "telegram")
	if err != nil {
		d.log.Warn().Err(err).Msg("Talk command failed")
		return "The model is not answering right now. Try again later."
	}
	return answer
}

func (d *Dispatcher) insight(ctx context.Context) string {
	if d.llm == nil {
		return "The model is not configured."
	}
	if !d.limiter.Allow("insight", d.limits.InsightPerDay) {
		return fmt.Sprintf("Daily insight limit reached (%d/day). The counter resets at midnight UTC.", d.limits.InsightPerDay)
	}

	symbol := d.activeSymbol()
	pnl, pnlErr := d.trades.RealizedPnLSince(d.dayStart(), domain.ModeLive)
	var activeName string
	if cfg, err := d.active.GetActiveStrategy(); err == nil && cfg != nil {
		activeName = cfg.StrategyName
	}
	last := d.ticks.LastTick()

	var facts strings.Builder
	fmt.Fprintf(&facts, "mode %s, state %s, symbol %s, active strategy %s",
		d.mode.Mode(), d.state.State(), orDash(symbol), orDash(activeName))
	if pnlErr == nil {
		fmt.Fprintf(&facts, ", today live P&L %+.0f TWD", pnl)
	}
	if !last.At.IsZero() {
		fmt.Fprintf(&facts, ", last tick evaluated %d strategies with %d actionable signals",
			last.Evaluated, last.Actionable)
	}

	prompt := fmt.Sprintf(
		"Give the operator of a Taiwan market trading bot one short insight about today's session. "+
			"Be concrete, two or three sentences, no generic advice. Facts: %s.", facts.String())
	answer, err := d.llm.Narrate(ctx, prompt, "daily_insight", "telegram", symbol)
	if err != nil {
		d.log.Warn().Err(err).Msg("Insight command failed")
		return "The model is not answering right now. Try again later."
	}
	return answer
}

func (d *Dispatcher) goLive() string {
	report, err := d.risk.GoLiveEligibility()
	if err != nil {
		return fmt.Sprintf("Failed to compute eligibility: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Go-live check: %d closed simulation trades, win rate %.1f%%, max drawdown %.1f%%, total P&L %+.0f TWD\n",
		report.ClosedTrades, report.WinRatePct, report.MaxDrawdownPct, report.TotalPnL)
	if !report.Eligible {
		b.WriteString("NOT eligible:\n")
		for _, r := range report.Reasons {
			fmt.Fprintf(&b, "• %s\n", r)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	d.mu.Lock()
	d.pendingGoLive = d.now()
	d.mu.Unlock()
	fmt.Fprintf(&b, "✅ Eligible. Send /confirmlive within %d minutes to switch to LIVE trading.",
		int(d.confirmTTL.Minutes()))
	return b.String()
}

func (d *Dispatcher) confirmLive() string {
	d.mu.Lock()
	pending := d.pendingGoLive
	d.pendingGoLive = time.Time{}
	d.mu.Unlock()

	if pending.IsZero() {
		return "No pending go-live approval. Run /golive first."
	}
	if d.now().Sub(pending) > d.confirmTTL {
		return "The go-live approval expired. Run /golive again."
	}
	if err := d.mode.SetMode(domain.ModeLive, "operator confirmed go-live"); err != nil {
		return fmt.Sprintf("Failed to switch: %v", err)
	}
	return "🚀 LIVE trading enabled. Orders will hit the broker from the next tick."
}

func (d *Dispatcher) changeSetting(key, label, args, usage string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil || v <= 0 {
		return fmt.Sprintf("Usage: /%s <n> (n > 0)", usage)
	}
	if err := d.settings.Set(key, strconv.FormatFloat(v, 'f', -1, 64), nil); err != nil {
		return fmt.Sprintf("Failed to store %s: %v", label, err)
	}
	return fmt.Sprintf("%s set to %g.", label, v)
}

func (d *Dispatcher) runDataOp(ctx context.Context, op bridge.DataOp) string {
	if d.dataOps == nil {
		return "Data operations are not available."
	}
	result, err := d.dataOps.RunDataOp(ctx, op, nil)
	if err != nil {
		return fmt.Sprintf("Data operation %s failed: %v", op, err)
	}
	if result.Message != "" {
		return fmt.Sprintf("%s: %s - %s", op, result.Status, result.Message)
	}
	return fmt.Sprintf("%s: %s", op, result.Status)
}

// PendingGoLive exposes the two-phase confirmation marker for the
// warm-state snapshot.
func (d *Dispatcher) PendingGoLive() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingGoLive, !d.pendingGoLive.IsZero()
}

// RestorePendingGoLive reinstates a marker from the snapshot. Expired
// markers are dropped.
func (d *Dispatcher) RestorePendingGoLive(at time.Time) {
	if at.IsZero() || d.now().Sub(at) > d.confirmTTL {
		return
	}
	d.mu.Lock()
	d.pendingGoLive = at
	d.mu.Unlock()
}

func (d *Dispatcher) activeSymbol() string {
	val, err := d.settings.Get(domain.SettingCurrentActiveStock)
	if err != nil || val == nil {
		return ""
	}
	return strings.TrimSpace(*val)
}

func (d *Dispatcher) disabledSet() map[string]bool {
	out := make(map[string]bool)
	val, err := d.settings.Get(domain.SettingDisabledStrategies)
	if err != nil || val == nil {
		return out
	}
	for _, name := range strings.Split(*val, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

func (d *Dispatcher) dayStart() time.Time {
	now := d.now().In(d.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc)
}

func (d *Dispatcher) recordCommand(cmd string, elapsedMs int64) {
	if err := d.events.Create(&domain.Event{
		Type:           domain.EventCommand,
		Category:       "command",
		Component:      "commands",
		Message:        "/" + cmd,
		ResponseTimeMs: &elapsedMs,
	}); err != nil {
		d.log.Error().Err(err).Msg("Failed to record command event")
	}
}

// parse splits "/cmd args" into a lowercase command and its argument
// string. Group chats suffix commands with @botname; strip it.
func parse(text string) (cmd, args string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, strings.Join(fields[1:], " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
