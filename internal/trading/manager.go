package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/rs/zerolog"
)

// highConvictionConfidence is where position sizing steps up from the
// base share count to base plus increment.
const highConvictionConfidence = 0.85

// ContextBuilder assembles the per-tick market snapshot.
type ContextBuilder interface {
	Build(ctx context.Context, symbol string) (*domain.MarketContext, error)
}

// SignalStore persists evaluated signals for the audit trail.
type SignalStore interface {
	Create(rec *domain.SignalRecord) error
}

// ActiveSource reports which strategy currently owns the live track.
type ActiveSource interface {
	GetActiveStrategy() (*domain.ActiveStrategyConfig, error)
}

// RiskGate screens live proposals and reacts to fills.
type RiskGate interface {
	Approve(ctx context.Context, p TradeProposal) Verdict
	PostFill(ctx context.Context)
}

// TradeExecutor books shadow fills and submits live orders.
type TradeExecutor interface {
	ExecuteShadow(strategy string, sig domain.TradeSignal, quantity float64, mc *domain.MarketContext)
	ExecuteLive(ctx context.Context, p TradeProposal) error
}

// TickSummary is the outcome of the most recent evaluation pass,
// exposed for the status API.
type TickSummary struct {
	At         time.Time          `json:"at"`
	Symbol     string             `json:"symbol"`
	Evaluated  int                `json:"evaluated"`
	Actionable int                `json:"actionable"`
	Consensus  domain.TradeSignal `json:"consensus"`
}

// Manager runs the per-tick strategy pass: build one market context,
// execute every enabled strategy against it, book shadow fills for
// each actionable signal, and forward the active strategy's signal to
// the live track when the bot trades live. The consensus vote is
// computed and persisted for observability but never traded directly.
type Manager struct {
	registry *strategies.Registry
	market   ContextBuilder
	state    *StateMachine
	risk     RiskGate
	executor TradeExecutor
	signals  SignalStore
	settings SettingsSource
	events   EventRecorder
	news     VerdictSource
	active   ActiveSource
	mode     func() domain.TradingMode
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last TickSummary
}

type ManagerDeps struct {
	Registry *strategies.Registry
	Market   ContextBuilder
	State    *StateMachine
	Risk     RiskGate
	Executor TradeExecutor
	Signals  SignalStore
	Settings SettingsSource
	Events   EventRecorder
	News     VerdictSource
	Active   ActiveSource
	Mode     func() domain.TradingMode
	Log      zerolog.Logger
}

func NewManager(d ManagerDeps) *Manager {
	return &Manager{
		registry: d.Registry,
		market:   d.Market,
		state:    d.State,
		risk:     d.Risk,
		executor: d.Executor,
		signals:  d.Signals,
		settings: d.Settings,
		events:   d.Events,
		news:     d.News,
		active:   d.Active,
		mode:     d.Mode,
		log:      d.Log.With().Str("component", "strategy_manager").Logger(),
		now:      time.Now,
	}
}

// Tick runs one evaluation pass. It returns nil on the routine skip
// paths (paused, no active stock, no market data) so the scheduler
// does not count them as job failures.
func (m *Manager) Tick(ctx context.Context) error {
	if st := m.state.State(); st != domain.StateRunning {
		m.log.Debug().Str("state", string(st)).Msg("Tick skipped")
		return nil
	}

	symbol := m.activeSymbol()
	if symbol == "" {
		m.log.Debug().Msg("No active stock selected, tick skipped")
		return nil
	}

	mc, err := m.market.Build(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("No market context, tick skipped")
		return nil
	}

	activeName := m.activeStrategyName()
	disabled := m.disabledSet()
	veto := m.news.Verdict().Veto

	var (
		actionable []domain.TradeSignal
		evaluated  int
	)
	for _, strat := range m.registry.All() {
		// A pause or halt that lands mid-pass stops the remaining
		// strategies on this tick.
		if m.state.State() != domain.StateRunning {
			m.log.Info().Msg("Tick preempted by state change")
			return nil
		}
		name := strat.Name()
		if disabled[name] {
			continue
		}
		sig := m.executeSafe(strat, mc)
		evaluated++
		if !sig.Actionable() {
			continue
		}
		actionable = append(actionable, sig)
		m.recordSignal(name, mc, sig, veto)

		qty := m.sizeFor(sig.Confidence)
		m.executor.ExecuteShadow(name, sig, qty, mc)

		if name == activeName && m.mode() == domain.ModeLive {
			m.forwardLive(ctx, activeName, mc, sig, qty)
		}
	}

	consensus := Consensus(actionable)
	if consensus.Actionable() {
		m.recordSignal(ConsensusName, mc, consensus, veto)
	}

	m.mu.Lock()
	m.last = TickSummary{
		At:         m.now(),
		Symbol:     symbol,
		Evaluated:  evaluated,
		Actionable: len(actionable),
		Consensus:  consensus,
	}
	m.mu.Unlock()

	m.log.Debug().
		Str("symbol", symbol).
		Int("evaluated", evaluated).
		Int("actionable", len(actionable)).
		Str("consensus", string(consensus.Direction)).
		Msg("Tick complete")
	return nil
}

// LastTick returns the most recent tick summary.
func (m *Manager) LastTick() TickSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// executeSafe isolates one strategy execution so a panicking strategy
// costs its own signal, not the tick.
func (m *Manager) executeSafe(s strategies.Strategy, mc *domain.MarketContext) (sig domain.TradeSignal) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("strategy", s.Name()).Interface("panic", r).Msg("Strategy panicked")
			m.recordEvent(domain.EventError, fmt.Sprintf("strategy %s panicked: %v", s.Name(), r))
			sig = domain.Neutral("strategy panicked")
		}
	}()
	return s.Execute(m.registry.Portfolio(s.Name()), mc)
}

func (m *Manager) forwardLive(ctx context.Context, strategy string, mc *domain.MarketContext, sig domain.TradeSignal, qty float64) {
	p := TradeProposal{
		Symbol:          mc.Symbol,
		Direction:       sig.Direction,
		Quantity:        qty,
		Price:           mc.CurrentPrice,
		Strategy:        strategy,
		CurrentPosition: mc.Position,
		ExitSignal:      sig.ExitSignal,
		Reason:          sig.Reason,
	}
	verdict := m.risk.Approve(ctx, p)
	if !verdict.Approved {
		m.log.Debug().Str("gate", verdict.Gate).Str("reason", verdict.Reason).Msg("Live signal refused")
		return
	}
	if err := m.executor.ExecuteLive(ctx, p); err != nil {
		// The executor has already evented and alerted.
		return
	}
	m.risk.PostFill(ctx)
}

func (m *Manager) recordSignal(name string, mc *domain.MarketContext, sig domain.TradeSignal, veto bool) {
	rec := &domain.SignalRecord{
		Timestamp:    m.now(),
		Symbol:       mc.Symbol,
		StrategyName: name,
		Direction:    sig.Direction,
		Confidence:   sig.Confidence,
		CurrentPrice: mc.CurrentPrice,
		Reason:       sig.Reason,
		NewsVeto:     veto,
	}
	if js, err := json.Marshal(mc.Indicators); err == nil {
		rec.IndicatorsJSON = string(js)
	}
	if err := m.signals.Create(rec); err != nil {
		m.log.Error().Err(err).Str("strategy", name).Msg("Failed to persist signal")
	}
}

// sizeFor returns the share count for a signal. High conviction adds
// the configured increment on top of the base.
func (m *Manager) sizeFor(confidence float64) float64 {
	base, err := m.settings.GetFloat(domain.SettingBaseShares, 1)
	if err != nil || base <= 0 {
		base = 1
	}
	if confidence < highConvictionConfidence {
		return base
	}
	incr, err := m.settings.GetFloat(domain.SettingShareIncrement, 1)
	if err != nil || incr < 0 {
		incr = 1
	}
	return base + incr
}

func (m *Manager) activeSymbol() string {
	v, err := m.settings.Get(domain.SettingCurrentActiveStock)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read active stock setting")
		return ""
	}
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func (m *Manager) activeStrategyName() string {
	cfg, err := m.active.GetActiveStrategy()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read active strategy")
		return ""
	}
	if cfg == nil {
		return ""
	}
	return cfg.StrategyName
}

func (m *Manager) disabledSet() map[string]bool {
	v, err := m.settings.Get(domain.SettingDisabledStrategies)
	if err != nil || v == nil || *v == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(*v, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

func (m *Manager) recordEvent(t domain.EventType, msg string) {
	if err := m.events.Create(&domain.Event{
		Type:      t,
		Category:  "trading",
		Component: "strategy_manager",
		Message:   msg,
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to record manager event")
	}
}
