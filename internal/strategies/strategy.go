// Package strategies holds the strategy contract, the insertion-ordered
// registry and the built-in strategy implementations. Each registered
// strategy trades a private shadow portfolio; nothing here touches the
// broker or the database.
package strategies

import (
	"fmt"

	"github.com/aristath/taipei-trader/internal/domain"
)

// Strategy is the contract every trading strategy implements. Execute is
// called once per tick with the strategy's own portfolio and an immutable
// market context; it must not block and must not retain the context.
// Strategies own whatever rolling state they need between ticks and drop
// it on Reset.
type Strategy interface {
	Name() string
	Type() domain.StrategyType
	Execute(p *Portfolio, mc *domain.MarketContext) domain.TradeSignal
	Reset()
}

// Registry holds strategies in insertion order so execution order is
// deterministic across ticks. Each strategy gets a private shadow
// portfolio at registration time.
type Registry struct {
	order      []Strategy
	byName     map[string]Strategy
	portfolios map[string]*Portfolio
	baseEquity float64
}

// NewRegistry returns an empty registry whose portfolios start with the
// given base equity. Zero or negative falls back to DefaultBaseEquity.
func NewRegistry(baseEquity float64) *Registry {
	if baseEquity <= 0 {
		baseEquity = DefaultBaseEquity
	}
	return &Registry{
		byName:     make(map[string]Strategy),
		portfolios: make(map[string]*Portfolio),
		baseEquity: baseEquity,
	}
}

// Register appends a strategy and creates its shadow portfolio.
// Duplicate names are rejected.
func (r *Registry) Register(s Strategy) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("strategy has empty name")
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.order = append(r.order, s)
	r.byName[name] = s
	r.portfolios[name] = NewPortfolio(name, r.baseEquity)
	return nil
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Portfolio returns the shadow portfolio owned by the named strategy.
func (r *Registry) Portfolio(name string) *Portfolio {
	return r.portfolios[name]
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, s := range r.order {
		names = append(names, s.Name())
	}
	return names
}

// ResetAll clears the rolling state of every strategy.
func (r *Registry) ResetAll() {
	for _, s := range r.order {
		s.Reset()
	}
}

// NewDefaultRegistry registers the built-in strategy set in its canonical
// order.
func NewDefaultRegistry(baseEquity float64) *Registry {
	r := NewRegistry(baseEquity)
	for _, s := range []Strategy{
		NewMACrossover(),
		NewBollingerReversion(),
		NewRSIReversal(),
		NewMomentum(),
		NewVWAPDeviation(),
	} {
		// Built-in names are unique; Register cannot fail here.
		_ = r.Register(s)
	}
	return r
}

// clampConf bounds a raw confidence to the actionable band.
func clampConf(c float64) float64 {
	if c < domain.MinActionableConfidence {
		return domain.MinActionableConfidence
	}
	if c > 0.95 {
		return 0.95
	}
	return c
}
