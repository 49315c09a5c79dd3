// Package market maintains per-symbol rolling quote histories and
// assembles the immutable MarketContext handed to strategies each tick.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/pkg/formulas"
	"github.com/rs/zerolog"
)

// Indicator keys accepted from bridge snapshots. Bridge values beat
// locally derived ones while fresh.
const (
	KeySMA5      = "sma5"
	KeySMA20     = "sma20"
	KeyRSI       = "rsi14"
	KeyVWAP      = "vwap"
	KeyBollUpper = "boll_upper"
	KeyBollMid   = "boll_mid"
	KeyBollLower = "boll_lower"
)

// bridgeIndicatorTTL bounds how long a bridge-supplied indicator set
// keeps overriding local calculations after the feed goes quiet.
const bridgeIndicatorTTL = 5 * time.Minute

// PositionSource reads open trades for the position fields of the context
type PositionSource interface {
	GetOpenBySymbol(symbol string, mode domain.TradingMode) ([]*domain.Trade, error)
}

// VetoSource exposes the cached news verdict
type VetoSource interface {
	Vetoed() bool
}

// bridgeObservation is the last indicator/session set pushed by the bridge
type bridgeObservation struct {
	values  map[string]float64
	session *domain.SessionOHLC
	at      time.Time
}

// sessionState tracks the running OHLC of the current session day
type sessionState struct {
	date string
	ohlc domain.SessionOHLC
}

// Provider owns the rolling histories and builds MarketContext snapshots
type Provider struct {
	mu       sync.RWMutex
	capacity int
	loc      *time.Location
	rings    map[string]*series
	sessions map[string]*sessionState
	bridge   map[string]bridgeObservation

	trades PositionSource
	news   VetoSource
	mode   func() domain.TradingMode
	log    zerolog.Logger
	now    func() time.Time
}

// NewProvider creates a market context provider. mode reports the
// current trading mode at build time; news may be nil before the
// pipeline starts.
func NewProvider(capacity int, loc *time.Location, trades PositionSource, news VetoSource, mode func() domain.TradingMode, log zerolog.Logger) *Provider {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Provider{
		capacity: capacity,
		loc:      loc,
		rings:    make(map[string]*series),
		sessions: make(map[string]*sessionState),
		bridge:   make(map[string]bridgeObservation),
		trades:   trades,
		news:     news,
		mode:     mode,
		log:      log.With().Str("component", "market_provider").Logger(),
		now:      time.Now,
	}
}

// SetVetoSource wires the news pipeline after construction. The news
// pipeline needs the provider for context but the provider needs the
// pipeline for the veto flag; this breaks the construction order knot.
func (p *Provider) SetVetoSource(news VetoSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.news = news
}

// ObserveQuote feeds one tick into the symbol's history and running
// session OHLC. Called from both the signal poll and the stream.
func (p *Provider) ObserveQuote(q domain.Quote) {
	if q.Symbol == "" || q.Price <= 0 {
		return
	}
	ts := q.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ring, ok := p.rings[q.Symbol]
	if !ok {
		ring = newSeries(p.capacity)
		p.rings[q.Symbol] = ring
	}
	ring.push(q.Price, q.Volume, ts)

	p.updateSession(q.Symbol, q.Price, ts)
}

// ObserveBridgeIndicators records broker-computed indicator values and
// session levels for a symbol. They take precedence over local
// calculations until bridgeIndicatorTTL passes.
func (p *Provider) ObserveBridgeIndicators(symbol string, values map[string]float64, session *domain.SessionOHLC) {
	if symbol == "" || (len(values) == 0 && session == nil) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	p.bridge[symbol] = bridgeObservation{values: copied, session: session, at: p.now()}
}

func (p *Provider) updateSession(symbol string, price float64, ts time.Time) {
	day := ts.In(p.loc).Format("2006-01-02")
	st, ok := p.sessions[symbol]
	if !ok || st.date != day {
		p.sessions[symbol] = &sessionState{
			date: day,
			ohlc: domain.SessionOHLC{Open: price, High: price, Low: price, Close: price},
		}
		return
	}
	if price > st.ohlc.High {
		st.ohlc.High = price
	}
	if price < st.ohlc.Low {
		st.ohlc.Low = price
	}
	st.ohlc.Close = price
}

// Build assembles the immutable context for one symbol. Histories are
// copies; the caller owns the result.
func (p *Provider) Build(ctx context.Context, symbol string) (*domain.MarketContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	ring, ok := p.rings[symbol]
	if !ok || ring.len() == 0 {
		p.mu.RUnlock()
		return nil, fmt.Errorf("no market data observed for %s yet", symbol)
	}

	prices := ring.pricesCopy()
	volumes := ring.volumesCopy()
	price, ts, _ := ring.last()

	var session domain.SessionOHLC
	if st, ok := p.sessions[symbol]; ok {
		session = st.ohlc
	}

	obs, hasBridge := p.bridge[symbol]
	if hasBridge && p.now().Sub(obs.at) > bridgeIndicatorTTL {
		hasBridge = false
	}
	p.mu.RUnlock()

	ind := localIndicators(prices, volumes)
	if hasBridge {
		overlayBridge(&ind, obs.values)
		if obs.session != nil {
			session = *obs.session
		}
	}

	mode := domain.ModeSimulation
	if p.mode != nil {
		mode = p.mode()
	}

	position, entry, err := p.openPosition(symbol, mode)
	if err != nil {
		return nil, err
	}

	veto := false
	if p.news != nil {
		veto = p.news.Vetoed()
	}

	return &domain.MarketContext{
		Symbol:       symbol,
		CurrentPrice: price,
		Timestamp:    ts,
		Prices:       prices,
		Volumes:      volumes,
		Indicators:   ind,
		Session:      session,
		Position:     position,
		EntryPrice:   entry,
		Mode:         mode,
		NewsVeto:     veto,
	}, nil
}

// openPosition sums open trades into a signed position. Entry price
// comes from the oldest open trade.
func (p *Provider) openPosition(symbol string, mode domain.TradingMode) (float64, float64, error) {
	if p.trades == nil {
		return 0, 0, nil
	}

	open, err := p.trades.GetOpenBySymbol(symbol, mode)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load open position: %w", err)
	}
	if len(open) == 0 {
		return 0, 0, nil
	}

	var position float64
	for _, t := range open {
		if t.Action == domain.ActionSell {
			position -= t.Quantity
		} else {
			position += t.Quantity
		}
	}
	return position, open[0].EntryPrice, nil
}

func localIndicators(prices, volumes []float64) domain.Indicators {
	boll := formulas.CalculateBollinger(prices, 20, 2.0)
	ind := domain.Indicators{
		SMA5:  formulas.CalculateSMA(prices, 5),
		SMA20: formulas.CalculateSMA(prices, 20),
		RSI:   formulas.CalculateRSI(prices, 14),
		VWAP:  formulas.CalculateVWAP(prices, volumes),
	}
	if boll != nil {
		ind.BollUpper = &boll.Upper
		ind.BollMid = &boll.Middle
		ind.BollLower = &boll.Lower
	}
	return ind
}

// overlayBridge replaces locally derived values with broker-computed
// ones wherever the bridge supplied a key.
func overlayBridge(ind *domain.Indicators, values map[string]float64) {
	set := func(dst **float64, key string) {
		if v, ok := values[key]; ok {
			val := v
			*dst = &val
		}
	}
	set(&ind.SMA5, KeySMA5)
	set(&ind.SMA20, KeySMA20)
	set(&ind.RSI, KeyRSI)
	set(&ind.VWAP, KeyVWAP)
	set(&ind.BollUpper, KeyBollUpper)
	set(&ind.BollMid, KeyBollMid)
	set(&ind.BollLower, KeyBollLower)
}

// LastPrice returns the most recent observed price for a symbol
func (p *Provider) LastPrice(symbol string) (float64, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ring, ok := p.rings[symbol]
	if !ok {
		return 0, time.Time{}, false
	}
	return ring.last()
}

// Symbols lists every symbol with observed history
func (p *Provider) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.rings))
	for sym := range p.rings {
		out = append(out, sym)
	}
	return out
}

// Snapshot exports every ring for the warm-state file
func (p *Provider) Snapshot() map[string]SeriesSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]SeriesSnapshot, len(p.rings))
	for sym, ring := range p.rings {
		out[sym] = ring.snapshot()
	}
	return out
}

// Restore loads ring contents saved by Snapshot. The caller decides
// freshness; anything passed in here is trusted.
func (p *Provider) Restore(snap map[string]SeriesSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	for sym, s := range snap {
		if sym == "" || len(s.Prices) == 0 {
			continue
		}
		ring := newSeries(p.capacity)
		ring.restore(s)
		if ring.len() == 0 {
			continue
		}
		p.rings[sym] = ring

		// Rebuild the session from the restored tail so OHLC does not
		// reset to the next quote alone.
		for i := range ring.prices {
			p.updateSession(sym, ring.prices[i], time.Unix(ring.times[i], 0))
		}
		restored++
	}

	if restored > 0 {
		p.log.Info().Int("symbols", restored).Msg("Market history restored from snapshot")
	}
}
