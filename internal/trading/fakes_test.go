package trading

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/clients/ollama"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/rs/zerolog"
)

// Shared test doubles for the trading package tests.

var taipei = time.FixedZone("Asia/Taipei", 8*3600)

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type fakeBridge struct {
	mu            sync.Mutex
	connected     bool
	dryErr        error
	placeErr      error
	placeFailures int
	echoPrice     float64
	dryCalls      int
	placeCalls    int
	orders        []map[string]interface{}
}

func (f *fakeBridge) IsConnected() bool { return f.connected }

func (f *fakeBridge) DryRunOrder(_ context.Context, _ map[string]interface{}) (*bridge.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryCalls++
	if f.dryErr != nil {
		return nil, f.dryErr
	}
	return &bridge.OrderResult{Accepted: true}, nil
}

func (f *fakeBridge) PlaceOrder(_ context.Context, order map[string]interface{}) (*bridge.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeFailures > 0 {
		f.placeFailures--
		return nil, f.placeErr
	}
	f.orders = append(f.orders, order)
	res := &bridge.OrderResult{Accepted: true, OrderID: "B1"}
	if f.echoPrice > 0 {
		res.Echo = map[string]interface{}{"price": f.echoPrice}
	}
	return res, nil
}

type closeCall struct {
	exitPrice float64
	realized  float64
	reason    string
	hold      int64
	slip      *float64
}

type fakeTrades struct {
	mu         sync.Mutex
	nextID     int64
	rows       []*domain.Trade
	closes     map[int64]closeCall
	pnlByMode  map[domain.TradingMode]float64
	pnlErr     error
	closedRows []*domain.Trade
	closedErr  error
	createErr  error
	openErr    error
}

func newFakeTrades() *fakeTrades {
	return &fakeTrades{
		closes:    make(map[int64]closeCall),
		pnlByMode: make(map[domain.TradingMode]float64),
	}
}

func (f *fakeTrades) Create(t *domain.Trade) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	cp := *t
	cp.ID = f.nextID
	f.rows = append(f.rows, &cp)
	return cp.ID, nil
}

func (f *fakeTrades) Close(id int64, exitPrice, realized float64, reason string, hold int64, slip *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[id] = closeCall{exitPrice, realized, reason, hold, slip}
	for _, r := range f.rows {
		if r.ID == id {
			r.Status = domain.TradeClosed
		}
	}
	return nil
}

func (f *fakeTrades) GetOpen(mode domain.TradingMode) ([]*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	var out []*domain.Trade
	for _, r := range f.rows {
		if r.Status == domain.TradeOpen && r.Mode == mode {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTrades) GetOpenBySymbol(symbol string, mode domain.TradingMode) ([]*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	var out []*domain.Trade
	for _, r := range f.rows {
		if r.Status == domain.TradeOpen && r.Mode == mode && r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTrades) RealizedPnLSince(_ time.Time, mode domain.TradingMode) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pnlErr != nil {
		return 0, f.pnlErr
	}
	return f.pnlByMode[mode], nil
}

func (f *fakeTrades) GetClosedSince(_ time.Time, _ domain.TradingMode, _ int) ([]*domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedErr != nil {
		return nil, f.closedErr
	}
	return f.closedRows, nil
}

func (f *fakeTrades) seedOpen(symbol string, action domain.TradeAction, qty, entry float64, strategy string, mode domain.TradingMode, ts time.Time) int64 {
	id, _ := f.Create(&domain.Trade{
		Timestamp:    ts,
		Symbol:       symbol,
		Action:       action,
		Quantity:     qty,
		EntryPrice:   entry,
		StrategyName: strategy,
		Mode:         mode,
		Status:       domain.TradeOpen,
	})
	return id
}

type fakeSettings struct {
	mu       sync.Mutex
	vals     map[string]string
	getErr   error
	floatErr map[string]error
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		vals:     make(map[string]string),
		floatErr: make(map[string]error),
	}
}

func (f *fakeSettings) Get(key string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.vals[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeSettings) GetFloat(key string, def float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.floatErr[key]; err != nil {
		return def, err
	}
	v, ok := f.vals[key]
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, nil
	}
	return parsed, nil
}

func (f *fakeSettings) Set(key, value string, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value
	return nil
}

type fakeBlackout struct {
	snap *domain.BlackoutSnapshot
	err  error
}

func (f *fakeBlackout) Load() (*domain.BlackoutSnapshot, error) { return f.snap, f.err }

type fakeVerdictSource struct {
	v domain.NewsVerdict
}

func (f *fakeVerdictSource) Verdict() domain.NewsVerdict { return f.v }

type fakeApprover struct {
	approved    bool
	reason      string
	calls       int
	lastSummary string
}

func (f *fakeApprover) ApproveRisk(_ context.Context, summary string) ollama.Approval {
	f.calls++
	f.lastSummary = summary
	return ollama.Approval{Approved: f.approved, Reason: f.reason}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (f *fakeEvents) Create(ev *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) all() []*domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeEvents) ofType(t domain.EventType) []*domain.Event {
	var out []*domain.Event
	for _, ev := range f.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	copy(out, f.msgs)
	return out
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) LastPrice(symbol string) (float64, time.Time, bool) {
	p, ok := f.prices[symbol]
	return p, time.Time{}, ok
}

type fakeMarket struct {
	mc     *domain.MarketContext
	err    error
	builds int
}

func (f *fakeMarket) Build(_ context.Context, _ string) (*domain.MarketContext, error) {
	f.builds++
	if f.err != nil {
		return nil, f.err
	}
	return f.mc, nil
}

type fakeSignals struct {
	mu   sync.Mutex
	recs []*domain.SignalRecord
	err  error
}

func (f *fakeSignals) Create(rec *domain.SignalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeSignals) all() []*domain.SignalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.SignalRecord, len(f.recs))
	copy(out, f.recs)
	return out
}

type fakeActive struct {
	cfg *domain.ActiveStrategyConfig
	err error
}

func (f *fakeActive) GetActiveStrategy() (*domain.ActiveStrategyConfig, error) {
	return f.cfg, f.err
}

type fakeRiskGate struct {
	verdict   Verdict
	proposals []TradeProposal
	postFills int
}

func (f *fakeRiskGate) Approve(_ context.Context, p TradeProposal) Verdict {
	f.proposals = append(f.proposals, p)
	return f.verdict
}

func (f *fakeRiskGate) PostFill(_ context.Context) { f.postFills++ }

type shadowCall struct {
	strategy string
	sig      domain.TradeSignal
	qty      float64
}

type fakeExecutor struct {
	shadows []shadowCall
	lives   []TradeProposal
	liveErr error
}

func (f *fakeExecutor) ExecuteShadow(strategy string, sig domain.TradeSignal, qty float64, _ *domain.MarketContext) {
	f.shadows = append(f.shadows, shadowCall{strategy: strategy, sig: sig, qty: qty})
}

func (f *fakeExecutor) ExecuteLive(_ context.Context, p TradeProposal) error {
	f.lives = append(f.lives, p)
	return f.liveErr
}

// scriptedStrategy returns a fixed signal, optionally running a hook
// or panicking first.
type scriptedStrategy struct {
	name   string
	typ    domain.StrategyType
	sig    domain.TradeSignal
	panics bool
	onExec func()
	calls  int
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Type() domain.StrategyType {
	if s.typ == "" {
		return domain.StrategyIntraday
	}
	return s.typ
}

func (s *scriptedStrategy) Execute(_ *strategies.Portfolio, _ *domain.MarketContext) domain.TradeSignal {
	s.calls++
	if s.onExec != nil {
		s.onExec()
	}
	if s.panics {
		panic("scripted panic")
	}
	return s.sig
}

func (s *scriptedStrategy) Reset() {}
