package stats

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

var taipei = time.FixedZone("Asia/Taipei", 8*3600)

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type fakeTrades struct {
	byRange    []*domain.Trade
	rangeErr   error
	rangeCalls int
	lastFrom   time.Time
	lastTo     time.Time
	lastMode   domain.TradingMode

	byStrategy map[string][]*domain.Trade
	stratErr   error
}

func (f *fakeTrades) GetByDateRange(from, to time.Time, mode domain.TradingMode) ([]*domain.Trade, error) {
	f.rangeCalls++
	f.lastFrom, f.lastTo, f.lastMode = from, to, mode
	return f.byRange, f.rangeErr
}

func (f *fakeTrades) GetClosedByStrategy(strategy string, mode domain.TradingMode, since time.Time) ([]*domain.Trade, error) {
	if f.stratErr != nil {
		return nil, f.stratErr
	}
	return f.byStrategy[strategy], nil
}

// fakeStats copies rows on Upsert so the narration patch shows up as a
// second distinct entry.
type fakeStats struct {
	upserts   []*domain.DailyStatistics
	upsertErr error
	rangeRows []*domain.DailyStatistics
	rangeErr  error
	lastFrom  string
	lastTo    string
}

func (f *fakeStats) Upsert(s *domain.DailyStatistics) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	cp := *s
	f.upserts = append(f.upserts, &cp)
	return nil
}

func (f *fakeStats) GetRange(fromDate, toDate string) ([]*domain.DailyStatistics, error) {
	f.lastFrom, f.lastTo = fromDate, toDate
	return f.rangeRows, f.rangeErr
}

type fakePerf struct {
	rows []*domain.StrategyPerformance
	err  error
}

func (f *fakePerf) InsertPerformance(p *domain.StrategyPerformance) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, p)
	return nil
}

type fakeSignals struct {
	total  int
	vetoed int
	err    error
}

func (f *fakeSignals) CountSince(since time.Time, symbol string) (int, int, error) {
	return f.total, f.vetoed, f.err
}

type fakeMarket struct {
	mc  *domain.MarketContext
	err error
}

func (f *fakeMarket) Build(ctx context.Context, symbol string) (*domain.MarketContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.mc, nil
}

type fakeSettings struct {
	vals   map[string]string
	getErr error
}

func (f *fakeSettings) Get(key string) (*string, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.vals[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type fakeNarrator struct {
	text       string
	err        error
	calls      int
	lastPrompt string
}

func (f *fakeNarrator) Narrate(ctx context.Context, prompt, insightType, source, symbol string) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeEvents struct {
	events []*domain.Event
}

func (f *fakeEvents) Create(e *domain.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) ofType(t domain.EventType) []*domain.Event {
	var out []*domain.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	msgs []string
}

func (f *fakeNotifier) Notify(text string) {
	f.msgs = append(f.msgs, text)
}
