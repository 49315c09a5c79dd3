package blackout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 09:00 Taipei on a Tuesday.
var refreshNow = time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)

type fakeCalendar struct {
	cal     *bridge.EarningsCalendar
	err     error
	calls   int
	symbols []string
}

func (f *fakeCalendar) GetEarningsCalendar(ctx context.Context, symbols []string) (*bridge.EarningsCalendar, error) {
	f.calls++
	f.symbols = symbols
	return f.cal, f.err
}

type fakeStore struct {
	saved *domain.BlackoutSnapshot
	err   error
}

func (f *fakeStore) Save(snap *domain.BlackoutSnapshot) error {
	if f.err != nil {
		return f.err
	}
	f.saved = snap
	return nil
}

type fakeSettings struct {
	vals map[string]string
}

func (f *fakeSettings) Get(key string) (*string, error) {
	v, ok := f.vals[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type fakeWatch struct {
	stocks []*domain.ShadowModeStock
	err    error
}

func (f *fakeWatch) ListShadowStocks() ([]*domain.ShadowModeStock, error) { return f.stocks, f.err }

type fakeEvents struct {
	events []*domain.Event
}

func (f *fakeEvents) Create(ev *domain.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	calendar *fakeCalendar
	store    *fakeStore
	settings *fakeSettings
	watch    *fakeWatch
	events   *fakeEvents
	r        *Refresher
}

func newFixture() *fixture {
	f := &fixture{
		calendar: &fakeCalendar{cal: &bridge.EarningsCalendar{Dates: map[string][]string{}}},
		store:    &fakeStore{},
		settings: &fakeSettings{vals: map[string]string{}},
		watch:    &fakeWatch{},
		events:   &fakeEvents{},
	}
	f.r = New(Deps{
		Calendar: f.calendar,
		Store:    f.store,
		Settings: f.settings,
		Watch:    f.watch,
		Events:   f.events,
		Log:      zerolog.New(nil).Level(zerolog.Disabled),
	})
	f.r.now = func() time.Time { return refreshNow }
	return f
}

func shadow(symbol string, enabled bool) *domain.ShadowModeStock {
	return &domain.ShadowModeStock{Symbol: symbol, StrategyName: "ma_crossover", Enabled: enabled}
}

func TestRefresh_BuildsWatchSetAndSavesSnapshot(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.watch.stocks = []*domain.ShadowModeStock{
		shadow("2317", true),
		shadow("2330", true), // duplicate of the active stock
		shadow("0050", false),
		shadow("2454", true),
	}
	f.calendar.cal = &bridge.EarningsCalendar{Dates: map[string][]string{
		"2330": {"2026-10-05"},
		"2317": {"2026-09-10"},
	}}

	require.NoError(t, f.r.Refresh(context.Background()))

	// Active stock first, then shadow stocks in rank order. The
	// disabled entry and the duplicate are dropped.
	assert.Equal(t, []string{"2330", "2317", "2454"}, f.calendar.symbols)

	require.NotNil(t, f.store.saved)
	snap := f.store.saved
	assert.True(t, snap.LastUpdated.Equal(refreshNow))
	assert.Equal(t, 7, snap.TTLDays)
	assert.Equal(t, "bridge", snap.Source)
	assert.Equal(t, []string{"2330", "2317", "2454"}, snap.TickersChecked)
	require.Len(t, snap.Dates, 2)
	assert.Equal(t, "2026-09-10", snap.Dates[0].Format("2006-01-02"))
	assert.Equal(t, "2026-10-05", snap.Dates[1].Format("2006-01-02"))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.EventInfo, f.events.events[0].Type)
	assert.Contains(t, f.events.events[0].Message, "2 dates across 3 symbols")
}

func TestRefresh_DropsPastMalformedAndDuplicateDates(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.calendar.cal = &bridge.EarningsCalendar{Dates: map[string][]string{
		"2330": {"2026-08-24", "next tuesday", "2026-08-25", "2026-09-10"},
		"2317": {"2026-09-10"},
	}}

	require.NoError(t, f.r.Refresh(context.Background()))

	// Yesterday and the malformed entry are gone, today counts as
	// upcoming, and the date shared by both symbols appears once.
	require.NotNil(t, f.store.saved)
	require.Len(t, f.store.saved.Dates, 2)
	assert.Equal(t, "2026-08-25", f.store.saved.Dates[0].Format("2006-01-02"))
	assert.Equal(t, "2026-09-10", f.store.saved.Dates[1].Format("2006-01-02"))
}

func TestRefresh_UsesReportedSource(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.calendar.cal = &bridge.EarningsCalendar{
		Dates:  map[string][]string{"2330": {"2026-09-10"}},
		Source: "fugle",
	}

	require.NoError(t, f.r.Refresh(context.Background()))

	require.NotNil(t, f.store.saved)
	assert.Equal(t, "fugle", f.store.saved.Source)
}

func TestRefresh_NoWatchedSymbolsSkips(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.r.Refresh(context.Background()))

	assert.Zero(t, f.calendar.calls)
	assert.Nil(t, f.store.saved)
	assert.Empty(t, f.events.events)
}

func TestRefresh_EmptyCalendarStillSavesFreshSnapshot(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"

	require.NoError(t, f.r.Refresh(context.Background()))

	// An all-clear answer still bumps freshness so the stored set does
	// not go stale between earnings seasons.
	require.NotNil(t, f.store.saved)
	assert.Empty(t, f.store.saved.Dates)
	assert.True(t, f.store.saved.LastUpdated.Equal(refreshNow))
}

func TestRefresh_CalendarErrorKeepsStoredSnapshot(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.calendar.err = errors.New("bridge down")

	err := f.r.Refresh(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch earnings calendar")
	assert.Nil(t, f.store.saved)
}

func TestRefresh_SaveErrorPropagates(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.calendar.cal = &bridge.EarningsCalendar{Dates: map[string][]string{"2330": {"2026-09-10"}}}
	f.store.err = errors.New("disk full")

	err := f.r.Refresh(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save blackout snapshot")
	assert.Empty(t, f.events.events)
}

func TestRefresh_ShadowListErrorAborts(t *testing.T) {
	f := newFixture()
	f.settings.vals[domain.SettingCurrentActiveStock] = "2330"
	f.watch.err = errors.New("query failed")

	err := f.r.Refresh(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list shadow stocks")
	assert.Zero(t, f.calendar.calls)
}
