// Package blackout maintains the earnings blackout set the pre-trade
// risk gate consults. The scheduled refresh asks the bridge for
// upcoming report dates covering the active stock and the shadow watch
// set, then replaces the stored snapshot. The gate treats a snapshot
// past its TTL as absent, so a broken refresh degrades to trading
// without the screen instead of blocking the session.
package blackout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/domain"
)

const dateLayout = "2006-01-02"

// CalendarSource is the bridge's earnings endpoint.
type CalendarSource interface {
	GetEarningsCalendar(ctx context.Context, symbols []string) (*bridge.EarningsCalendar, error)
}

// SnapshotStore persists the refreshed blackout set.
type SnapshotStore interface {
	Save(snap *domain.BlackoutSnapshot) error
}

// SettingsSource resolves the active stock.
type SettingsSource interface {
	Get(key string) (*string, error)
}

// WatchSource lists the shadow watch set.
type WatchSource interface {
	ListShadowStocks() ([]*domain.ShadowModeStock, error)
}

// EventRecorder persists audit events.
type EventRecorder interface {
	Create(ev *domain.Event) error
}

// Refresher rebuilds the blackout snapshot from the earnings calendar.
type Refresher struct {
	calendar CalendarSource
	store    SnapshotStore
	settings SettingsSource
	watch    WatchSource
	events   EventRecorder
	ttlDays  int
	log      zerolog.Logger
	now      func() time.Time
}

// Deps wires a Refresher. Events is optional.
type Deps struct {
	Calendar CalendarSource
	Store    SnapshotStore
	Settings SettingsSource
	Watch    WatchSource
	Events   EventRecorder
	TTLDays  int
	Log      zerolog.Logger
}

func New(d Deps) *Refresher {
	if d.TTLDays <= 0 {
		d.TTLDays = 7
	}
	return &Refresher{
		calendar: d.Calendar,
		store:    d.Store,
		settings: d.Settings,
		watch:    d.Watch,
		events:   d.Events,
		ttlDays:  d.TTLDays,
		log:      d.Log.With().Str("component", "blackout").Logger(),
		now:      time.Now,
	}
}

// Refresh fetches report dates for the watched symbols and replaces the
// stored snapshot. On any failure the previous snapshot stays in place
// and ages out through its TTL.
func (r *Refresher) Refresh(ctx context.Context) error {
	symbols, err := r.watchSet()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		r.log.Info().Msg("No watched symbols yet, blackout refresh skipped")
		return nil
	}

	cal, err := r.calendar.GetEarningsCalendar(ctx, symbols)
	if err != nil {
		r.log.Warn().Err(err).Msg("Earnings calendar unavailable, keeping stored snapshot")
		return fmt.Errorf("failed to fetch earnings calendar: %w", err)
	}

	dates := r.upcomingDates(cal)

	source := cal.Source
	if source == "" {
		source = "bridge"
	}

	snap := &domain.BlackoutSnapshot{
		LastUpdated:    r.now(),
		TTLDays:        r.ttlDays,
		Source:         source,
		TickersChecked: symbols,
		Dates:          dates,
	}
	if err := r.store.Save(snap); err != nil {
		return fmt.Errorf("failed to save blackout snapshot: %w", err)
	}

	r.log.Info().
		Int("dates", len(dates)).
		Int("symbols", len(symbols)).
		Str("source", source).
		Msg("Earnings blackout refreshed")

	if r.events != nil {
		ev := &domain.Event{
			Type:      domain.EventInfo,
			Category:  "risk",
			Component: "blackout",
			Message:   fmt.Sprintf("earnings blackout refreshed: %d dates across %d symbols", len(dates), len(symbols)),
		}
		if err := r.events.Create(ev); err != nil {
			r.log.Error().Err(err).Msg("Failed to record blackout refresh event")
		}
	}
	return nil
}

// watchSet is the active stock followed by the enabled shadow stocks,
// deduplicated.
func (r *Refresher) watchSet() ([]string, error) {
	seen := make(map[string]struct{})
	var symbols []string
	add := func(symbol string) {
		if symbol == "" {
			return
		}
		if _, ok := seen[symbol]; ok {
			return
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}

	active, err := r.settings.Get(domain.SettingCurrentActiveStock)
	if err != nil {
		return nil, fmt.Errorf("failed to read active stock: %w", err)
	}
	if active != nil {
		add(*active)
	}

	stocks, err := r.watch.ListShadowStocks()
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow stocks: %w", err)
	}
	for _, s := range stocks {
		if !s.Enabled {
			continue
		}
		add(s.Symbol)
	}
	return symbols, nil
}

// upcomingDates flattens the calendar to today-or-later dates,
// deduplicated and sorted. Past dates cannot block anything and
// malformed ones are dropped with a warning.
func (r *Refresher) upcomingDates(cal *bridge.EarningsCalendar) []time.Time {
	now := r.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	seen := make(map[string]struct{})
	var dates []time.Time
	for symbol, raw := range cal.Dates {
		for _, s := range raw {
			d, err := time.ParseInLocation(dateLayout, s, time.UTC)
			if err != nil {
				r.log.Warn().Str("symbol", symbol).Str("date", s).Msg("Skipping malformed earnings date")
				continue
			}
			if d.Before(today) {
				continue
			}
			key := d.Format(dateLayout)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
