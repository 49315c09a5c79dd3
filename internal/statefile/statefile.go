// Package statefile persists the process's warm state across
// restarts: the per-symbol price rings, the cached news verdict, the
// command rate counters, the last flatten date and a pending go-live
// confirmation. Everything in it is reconstructible given enough
// uptime; the file only spares the bot a cold start mid-session, so a
// corrupt or stale file is dropped with a warning, never an error.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/market"
)

// DefaultMaxAge is how old a snapshot may be and still warm-start the
// process. Anything older spans a session boundary and its rings
// would poison the indicators.
const DefaultMaxAge = 12 * time.Hour

// Snapshot is the on-disk layout. Fields are msgpack-encoded.
type Snapshot struct {
	SavedAt       time.Time                        `msgpack:"saved_at"`
	Series        map[string]market.SeriesSnapshot `msgpack:"series,omitempty"`
	NewsVerdict   *domain.NewsVerdict              `msgpack:"news_verdict,omitempty"`
	LimiterDay    string                           `msgpack:"limiter_day,omitempty"`
	LimiterCounts map[string]int                   `msgpack:"limiter_counts,omitempty"`
	LastFlatten   string                           `msgpack:"last_flatten,omitempty"`
	PendingGoLive time.Time                        `msgpack:"pending_go_live,omitempty"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path   string
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

func NewStore(path string, maxAge time.Duration, log zerolog.Logger) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{
		path:   path,
		maxAge: maxAge,
		log:    log.With().Str("component", "statefile").Logger(),
		now:    time.Now,
	}
}

// Save writes the snapshot with a write-then-rename so a crash mid-
// write leaves the previous file intact.
func (s *Store) Save(snap *Snapshot) error {
	snap.SavedAt = s.now()
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot, or nil when there is nothing usable.
// Missing, corrupt and stale files all come back nil; only corrupt
// and stale warn.
func (s *Store) Load() *Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Failed to read state snapshot")
		}
		return nil
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("State snapshot is corrupt, starting cold")
		return nil
	}
	if age := s.now().Sub(snap.SavedAt); snap.SavedAt.IsZero() || age > s.maxAge {
		s.log.Warn().
			Time("saved_at", snap.SavedAt).
			Dur("max_age", s.maxAge).
			Msg("State snapshot is stale, starting cold")
		return nil
	}
	return &snap
}

// MarketState is the provider's ring snapshot surface.
type MarketState interface {
	Snapshot() map[string]market.SeriesSnapshot
	Restore(map[string]market.SeriesSnapshot)
}

// NewsState is the monitor's verdict cache surface.
type NewsState interface {
	Snapshot() *domain.NewsVerdict
	Restore(*domain.NewsVerdict)
}

// LimiterState is the command rate limiter's counter surface.
type LimiterState interface {
	Snapshot() (day string, counts map[string]int)
	Restore(day string, counts map[string]int)
}

// GoLiveMarker is the dispatcher's pending confirmation surface.
type GoLiveMarker interface {
	PendingGoLive() (time.Time, bool)
	RestorePendingGoLive(at time.Time)
}

// FlattenMarker remembers which date was already flattened.
type FlattenMarker interface {
	LastFlatten() string
	SetLastFlatten(date string)
}

// Keeper gathers warm state from its sources on save and pushes it
// back on restore. Every source is optional; nil sources contribute
// and receive nothing.
type Keeper struct {
	store   *Store
	market  MarketState
	news    NewsState
	limiter LimiterState
	golive  GoLiveMarker
	flatten FlattenMarker
	log     zerolog.Logger
}

// KeeperDeps wires a Keeper.
type KeeperDeps struct {
	Store   *Store
	Market  MarketState
	News    NewsState
	Limiter LimiterState
	GoLive  GoLiveMarker
	Flatten FlattenMarker
	Log     zerolog.Logger
}

func NewKeeper(d KeeperDeps) *Keeper {
	return &Keeper{
		store:   d.Store,
		market:  d.Market,
		news:    d.News,
		limiter: d.Limiter,
		golive:  d.GoLive,
		flatten: d.Flatten,
		log:     d.Log.With().Str("component", "statefile").Logger(),
	}
}

// Save collects the current warm state and writes it. Runs on the
// five-minute snapshot job and once more at shutdown.
func (k *Keeper) Save() error {
	snap := &Snapshot{}
	if k.market != nil {
		snap.Series = k.market.Snapshot()
	}
	if k.news != nil {
		snap.NewsVerdict = k.news.Snapshot()
	}
	if k.limiter != nil {
		snap.LimiterDay, snap.LimiterCounts = k.limiter.Snapshot()
	}
	if k.golive != nil {
		if at, ok := k.golive.PendingGoLive(); ok {
			snap.PendingGoLive = at
		}
	}
	if k.flatten != nil {
		snap.LastFlatten = k.flatten.LastFlatten()
	}
	if err := k.store.Save(snap); err != nil {
		return err
	}
	k.log.Debug().Int("symbols", len(snap.Series)).Msg("Warm state saved")
	return nil
}

// Restore loads the snapshot and pushes it into the sources. Returns
// true when a snapshot was applied.
func (k *Keeper) Restore() bool {
	snap := k.store.Load()
	if snap == nil {
		return false
	}
	if k.market != nil && len(snap.Series) > 0 {
		k.market.Restore(snap.Series)
	}
	if k.news != nil && snap.NewsVerdict != nil {
		k.news.Restore(snap.NewsVerdict)
	}
	if k.limiter != nil && snap.LimiterDay != "" {
		k.limiter.Restore(snap.LimiterDay, snap.LimiterCounts)
	}
	if k.golive != nil && !snap.PendingGoLive.IsZero() {
		k.golive.RestorePendingGoLive(snap.PendingGoLive)
	}
	if k.flatten != nil && snap.LastFlatten != "" {
		k.flatten.SetLastFlatten(snap.LastFlatten)
	}
	k.log.Info().
		Time("saved_at", snap.SavedAt).
		Int("symbols", len(snap.Series)).
		Msg("Warm state restored")
	return true
}
