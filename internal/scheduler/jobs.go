package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FuncJob adapts a closure to the Job interface.
type FuncJob struct {
	name string
	fn   func() error
}

func NewFuncJob(name string, fn func() error) *FuncJob {
	return &FuncJob{name: name, fn: fn}
}

func (j *FuncJob) Name() string { return j.name }
func (j *FuncJob) Run() error   { return j.fn() }

// WindowGate reports whether the trading window is open.
type WindowGate interface {
	InWindow(now time.Time) bool
}

// WindowJob runs its task only while the trading window is open.
// Out-of-window fires are quiet no-ops so the 30-second grid does not
// flood the log overnight.
type WindowJob struct {
	name string
	gate WindowGate
	fn   func() error
	now  func() time.Time
}

// NewWindowJob wraps fn so it only runs inside the trading window.
func NewWindowJob(name string, gate WindowGate, fn func() error) *WindowJob {
	return &WindowJob{name: name, gate: gate, fn: fn, now: time.Now}
}

func (j *WindowJob) Name() string { return j.name }

func (j *WindowJob) Run() error {
	if !j.gate.InWindow(j.now()) {
		return nil
	}
	return j.fn()
}

// Flattener closes the live book.
type Flattener interface {
	FlattenAll(ctx context.Context, reason string) (closed, failed int)
}

// FlattenJob force-closes every live position just before the trading
// window ends. It remembers the date of its last clean run so the
// warm-state restore does not replay a flatten after a same-day
// restart; the marker side satisfies statefile.FlattenMarker.
type FlattenJob struct {
	ctx  context.Context
	exec Flattener
	loc  *time.Location
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.Mutex
	last string
}

func NewFlattenJob(ctx context.Context, exec Flattener, loc *time.Location, log zerolog.Logger) *FlattenJob {
	if loc == nil {
		loc = time.UTC
	}
	return &FlattenJob{
		ctx:  ctx,
		exec: exec,
		loc:  loc,
		log:  log.With().Str("job", "flatten").Logger(),
		now:  time.Now,
	}
}

func (j *FlattenJob) Name() string { return "flatten" }

// Run flattens the live book once per trading date. Failed rows leave
// the date unmarked and surface as a job failure; the positions stay
// open for the operator.
func (j *FlattenJob) Run() error {
	today := j.now().In(j.loc).Format("2006-01-02")
	if j.LastFlatten() == today {
		j.log.Debug().Str("date", today).Msg("Window flatten already ran today")
		return nil
	}

	closed, failed := j.exec.FlattenAll(j.ctx, "window close")
	if failed > 0 {
		return fmt.Errorf("window flatten left %d positions open", failed)
	}

	j.SetLastFlatten(today)
	if closed > 0 {
		j.log.Info().Int("closed", closed).Str("date", today).Msg("Window flatten completed")
	}
	return nil
}

// LastFlatten returns the date of the last clean flatten, empty when
// none ran yet.
func (j *FlattenJob) LastFlatten() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// SetLastFlatten seeds the marker, normally from the warm-state restore.
func (j *FlattenJob) SetLastFlatten(date string) {
	j.mu.Lock()
	j.last = date
	j.mu.Unlock()
}

// FlattenSpec builds the cron entry that fires leadSecs before the
// window closes: "13:00" with a 10 second lead becomes
// "50 59 12 * * *".
func FlattenSpec(end string, leadSecs int) (string, error) {
	t, err := time.Parse("15:04", end)
	if err != nil {
		return "", fmt.Errorf("invalid window end %q: %w", end, err)
	}
	if leadSecs <= 0 {
		leadSecs = 10
	}
	at := t.Add(-time.Duration(leadSecs) * time.Second)
	return fmt.Sprintf("%d %d %d * * *", at.Second(), at.Minute(), at.Hour()), nil
}
