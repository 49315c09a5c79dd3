// Package news runs the news veto pipeline: pull the bridge's headline
// feed, ask the model for a structured verdict and cache it with a TTL.
// The cached verdict is what the risk gates consult; the pipeline fails
// open after expiry with the one exception of a standing veto, which is
// honored for twice the TTL.
package news

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/clients/ollama"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultRefreshInterval matches the scheduler's news cadence.
const DefaultRefreshInterval = 10 * time.Minute

const verdictPrompt = `You are the news risk screen for a Taiwan equities trading session.
Assess the headlines below for market-moving risk to the traded symbols.
Respond with a single JSON object with keys "veto" (boolean, true when trading should pause), "score" (number 0.0-1.0, overall risk), and "reason" (short string). No other text.

Headlines:
`

// FeedSource is the bridge's news endpoint.
type FeedSource interface {
	GetNewsSignal(ctx context.Context) (*bridge.NewsSignal, error)
}

// Evaluator is the structured LLM call used to turn headlines into a verdict.
type Evaluator interface {
	EvaluateStructured(ctx context.Context, prompt string, expectedKeys []string, insightType, source, symbol string) (map[string]interface{}, error)
}

// EventRecorder persists audit events.
type EventRecorder interface {
	Create(ev *domain.Event) error
}

// Monitor owns the cached news verdict.
type Monitor struct {
	feed   FeedSource
	llm    Evaluator
	events EventRecorder
	ttl    time.Duration
	log    zerolog.Logger

	mu            sync.Mutex
	verdict       *domain.NewsVerdict
	expiredWarned bool

	now func() time.Time
}

func NewMonitor(feed FeedSource, llm Evaluator, events EventRecorder, refreshInterval time.Duration, log zerolog.Logger) *Monitor {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Monitor{
		feed:   feed,
		llm:    llm,
		events: events,
		ttl:    refreshInterval,
		log:    log.With().Str("component", "news_monitor").Logger(),
		now:    time.Now,
	}
}

// Refresh pulls the feed and replaces the cached verdict. On any failure
// the previous verdict stays cached and ages out through the TTL rules.
func (m *Monitor) Refresh(ctx context.Context) error {
	sig, err := m.feed.GetNewsSignal(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("News feed unavailable, keeping cached verdict")
		return fmt.Errorf("failed to fetch news signal: %w", err)
	}

	if len(sig.Headlines) == 0 {
		m.store(domain.NewsVerdict{
			Veto:        false,
			Score:       0.5,
			Reason:      "no headlines in feed",
			RefreshedAt: m.now(),
		})
		return nil
	}

	var b strings.Builder
	b.WriteString(verdictPrompt)
	for _, h := range sig.Headlines {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}

	result, err := m.llm.EvaluateStructured(ctx, b.String(),
		[]string{"veto", "score", "reason"}, ollama.InsightNewsVeto, "news_monitor", "")
	if err != nil {
		m.log.Warn().Err(err).Msg("News verdict evaluation failed, keeping cached verdict")
		return fmt.Errorf("failed to evaluate news verdict: %w", err)
	}

	verdict := domain.NewsVerdict{
		Veto:           coerceBool(result["veto"]),
		Score:          coerceFloat(result["score"], 0.5),
		Reason:         coerceString(result["reason"]),
		HeadlinesCount: len(sig.Headlines),
		RefreshedAt:    m.now(),
	}
	m.store(verdict)

	m.log.Info().
		Bool("veto", verdict.Veto).
		Float64("score", verdict.Score).
		Int("headlines", verdict.HeadlinesCount).
		Msg("News verdict refreshed")
	return nil
}

func (m *Monitor) store(v domain.NewsVerdict) {
	m.mu.Lock()
	m.verdict = &v
	m.expiredWarned = false
	m.mu.Unlock()
}

// Verdict returns the effective verdict after applying the TTL rules:
// fresh verdicts pass through, an expired veto holds for twice the TTL,
// and anything older falls back to a neutral non-veto.
func (m *Monitor) Verdict() domain.NewsVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.verdict == nil {
		return domain.NewsVerdict{Score: 0.5, Reason: "no news verdict yet"}
	}

	age := m.now().Sub(m.verdict.RefreshedAt)
	if age <= m.ttl {
		return *m.verdict
	}
	if m.verdict.Veto && age <= 2*m.ttl {
		return *m.verdict
	}

	if !m.expiredWarned {
		m.expiredWarned = true
		m.log.Warn().Dur("age", age).Msg("News verdict expired without refresh, failing open")
		if m.events != nil {
			if err := m.events.Create(&domain.Event{
				Type:      domain.EventWarning,
				Category:  "news",
				Component: "news_monitor",
				Message:   "news verdict expired without refresh, trading without news screen",
			}); err != nil {
				m.log.Error().Err(err).Msg("Failed to record news expiry event")
			}
		}
	}
	return domain.NewsVerdict{Score: 0.5, Reason: "news verdict expired", RefreshedAt: m.verdict.RefreshedAt}
}

// Vetoed reports whether the effective verdict blocks trading.
func (m *Monitor) Vetoed() bool {
	return m.Verdict().Veto
}

// Snapshot returns the raw cached verdict for the warm-state file, nil
// when nothing was ever cached.
func (m *Monitor) Snapshot() *domain.NewsVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verdict == nil {
		return nil
	}
	v := *m.verdict
	return &v
}

// Restore seeds the cache from a warm-state snapshot. Ancient snapshots
// are accepted; the TTL rules age them out on first read.
func (m *Monitor) Restore(v *domain.NewsVerdict) {
	if v == nil || v.RefreshedAt.IsZero() {
		return
	}
	m.store(*v)
	m.log.Info().Bool("veto", v.Veto).Time("refreshed_at", v.RefreshedAt).Msg("News verdict restored from snapshot")
}

func coerceBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes"
	}
	return false
}

func coerceFloat(v interface{}, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return fallback
}

func coerceString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
