package server

import (
	"encoding/json"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/taipei-trader/internal/database"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/trading"
)

// ModeSource reports the current trading and market mode.
type ModeSource interface {
	Mode() domain.TradingMode
	MarketMode() domain.MarketMode
}

// StateSource reports the bot state machine.
type StateSource interface {
	State() domain.BotState
	HaltReason() string
}

// TickSource exposes the most recent tick summary.
type TickSource interface {
	LastTick() trading.TickSummary
}

// Connectivity reports whether the broker bridge is reachable and
// which endpoint the bot talks to.
type Connectivity interface {
	IsConnected() bool
	BaseURL() string
}

// TradeLedger reads positions and realized P&L.
type TradeLedger interface {
	GetOpen(mode domain.TradingMode) ([]*domain.Trade, error)
	RealizedPnLSince(since time.Time, mode domain.TradingMode) (float64, error)
}

// ActiveSource names the currently selected strategy.
type ActiveSource interface {
	GetActiveStrategy() (*domain.ActiveStrategyConfig, error)
}

// SettingsSource reads bot settings.
type SettingsSource interface {
	Get(key string) (*string, error)
}

// EventSource reads the audit log.
type EventSource interface {
	GetRecent(limit int, eventType domain.EventType) ([]*domain.Event, error)
}

// StatsSource reads daily statistics rows.
type StatsSource interface {
	GetRange(fromDate, toDate string) ([]*domain.DailyStatistics, error)
}

// DatabaseStats exposes store-level health numbers.
type DatabaseStats interface {
	GetStats() (*database.Stats, error)
	Path() string
}

// StatusHandlers serves the read-only API endpoints.
type StatusHandlers struct {
	mode     ModeSource
	state    StateSource
	ticks    TickSource
	bridge   Connectivity
	trades   TradeLedger
	active   ActiveSource
	settings SettingsSource
	events   EventSource
	stats    StatsSource
	db       DatabaseStats

	loc       *time.Location
	log       zerolog.Logger
	startedAt time.Time
	now       func() time.Time
}

// NewStatusHandlers wires the handlers from the server config.
func NewStatusHandlers(cfg Config) *StatusHandlers {
	loc := cfg.Loc
	if loc == nil {
		loc = time.UTC
	}
	return &StatusHandlers{
		mode:      cfg.Mode,
		state:     cfg.State,
		ticks:     cfg.Ticks,
		bridge:    cfg.Bridge,
		trades:    cfg.Trades,
		active:    cfg.Active,
		settings:  cfg.Settings,
		events:    cfg.Events,
		stats:     cfg.Stats,
		db:        cfg.DB,
		loc:       loc,
		log:       cfg.Log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// TickInfo is the JSON shape of the last tick summary.
type TickInfo struct {
	At         time.Time `json:"at"`
	Symbol     string    `json:"symbol"`
	Evaluated  int       `json:"evaluated"`
	Actionable int       `json:"actionable"`
	Consensus  string    `json:"consensus"`
}

// StatusResponse is the bot status snapshot.
type StatusResponse struct {
	Mode            string    `json:"mode"`
	MarketMode      string    `json:"market_mode"`
	State           string    `json:"state"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	BridgeConnected bool      `json:"bridge_connected"`
	BridgeURL       string    `json:"bridge_url"`
	ActiveStrategy  string    `json:"active_strategy,omitempty"`
	ActiveSymbol    string    `json:"active_symbol,omitempty"`
	TodayPnL        *float64  `json:"today_pnl,omitempty"`
	OpenPositions   int       `json:"open_positions"`
	LastTick        *TickInfo `json:"last_tick,omitempty"`
}

// HandleStatus returns the current bot status.
// GET /api/status
func (h *StatusHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	mode := h.mode.Mode()
	resp := StatusResponse{
		Mode:            string(mode),
		MarketMode:      string(h.mode.MarketMode()),
		State:           string(h.state.State()),
		BridgeConnected: h.bridge.IsConnected(),
		BridgeURL:       h.bridge.BaseURL(),
	}
	if resp.State == string(domain.StateEmergencyHalt) {
		resp.HaltReason = h.state.HaltReason()
	}

	if cfg, err := h.active.GetActiveStrategy(); err == nil && cfg != nil {
		resp.ActiveStrategy = cfg.StrategyName
	}
	if symbol, err := h.settings.Get(domain.SettingCurrentActiveStock); err == nil && symbol != nil {
		resp.ActiveSymbol = *symbol
	}

	if pnl, err := h.trades.RealizedPnLSince(h.dayStart(), mode); err == nil {
		resp.TodayPnL = &pnl
	} else {
		h.log.Warn().Err(err).Msg("Failed to read today's P&L")
	}
	if open, err := h.trades.GetOpen(mode); err == nil {
		resp.OpenPositions = len(open)
	} else {
		h.log.Warn().Err(err).Msg("Failed to count open positions")
	}

	if last := h.ticks.LastTick(); !last.At.IsZero() {
		resp.LastTick = &TickInfo{
			At:         last.At,
			Symbol:     last.Symbol,
			Evaluated:  last.Evaluated,
			Actionable: last.Actionable,
			Consensus:  string(last.Consensus.Direction),
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// PositionsResponse lists open positions in both books.
type PositionsResponse struct {
	Live       []*domain.Trade `json:"live"`
	Simulation []*domain.Trade `json:"simulation"`
}

// HandlePositions returns open positions for the live and shadow books.
// GET /api/positions
func (h *StatusHandlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	live, err := h.trades.GetOpen(domain.ModeLive)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load live positions")
		h.writeError(w, http.StatusInternalServerError, "failed to load live positions")
		return
	}
	sim, err := h.trades.GetOpen(domain.ModeSimulation)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load simulation positions")
		h.writeError(w, http.StatusInternalServerError, "failed to load simulation positions")
		return
	}

	if live == nil {
		live = []*domain.Trade{}
	}
	if sim == nil {
		sim = []*domain.Trade{}
	}
	h.writeJSON(w, http.StatusOK, PositionsResponse{Live: live, Simulation: sim})
}

// EventsResponse wraps a page of audit log rows.
type EventsResponse struct {
	Events []*domain.Event `json:"events"`
	Count  int             `json:"count"`
}

// HandleRecentEvents returns the newest audit log rows.
// GET /api/events/recent?limit=50&type=ERROR
func (h *StatusHandlers) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	eventType := domain.EventType(r.URL.Query().Get("type"))

	events, err := h.events.GetRecent(limit, eventType)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load events")
		h.writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	h.writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

// DailyStatsResponse carries daily statistics rows for a date window.
type DailyStatsResponse struct {
	From string                    `json:"from"`
	To   string                    `json:"to"`
	Rows []*domain.DailyStatistics `json:"rows"`
}

// HandleDailyStats returns daily statistics for the last N days.
// GET /api/stats/daily?days=7
func (h *StatusHandlers) HandleDailyStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	if days > 90 {
		days = 90
	}

	now := h.now().In(h.loc)
	to := now.Format("2006-01-02")
	from := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")

	rows, err := h.stats.GetRange(from, to)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load daily stats")
		h.writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}

	out := make([]*domain.DailyStatistics, 0, len(rows))
	for _, row := range rows {
		clean := *row
		// encoding/json cannot carry +Inf; 999 stands in for a
		// period with no losing trades.
		if math.IsInf(clean.ProfitFactor, 0) || math.IsNaN(clean.ProfitFactor) {
			clean.ProfitFactor = 999
		}
		out = append(out, &clean)
	}

	h.writeJSON(w, http.StatusOK, DailyStatsResponse{From: from, To: to, Rows: out})
}

// DatabaseInfo summarizes the SQLite store.
type DatabaseInfo struct {
	Path      string  `json:"path"`
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
	FreePages int64   `json:"free_pages"`
}

// SystemStatusResponse reports process and host health.
type SystemStatusResponse struct {
	Uptime        string        `json:"uptime"`
	Goroutines    int           `json:"goroutines"`
	GoVersion     string        `json:"go_version"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	MemoryUsedMB  float64       `json:"memory_used_mb"`
	HeapAllocMB   float64       `json:"heap_alloc_mb"`
	Database      *DatabaseInfo `json:"database,omitempty"`
}

// HandleSystemStatus returns process and host health numbers.
// GET /api/system/status
func (h *StatusHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct, usedMB := h.systemStats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := SystemStatusResponse{
		Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		MemoryUsedMB:  usedMB,
		HeapAllocMB:   float64(ms.HeapAlloc) / 1024 / 1024,
	}

	if h.db != nil {
		if stats, err := h.db.GetStats(); err == nil {
			resp.Database = &DatabaseInfo{
				Path:      h.db.Path(),
				SizeMB:    float64(stats.SizeBytes) / 1024 / 1024,
				WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
				FreePages: stats.FreelistCount,
			}
		} else {
			h.log.Warn().Err(err).Msg("Failed to read database stats")
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// systemStats reads CPU and RAM usage. The 100ms CPU sample keeps the
// endpoint fast enough for a dashboard polling every couple of seconds.
func (h *StatusHandlers) systemStats() (cpuPct, memPct, usedMB float64) {
	cpuSamples, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuSamples) > 0 {
		cpuPct = cpuSamples[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPct, 0, 0
	}
	return cpuPct, memStat.UsedPercent, float64(memStat.Used) / 1024 / 1024
}

func (h *StatusHandlers) dayStart() time.Time {
	now := h.now().In(h.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.loc)
}

// writeJSON writes a JSON response
func (h *StatusHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *StatusHandlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
