package trading

import (
	"fmt"
	"sync"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
)

// ModeStore is the slice of the settings repository the mode
// controller persists through.
type ModeStore interface {
	Get(key string) (*string, error)
	Set(key, value string, description *string) error
}

// ModeController holds the process trading mode and persists every
// switch, so a restart resumes in the mode the bot was left in. The
// market mode is fixed per process from configuration.
type ModeController struct {
	store  ModeStore
	market domain.MarketMode
	log    zerolog.Logger

	mu   sync.RWMutex
	mode domain.TradingMode
}

func NewModeController(store ModeStore, defaultMode domain.TradingMode, market domain.MarketMode, log zerolog.Logger) *ModeController {
	c := &ModeController{
		store:  store,
		market: market,
		log:    log.With().Str("component", "mode_controller").Logger(),
		mode:   defaultMode,
	}
	if c.mode != domain.ModeLive {
		c.mode = domain.ModeSimulation
	}
	if v, err := store.Get(domain.SettingTradingMode); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load persisted trading mode, using default")
	} else if v != nil {
		switch domain.TradingMode(*v) {
		case domain.ModeSimulation, domain.ModeLive:
			c.mode = domain.TradingMode(*v)
		default:
			c.log.Warn().Str("value", *v).Msg("Ignoring unknown persisted trading mode")
		}
	}
	c.log.Info().Str("mode", string(c.mode)).Str("market", string(market)).Msg("Trading mode initialized")
	return c
}

func (c *ModeController) Mode() domain.TradingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *ModeController) IsLive() bool {
	return c.Mode() == domain.ModeLive
}

func (c *ModeController) MarketMode() domain.MarketMode {
	return c.market
}

// SetMode switches the trading mode and persists it. Switching to the
// current mode is a no-op.
func (c *ModeController) SetMode(mode domain.TradingMode, reason string) error {
	if mode != domain.ModeSimulation && mode != domain.ModeLive {
		return fmt.Errorf("unknown trading mode %q", mode)
	}
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return nil
	}
	prev := c.mode
	c.mode = mode
	c.mu.Unlock()

	if err := c.store.Set(domain.SettingTradingMode, string(mode), nil); err != nil {
		return fmt.Errorf("failed to persist trading mode: %w", err)
	}
	c.log.Info().
		Str("from", string(prev)).
		Str("to", string(mode)).
		Str("reason", reason).
		Msg("Trading mode switched")
	return nil
}
