package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OrderClient is the slice of the bridge client the executor uses.
type OrderClient interface {
	DryRunOrder(ctx context.Context, order map[string]interface{}) (*bridge.OrderResult, error)
	PlaceOrder(ctx context.Context, order map[string]interface{}) (*bridge.OrderResult, error)
}

// TradeStore is the slice of the trade repository the executor writes.
type TradeStore interface {
	Create(trade *domain.Trade) (int64, error)
	Close(id int64, exitPrice, realizedPnL float64, exitReason string, holdMinutes int64, slippageBps *float64) error
	GetOpen(mode domain.TradingMode) ([]*domain.Trade, error)
	GetOpenBySymbol(symbol string, mode domain.TradingMode) ([]*domain.Trade, error)
}

// PriceSource provides the latest observed price for flatten fills.
type PriceSource interface {
	LastPrice(symbol string) (float64, time.Time, bool)
}

// Executor owns order submission: dry-run pre-flight, live submission,
// fill recording with slippage, flatten-at-close, and the shadow track
// that never touches the broker.
type Executor struct {
	bridge     OrderClient
	trades     TradeStore
	registry   *strategies.Registry
	prices     PriceSource
	notifier   Notifier
	events     EventRecorder
	marketMode func() domain.MarketMode
	loc        *time.Location
	log        zerolog.Logger
	now        func() time.Time
	newOrderID func() string
}

type ExecutorDeps struct {
	Bridge     OrderClient
	Trades     TradeStore
	Registry   *strategies.Registry
	Prices     PriceSource
	Notifier   Notifier
	Events     EventRecorder
	MarketMode func() domain.MarketMode
	Location   *time.Location
	Log        zerolog.Logger
}

func NewExecutor(d ExecutorDeps) *Executor {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Executor{
		bridge:     d.Bridge,
		trades:     d.Trades,
		registry:   d.Registry,
		prices:     d.Prices,
		notifier:   d.Notifier,
		events:     d.Events,
		marketMode: d.MarketMode,
		loc:        loc,
		log:        d.Log.With().Str("component", "executor").Logger(),
		now:        time.Now,
		newOrderID: func() string { return uuid.New().String() },
	}
}

// ExecuteShadow books an immediate simulated fill against the
// strategy's private portfolio and records the trade row. Shadow exits
// unwind the whole position. Never notifies, never touches the broker.
func (e *Executor) ExecuteShadow(strategy string, sig domain.TradeSignal, quantity float64, mc *domain.MarketContext) {
	pf := e.registry.Portfolio(strategy)
	if pf == nil {
		e.log.Warn().Str("strategy", strategy).Msg("No shadow portfolio registered")
		return
	}
	price := mc.CurrentPrice
	now := e.now()

	switch sig.Direction {
	case domain.DirectionLong:
		pf.ApplyFill(mc.Symbol, domain.ActionBuy, quantity, price, now)
		trade := &domain.Trade{
			Timestamp:    now,
			Symbol:       mc.Symbol,
			Action:       domain.ActionBuy,
			Quantity:     quantity,
			EntryPrice:   price,
			StrategyName: strategy,
			EntryReason:  sig.Reason,
			Mode:         domain.ModeSimulation,
			Status:       domain.TradeOpen,
			MarketCode:   e.marketCode(),
			TimeBucket:   timeBucket(now.In(e.loc)),
		}
		if _, err := e.trades.Create(trade); err != nil {
			e.log.Error().Err(err).Str("strategy", strategy).Msg("Failed to record shadow entry")
			return
		}
		e.log.Debug().Str("strategy", strategy).Str("symbol", mc.Symbol).
			Float64("qty", quantity).Float64("price", price).Msg("Shadow entry booked")

	case domain.DirectionShort:
		held := pf.Position(mc.Symbol)
		if held <= 0 {
			e.log.Debug().Str("strategy", strategy).Msg("No shadow position to exit, signal skipped")
			return
		}
		realized := pf.ApplyFill(mc.Symbol, domain.ActionSell, held, price, now)
		e.closeShadowRows(strategy, mc.Symbol, price, sig.Reason)
		e.log.Debug().Str("strategy", strategy).Str("symbol", mc.Symbol).
			Float64("realized", realized).Msg("Shadow exit booked")
	}
}

// closeShadowRows closes every open simulated row of one strategy for
// the symbol, each against its own entry.
func (e *Executor) closeShadowRows(strategy, symbol string, price float64, reason string) {
	rows, err := e.trades.GetOpenBySymbol(symbol, domain.ModeSimulation)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to load open shadow rows")
		return
	}
	for _, row := range rows {
		if row.StrategyName != strategy {
			continue
		}
		realized := (price - row.EntryPrice) * row.Quantity
		hold := int64(e.now().Sub(row.Timestamp).Minutes())
		if err := e.trades.Close(row.ID, price, realized, reason, hold, nil); err != nil {
			e.log.Error().Err(err).Int64("trade_id", row.ID).Msg("Failed to close shadow row")
		}
	}
}

// ExecuteLive submits an approved proposal: dry-run first, then the
// live order, then the trade row with slippage against the price hint.
// A 4xx dry-run rejection aborts with a WARNING event; terminal
// submission failures abort with an ERROR event and a notification.
func (e *Executor) ExecuteLive(ctx context.Context, p TradeProposal) error {
	action := domain.ActionBuy
	if p.Direction == domain.DirectionShort {
		action = domain.ActionSell
	}
	orderID := e.newOrderID()
	payload := map[string]interface{}{
		"symbol":   p.Symbol,
		"action":   string(action),
		"quantity": p.Quantity,
		"price":    p.Price,
		"order_id": orderID,
		"mode":     string(domain.ModeLive),
		"strategy": p.Strategy,
	}

	if _, err := e.bridge.DryRunOrder(ctx, payload); err != nil {
		var se *bridge.StatusError
		if errors.As(err, &se) {
			e.recordEvent(domain.EventWarning, fmt.Sprintf("dry-run rejected %s %s: %v", action, p.Symbol, err))
			e.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Dry-run rejected order")
			return fmt.Errorf("dry-run rejected: %w", err)
		}
		e.failOrder(action, p, err, "dry-run failed")
		return fmt.Errorf("dry-run failed: %w", err)
	}

	result, err := e.bridge.PlaceOrder(ctx, payload)
	if err != nil {
		e.failOrder(action, p, err, "order submission failed")
		return fmt.Errorf("order submission failed: %w", err)
	}

	fill := fillPrice(result, p.Price)
	slip := slippageBps(action, p.Price, fill)
	now := e.now()

	if action == domain.ActionBuy {
		trade := &domain.Trade{
			Timestamp:    now,
			Symbol:       p.Symbol,
			Action:       domain.ActionBuy,
			Quantity:     p.Quantity,
			EntryPrice:   fill,
			StrategyName: p.Strategy,
			EntryReason:  p.Reason,
			Mode:         domain.ModeLive,
			Status:       domain.TradeOpen,
			MarketCode:   e.marketCode(),
			OrderID:      orderID,
			SlippageBps:  &slip,
			TimeBucket:   timeBucket(now.In(e.loc)),
		}
		if _, err := e.trades.Create(trade); err != nil {
			e.recordEvent(domain.EventError, fmt.Sprintf("filled order %s not recorded: %v", orderID, err))
			return fmt.Errorf("failed to record live trade: %w", err)
		}
	} else {
		e.closeLiveRows(p.Symbol, fill, p.Reason, &slip)
	}

	msg := fmt.Sprintf("Order filled: %s %s x%.0f @ %.2f (%s)", action, p.Symbol, p.Quantity, fill, p.Strategy)
	e.recordEvent(domain.EventSuccess, msg)
	e.log.Info().Str("order_id", orderID).Str("symbol", p.Symbol).
		Str("action", string(action)).Float64("fill", fill).Float64("slippage_bps", slip).
		Msg("Order filled")
	if e.notifier != nil {
		e.notifier.Notify("✅ " + msg)
	}
	return nil
}

func (e *Executor) failOrder(action domain.TradeAction, p TradeProposal, err error, stage string) {
	msg := fmt.Sprintf("%s: %s %s x%.0f: %v", stage, action, p.Symbol, p.Quantity, err)
	e.recordEvent(domain.EventError, msg)
	e.log.Error().Err(err).Str("symbol", p.Symbol).Msg(stage)
	if e.notifier != nil {
		e.notifier.Notify("❌ " + msg)
	}
}

// closeLiveRows closes every open live row for the symbol against the
// fill. A sell with no open rows opens a short row instead, which only
// happens in futures mode past the risk gates.
func (e *Executor) closeLiveRows(symbol string, fill float64, reason string, slip *float64) {
	rows, err := e.trades.GetOpenBySymbol(symbol, domain.ModeLive)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to load open live rows")
		return
	}
	if len(rows) == 0 {
		trade := &domain.Trade{
			Timestamp:    e.now(),
			Symbol:       symbol,
			Action:       domain.ActionSell,
			Quantity:     1,
			EntryPrice:   fill,
			EntryReason:  reason,
			Mode:         domain.ModeLive,
			Status:       domain.TradeOpen,
			MarketCode:   e.marketCode(),
			SlippageBps:  slip,
			TimeBucket:   timeBucket(e.now().In(e.loc)),
			StrategyName: "",
		}
		if _, err := e.trades.Create(trade); err != nil {
			e.log.Error().Err(err).Msg("Failed to record short entry")
		}
		return
	}
	for _, row := range rows {
		realized := realizedFor(row, fill)
		hold := int64(e.now().Sub(row.Timestamp).Minutes())
		if err := e.trades.Close(row.ID, fill, realized, reason, hold, slip); err != nil {
			e.log.Error().Err(err).Int64("trade_id", row.ID).Msg("Failed to close live row")
		}
	}
}

// FlattenAll closes every open live position, one retry per failure.
// Rows that still fail stay OPEN with an ERROR event and an alert.
func (e *Executor) FlattenAll(ctx context.Context, reason string) (closed, failed int) {
	rows, err := e.trades.GetOpen(domain.ModeLive)
	if err != nil {
		e.recordEvent(domain.EventError, fmt.Sprintf("flatten aborted, open rows unavailable: %v", err))
		e.log.Error().Err(err).Msg("Flatten aborted")
		return 0, 0
	}
	if len(rows) == 0 {
		return 0, 0
	}
	e.log.Info().Int("positions", len(rows)).Str("reason", reason).Msg("Flattening live positions")

	for _, row := range rows {
		price, _, ok := e.prices.LastPrice(row.Symbol)
		if !ok || price <= 0 {
			price = row.EntryPrice
			e.log.Warn().Str("symbol", row.Symbol).Msg("No live price for flatten, using entry")
		}
		closing := domain.ActionSell
		if row.Action == domain.ActionSell {
			closing = domain.ActionBuy
		}
		payload := map[string]interface{}{
			"symbol":   row.Symbol,
			"action":   string(closing),
			"quantity": row.Quantity,
			"price":    price,
			"order_id": e.newOrderID(),
			"mode":     string(domain.ModeLive),
			"strategy": row.StrategyName,
		}

		_, err := e.bridge.PlaceOrder(ctx, payload)
		if err != nil {
			// One retry per row, then give up loudly.
			_, err = e.bridge.PlaceOrder(ctx, payload)
		}
		if err != nil {
			failed++
			msg := fmt.Sprintf("failed to flatten %s x%.0f (trade %d): %v", row.Symbol, row.Quantity, row.ID, err)
			e.recordEvent(domain.EventError, msg)
			e.log.Error().Err(err).Int64("trade_id", row.ID).Msg("Flatten failed, position stays open")
			if e.notifier != nil {
				e.notifier.Notify("⚠️ " + msg)
			}
			continue
		}

		realized := realizedFor(row, price)
		hold := int64(e.now().Sub(row.Timestamp).Minutes())
		if err := e.trades.Close(row.ID, price, realized, reason, hold, nil); err != nil {
			e.log.Error().Err(err).Int64("trade_id", row.ID).Msg("Flatten fill not recorded")
			continue
		}
		closed++
	}

	if closed > 0 {
		e.recordEvent(domain.EventInfo, fmt.Sprintf("flattened %d live positions (%s)", closed, reason))
	}
	return closed, failed
}

func (e *Executor) recordEvent(t domain.EventType, msg string) {
	if err := e.events.Create(&domain.Event{
		Type:      t,
		Category:  "trading",
		Component: "executor",
		Message:   msg,
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to record executor event")
	}
}

func (e *Executor) marketCode() string {
	if e.marketMode == nil {
		return "TWSE"
	}
	switch e.marketMode() {
	case domain.MarketModeFutures:
		return "TAIFEX"
	default:
		return "TWSE"
	}
}

// realizedFor computes side-consistent realized P&L for a closing fill.
func realizedFor(row *domain.Trade, exit float64) float64 {
	if row.Action == domain.ActionSell {
		return (row.EntryPrice - exit) * row.Quantity
	}
	return (exit - row.EntryPrice) * row.Quantity
}

// fillPrice extracts the executed price from the bridge echo, falling
// back to the hint when absent.
func fillPrice(result *bridge.OrderResult, hint float64) float64 {
	if result == nil || result.Echo == nil {
		return hint
	}
	if v, ok := result.Echo["price"].(float64); ok && v > 0 {
		return v
	}
	return hint
}

// slippageBps is adverse-positive: paying up on a buy and getting hit
// on a sell both come out positive.
func slippageBps(action domain.TradeAction, hint, fill float64) float64 {
	if hint <= 0 {
		return 0
	}
	bps := (fill - hint) / hint * 10000
	if action == domain.ActionSell {
		bps = -bps
	}
	return bps
}

func timeBucket(t time.Time) string {
	return fmt.Sprintf("%02d:00-%02d:00", t.Hour(), t.Hour()+1)
}
