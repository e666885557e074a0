// Package engine drives the position lifecycle: signal intake, order
// execution, position monitoring and startup reconciliation.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/gateway"
	"autotrader/internal/store"
	"autotrader/internal/telemetry"
)

// Engine is the execution loop. Each tick it evaluates circuit breakers,
// takes in fresh decisions and signals, and monitors open positions for exit
// conditions. Pair processing is sequential within a tick; failures are
// absorbed per pair and never terminate the loop.
type Engine struct {
	cfg        *config.Config
	gateway    *gateway.Gateway
	store      core.IStore
	safeguards core.ISafeguards
	breaker    core.ICircuitBreaker
	notifier   core.INotifier
	metrics    *telemetry.Metrics
	logger     core.ILogger

	// Injected clock, overridable in tests
	now func() time.Time

	// Signal/decision ids that have been attempted, success or failure.
	// A signal is executed at most once within its staleness window.
	attempted map[string]bool

	// Cooldown gate set by circuit breakers; ticks are skipped until it
	// passes.
	pausedUntil time.Time
}

func New(
	cfg *config.Config,
	gw *gateway.Gateway,
	store core.IStore,
	safeguards core.ISafeguards,
	breaker core.ICircuitBreaker,
	notifier core.INotifier,
	metrics *telemetry.Metrics,
	logger core.ILogger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		gateway:    gw,
		store:      store,
		safeguards: safeguards,
		breaker:    breaker,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger.WithField("component", "engine"),
		now:        time.Now,
		attempted:  make(map[string]bool),
	}
}

// Run starts the execution loop and blocks until ctx is canceled. Startup
// work (symbol info, leverage, capital snapshot, reconciliation) happens
// before the first tick.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	interval := time.Duration(e.cfg.Trading.ExecutionIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Execution loop started",
		"pairs", e.cfg.Trading.Pairs, "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Execution loop stopped", "reason", ctx.Err())
			// Parent context is already canceled, give the farewell its own.
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.notifier.Notify(notifyCtx, core.AlertInfo, "Trader stopped", "Execution loop shut down", nil)
			cancel()
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) startup(ctx context.Context) error {
	if err := e.gateway.LoadSymbolInfo(ctx, e.cfg.Trading.Pairs); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	for _, pair := range e.cfg.Trading.Pairs {
		if err := e.gateway.SetLeverage(ctx, pair, e.cfg.Trading.Leverage); err != nil {
			e.logger.Warn("Failed to set leverage", "pair", pair, "error", err)
		}
	}

	balance, err := e.gateway.GetBalance(ctx)
	if err != nil {
		e.logger.Warn("Could not read balance at startup", "error", err)
	} else {
		if err := e.store.SaveInitialCapital(ctx, balance); err != nil {
			e.logger.Warn("Failed to record initial capital", "error", err)
		}
		e.metrics.Balance.Set(balanceFloat(balance))
	}

	reconciler := NewReconciler(e.gateway, e.store, e.notifier, e.logger)
	reconciler.Reconcile(ctx, e.cfg.Trading.Pairs)

	e.notifier.Notify(ctx, core.AlertInfo, "Trader started",
		fmt.Sprintf("Monitoring %d pairs", len(e.cfg.Trading.Pairs)),
		map[string]string{"balance": balance.StringFixed(2)})

	return nil
}

// Tick runs one iteration of the execution loop.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()
	if now.Before(e.pausedUntil) {
		e.logger.Debug("In cooldown, skipping tick", "until", e.pausedUntil.Format(time.RFC3339))
		return
	}

	if e.checkBreakers(ctx) {
		return
	}

	for _, pair := range e.cfg.Trading.Pairs {
		e.processPair(ctx, pair)
	}

	e.monitorPositions(ctx)
}

// checkBreakers evaluates the portfolio-level halts. Returns true when the
// tick should be skipped.
func (e *Engine) checkBreakers(ctx context.Context) bool {
	if e.checkDrawdownBreaker(ctx) {
		return true
	}

	if e.breaker.IsTripped() {
		losses := e.breaker.ConsecutiveLosses()
		e.logger.Warn("Consecutive-loss breaker tripped", "losses", losses)
		e.notifier.Notify(ctx, core.AlertCritical, "Trading paused",
			fmt.Sprintf("%d consecutive losses, cooling down", losses), nil)
		e.metrics.BreakerTrips.WithLabelValues("loss_streak").Inc()
		e.pausedUntil = e.now().Add(time.Duration(e.cfg.Trading.LossStreakCooldownMinutes) * time.Minute)
		e.breaker.Reset()
		return true
	}

	today := e.now().UTC().Format("2006-01-02")
	count, err := e.store.GetDailyCounter(ctx, today)
	if err != nil {
		e.logger.Warn("Daily counter unavailable", "error", err)
	} else if count >= e.cfg.Safeguards.MaxTradesPerDay {
		e.logger.Info("Daily trade limit reached, skipping tick", "count", count)
		e.metrics.BreakerTrips.WithLabelValues("daily_limit").Inc()
		e.pausedUntil = e.now().Add(time.Duration(e.cfg.Trading.DailyLimitCooldownMinutes) * time.Minute)
		return true
	}

	return false
}

func (e *Engine) checkDrawdownBreaker(ctx context.Context) bool {
	initial, err := e.store.GetInitialCapital(ctx)
	if err != nil || !initial.IsPositive() {
		return false
	}
	balance, err := e.gateway.GetBalance(ctx)
	if err != nil {
		return false
	}
	e.metrics.Balance.Set(balanceFloat(balance))

	if balance.GreaterThanOrEqual(initial) {
		return false
	}
	drawdown := initial.Sub(balance).Div(initial)
	if drawdown.LessThan(decimal.NewFromFloat(e.cfg.Safeguards.MaxDrawdown)) {
		return false
	}

	e.logger.Error("Maximum drawdown exceeded, halting",
		"drawdown", drawdown.StringFixed(4), "balance", balance.StringFixed(2))
	e.notifier.Notify(ctx, core.AlertCritical, "Max drawdown exceeded",
		fmt.Sprintf("Drawdown %s%%, trading paused", drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2)),
		map[string]string{"balance": balance.StringFixed(2), "initial": initial.StringFixed(2)})
	e.metrics.BreakerTrips.WithLabelValues("drawdown").Inc()
	e.pausedUntil = e.now().Add(time.Duration(e.cfg.Trading.DrawdownCooldownMinutes) * time.Minute)
	return true
}

// processPair handles intake for one pair. Panics and errors are contained
// here so one pair cannot take down the loop.
func (e *Engine) processPair(ctx context.Context, pair string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while processing pair", "pair", pair, "panic", r)
		}
	}()

	if e.intakeDecision(ctx, pair) {
		return
	}
	e.intakeSignal(ctx, pair)
}

// intakeDecision consumes the latest TradeDecision for pair, if fresh and
// unattempted, through the safeguard engine. Returns true when a decision
// was handled (executed or blocked) so the legacy signal flow is skipped.
func (e *Engine) intakeDecision(ctx context.Context, pair string) bool {
	decision, err := e.store.GetLatestDecision(ctx, pair)
	if err != nil {
		e.logger.Warn("Failed to read decision", "pair", pair, "error", err)
		return false
	}
	if decision == nil {
		return false
	}

	if e.isStale(decision.Timestamp) {
		delete(e.attempted, decision.DecisionID)
		return false
	}
	if e.attempted[decision.DecisionID] {
		return false
	}
	if decision.Decision != core.DecisionApproved {
		return false
	}
	if e.hasOpenPosition(ctx, pair) {
		return false
	}

	// Mark before execution so a mid-execution crash cannot retry
	e.attempted[decision.DecisionID] = true

	report := e.safeguards.Validate(ctx, decision)
	if !report.Approved {
		for _, c := range report.Checks {
			if !c.Passed {
				e.metrics.SafeguardBlocks.WithLabelValues(c.CheckName).Inc()
			}
		}
		e.notifier.Notify(ctx, core.AlertWarning, "Trade blocked",
			fmt.Sprintf("%s %s: %s", decision.Direction, pair, report.BlockedReason), nil)
		return true
	}

	stopLoss := decision.StopLoss.Price
	var takeProfit decimal.Decimal
	if len(decision.TakeProfit) > 0 {
		takeProfit = decision.TakeProfit[0].Price
	}

	e.openPosition(ctx, openRequest{
		pair:           pair,
		side:           decision.Direction,
		size:           decision.PositionSizeUSD,
		stopLoss:       stopLoss,
		takeProfit:     takeProfit,
		referencePrice: decision.Entry.Price,
		sourceID:       decision.DecisionID,
	})
	return true
}

// intakeSignal is the legacy per-pair flow driven by raw signals.
func (e *Engine) intakeSignal(ctx context.Context, pair string) {
	signal, err := e.store.GetLatestSignal(ctx, pair)
	if err != nil {
		e.logger.Warn("Failed to read signal", "pair", pair, "error", err)
		return
	}
	if signal == nil {
		return
	}

	if e.isStale(signal.Timestamp) {
		// Evict so the same stale id is not retried if seen again
		delete(e.attempted, signal.SignalID)
		return
	}
	if e.attempted[signal.SignalID] {
		return
	}
	if signal.Action == core.ActionHold {
		return
	}
	if signal.Confidence < e.cfg.Safeguards.MinConfidence {
		e.logger.Debug("Signal below confidence threshold",
			"pair", pair, "confidence", signal.Confidence)
		return
	}
	if e.hasOpenPosition(ctx, pair) {
		return
	}
	if !e.hasOpenSlot(ctx) {
		return
	}

	// Mark before execution so a mid-execution crash cannot retry
	e.attempted[signal.SignalID] = true

	side := core.SideLong
	if signal.Action == core.ActionSell {
		side = core.SideShort
	}

	e.openPosition(ctx, openRequest{
		pair:           pair,
		side:           side,
		size:           signal.MarketData.PositionSize,
		stopLoss:       signal.MarketData.StopLoss,
		takeProfit:     signal.MarketData.TakeProfit,
		referencePrice: signal.MarketData.Price,
		sourceID:       signal.SignalID,
	})
}

type openRequest struct {
	pair           string
	side           core.Side
	size           decimal.Decimal
	stopLoss       decimal.Decimal
	takeProfit     decimal.Decimal
	referencePrice decimal.Decimal
	sourceID       string
}

// openPosition runs the open sequence: price resolution, stop-loss fallback,
// notional floor, slippage guard, order placement and persistence.
func (e *Engine) openPosition(ctx context.Context, req openRequest) {
	if !req.size.IsPositive() {
		e.logger.Warn("Zero position size, skipping", "pair", req.pair)
		return
	}

	price, err := e.gateway.GetPrice(ctx, req.pair)
	if err != nil || !price.IsPositive() {
		e.logger.Warn("Price unavailable, skipping", "pair", req.pair, "error", err)
		return
	}

	stopLoss := req.stopLoss
	if !stopLoss.IsPositive() {
		stopLoss = e.fallbackStopLoss(req.side, price)
		e.logger.Warn("Signal carried no stop-loss, synthesized fallback",
			"pair", req.pair, "stop_loss", stopLoss.String())
	}

	size := req.size
	minNotional := decimal.NewFromFloat(e.cfg.Trading.MinOrderNotional)
	if si, ok := e.gateway.SymbolInfo(req.pair); ok && si.MinNotional.GreaterThan(minNotional) {
		minNotional = si.MinNotional
	}
	if size.LessThan(minNotional) {
		e.logger.Info("Raising position size to notional floor",
			"pair", req.pair, "proposed", size.String(), "floor", minNotional.String())
		size = minNotional
	}

	if req.referencePrice.IsPositive() {
		slippage := price.Sub(req.referencePrice).Abs().
			Div(req.referencePrice).Mul(decimal.NewFromInt(100))
		if slippage.GreaterThan(decimal.NewFromFloat(e.cfg.Trading.MaxSlippagePct)) {
			e.logger.Warn("Slippage above threshold, aborting trade",
				"pair", req.pair, "slippage_pct", slippage.StringFixed(2))
			e.notifier.Notify(ctx, core.AlertWarning, "Trade aborted on slippage",
				fmt.Sprintf("%s: price moved %s%% from signal price", req.pair, slippage.StringFixed(2)),
				map[string]string{
					"reference": req.referencePrice.String(),
					"current":   price.String(),
				})
			return
		}
	}

	quantity := size.Div(price)
	fill, err := e.gateway.PlaceMarketOrder(ctx, req.pair, core.EntryOrderSide(req.side), quantity, price)
	if err != nil {
		e.logger.Error("Order failed", "pair", req.pair, "error", err)
		e.metrics.OrderFailures.WithLabelValues(req.pair).Inc()
		e.notifier.Notify(ctx, core.AlertError, "Order failed",
			fmt.Sprintf("%s %s: %v", req.side, req.pair, err), nil)
		return
	}

	position := &core.Position{
		PositionID: uuid.NewString(),
		Pair:       req.pair,
		Side:       req.side,
		EntryPrice: fill.AvgPrice,
		Size:       fill.Size,
		Quantity:   fill.Quantity,
		StopLoss:   stopLoss,
		TakeProfit: req.takeProfit,
		OpenedAt:   e.now(),
		SignalID:   req.sourceID,
		Leverage:   e.cfg.Trading.Leverage,
	}

	if err := e.store.SaveOpenPosition(ctx, position); err != nil {
		e.logger.Error("Failed to persist position", "pair", req.pair, "error", err)
	}

	e.metrics.OrdersPlaced.WithLabelValues(req.pair, string(core.EntryOrderSide(req.side))).Inc()
	e.metrics.OpenPositions.Inc()
	e.logger.Info("Position opened",
		"pair", req.pair, "side", req.side,
		"entry", fill.AvgPrice.String(), "quantity", fill.Quantity.String())
	e.notifier.Notify(ctx, core.AlertInfo, "Position opened",
		fmt.Sprintf("%s %s @ %s", req.side, req.pair, fill.AvgPrice.StringFixed(2)),
		map[string]string{
			"size":      fill.Size.StringFixed(2),
			"stop_loss": stopLoss.StringFixed(2),
		})
}

// fallbackStopLoss synthesizes a stop a fixed percentage from entry, below
// for LONG and above for SHORT.
func (e *Engine) fallbackStopLoss(side core.Side, entry decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(e.cfg.Trading.StopLossFallbackPct).Div(decimal.NewFromInt(100))
	if side == core.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(pct))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(pct))
}

// monitorPositions checks every open position for an exit trigger. The
// first matched trigger wins.
func (e *Engine) monitorPositions(ctx context.Context) {
	positions, err := e.store.GetAllOpenPositions(ctx)
	if err != nil {
		e.logger.Warn("Failed to read open positions", "error", err)
		return
	}

	for _, position := range positions {
		e.monitorPosition(ctx, position)
	}
}

func (e *Engine) monitorPosition(ctx context.Context, position *core.Position) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while monitoring position",
				"pair", position.Pair, "panic", r)
		}
	}()

	price, err := e.gateway.GetPrice(ctx, position.Pair)
	if err != nil || !price.IsPositive() {
		e.logger.Warn("Price unavailable, skipping position",
			"pair", position.Pair, "error", err)
		return
	}

	if reason, hit := e.exitTrigger(ctx, position, price); hit {
		e.closePosition(ctx, position, price, reason)
	}
}

// exitTrigger evaluates stop-loss, take-profit and opposing-signal triggers
// in that order.
func (e *Engine) exitTrigger(ctx context.Context, position *core.Position, price decimal.Decimal) (core.ExitReason, bool) {
	if position.StopLoss.IsPositive() {
		if position.Side == core.SideLong && price.LessThanOrEqual(position.StopLoss) {
			return core.ExitStopLoss, true
		}
		if position.Side == core.SideShort && price.GreaterThanOrEqual(position.StopLoss) {
			return core.ExitStopLoss, true
		}
	} else {
		e.logger.Warn("Position has no stop-loss", "pair", position.Pair, "id", position.PositionID)
	}

	if position.TakeProfit.IsPositive() {
		if position.Side == core.SideLong && price.GreaterThanOrEqual(position.TakeProfit) {
			return core.ExitTakeProfit, true
		}
		if position.Side == core.SideShort && price.LessThanOrEqual(position.TakeProfit) {
			return core.ExitTakeProfit, true
		}
	}

	if e.opposingSignal(ctx, position) {
		return core.ExitSignal, true
	}

	return "", false
}

// opposingSignal reports whether a fresh high-confidence signal points
// against the open position.
func (e *Engine) opposingSignal(ctx context.Context, position *core.Position) bool {
	signal, err := e.store.GetLatestSignal(ctx, position.Pair)
	if err != nil || signal == nil {
		return false
	}
	if e.isStale(signal.Timestamp) {
		return false
	}
	if signal.Confidence < e.cfg.Safeguards.MinConfidence {
		return false
	}
	if position.Side == core.SideLong && signal.Action == core.ActionSell {
		return true
	}
	if position.Side == core.SideShort && signal.Action == core.ActionBuy {
		return true
	}
	return false
}

// closePosition runs the close sequence. The store entry is removed only
// after the exchange close succeeded; on failure nothing is mutated and the
// position is retried next tick.
func (e *Engine) closePosition(ctx context.Context, position *core.Position, exitPrice decimal.Decimal, reason core.ExitReason) {
	closed, err := e.gateway.ClosePosition(ctx, position.Pair)
	if err != nil {
		e.logger.Error("Exchange close failed, keeping position",
			"pair", position.Pair, "error", err)
		return
	}
	if !closed {
		e.logger.Warn("No exchange position to close, keeping store entry for reconciliation",
			"pair", position.Pair, "id", position.PositionID)
		return
	}

	trade := e.buildTrade(position, exitPrice, reason)

	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("Failed to persist trade", "pair", position.Pair, "error", err)
	}
	if err := e.store.RemoveOpenPosition(ctx, position.PositionID); err != nil {
		e.logger.Error("Failed to remove position", "pair", position.Pair, "error", err)
	}

	e.breaker.RecordTrade(trade.PnL)

	today := e.now().UTC().Format("2006-01-02")
	if _, err := e.store.IncrementDailyCounter(ctx, today); err != nil {
		e.logger.Warn("Failed to increment daily counter", "error", err)
	}

	if balance, err := e.gateway.GetBalance(ctx); err == nil {
		if err := e.store.SaveDailySnapshot(ctx, today, balance); err != nil {
			e.logger.Warn("Failed to save capital snapshot", "error", err)
		}
		e.metrics.Balance.Set(balanceFloat(balance))
	}

	result := "win"
	if trade.PnL.IsNegative() {
		result = "loss"
	}
	e.metrics.TradesClosed.WithLabelValues(result).Inc()
	e.metrics.ExitReasons.WithLabelValues(string(reason)).Inc()
	e.metrics.OpenPositions.Dec()
	pnlFloat, _ := trade.PnL.Float64()
	e.metrics.RealizedPnL.Add(pnlFloat)

	if recent, err := e.store.GetRecentTrades(ctx, 100); err == nil {
		stats := store.ComputePerformance(recent)
		winRate, _ := stats.WinRate.Float64()
		profitFactor, _ := stats.ProfitFactor.Float64()
		e.metrics.WinRate.Set(winRate)
		e.metrics.ProfitFactor.Set(profitFactor)
		e.logger.Info("Performance",
			"trades", stats.Trades, "win_rate", stats.WinRate.StringFixed(1),
			"profit_factor", stats.ProfitFactor.StringFixed(2),
			"total_pnl", stats.TotalPnL.StringFixed(2))
	}

	e.logger.Info("Position closed",
		"pair", position.Pair, "reason", reason,
		"pnl", trade.PnL.StringFixed(2), "pnl_pct", trade.PnLPercent.StringFixed(2))
	e.notifier.Notify(ctx, core.AlertInfo, "Position closed",
		fmt.Sprintf("%s %s closed (%s), PnL %s", position.Side, position.Pair, reason, trade.PnL.StringFixed(2)),
		map[string]string{
			"entry": position.EntryPrice.StringFixed(2),
			"exit":  exitPrice.StringFixed(2),
		})
}

// buildTrade computes realized PnL net of estimated round-trip fees.
// Fees are a fixed rate applied twice, a documented approximation of the
// exchange's actual taker fees.
func (e *Engine) buildTrade(position *core.Position, exitPrice decimal.Decimal, reason core.ExitReason) *core.Trade {
	var gross decimal.Decimal
	if position.Side == core.SideLong {
		gross = exitPrice.Sub(position.EntryPrice).Mul(position.Quantity)
	} else {
		gross = position.EntryPrice.Sub(exitPrice).Mul(position.Quantity)
	}

	fees := position.Size.Mul(decimal.NewFromFloat(e.cfg.Exchange.FeeRate)).Mul(decimal.NewFromInt(2))
	pnl := gross.Sub(fees)

	pnlPercent := decimal.Zero
	if position.Size.IsPositive() {
		pnlPercent = pnl.Div(position.Size).Mul(decimal.NewFromInt(100))
	}

	closedAt := e.now()
	return &core.Trade{
		TradeID:         uuid.NewString(),
		PositionID:      position.PositionID,
		Pair:            position.Pair,
		Side:            position.Side,
		EntryPrice:      position.EntryPrice,
		ExitPrice:       exitPrice,
		Size:            position.Size,
		Quantity:        position.Quantity,
		PnL:             pnl,
		PnLPercent:      pnlPercent,
		Fees:            fees,
		OpenedAt:        position.OpenedAt,
		ClosedAt:        closedAt,
		DurationMinutes: int(closedAt.Sub(position.OpenedAt).Minutes()),
		ExitReason:      reason,
	}
}

func (e *Engine) isStale(ts time.Time) bool {
	maxAge := time.Duration(e.cfg.Trading.SignalMaxAgeSeconds) * time.Second
	return e.now().Sub(ts) > maxAge
}

func (e *Engine) hasOpenPosition(ctx context.Context, pair string) bool {
	positions, err := e.store.GetAllOpenPositions(ctx)
	if err != nil {
		e.logger.Warn("Failed to read open positions", "error", err)
		return true
	}
	for _, p := range positions {
		if p.Pair == pair {
			return true
		}
	}
	return false
}

func (e *Engine) hasOpenSlot(ctx context.Context) bool {
	positions, err := e.store.GetAllOpenPositions(ctx)
	if err != nil {
		e.logger.Warn("Failed to read open positions", "error", err)
		return false
	}
	return len(positions) < e.cfg.Safeguards.MaxPositions
}

func balanceFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
