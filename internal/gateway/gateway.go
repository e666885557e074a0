// Package gateway wraps the exchange behind caching, rate-limit backoff and
// order retry so the execution loop can prefer acting on slightly stale data
// over blocking.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
	apperrors "autotrader/pkg/errors"
)

type cachedValue struct {
	value decimal.Decimal
	at    time.Time
	set   bool
}

// Gateway mediates all exchange access. It owns the balance/price caches,
// the shared rate-limit backoff window and the per-pair precision cache.
// All state is mutex-guarded; the gateway is safe for concurrent use.
type Gateway struct {
	exchange core.IExchange
	logger   core.ILogger

	balanceTTL time.Duration
	priceTTL   time.Duration

	// Injected clock, overridable in tests
	now func() time.Time

	mu      sync.Mutex
	balance cachedValue
	prices  map[string]*cachedValue
	symbols map[string]core.SymbolInfo

	// Shared backoff window. Any rate-limit signal backs off every outbound
	// call, since the exchange rate-limits per API key.
	rateLimitedUntil time.Time
	backoff          time.Duration
	baseBackoff      time.Duration
	maxBackoff       time.Duration

	orderRetry failsafe.Executor[*core.OrderResponse]

	// Invoked each time a backoff window opens, used for metrics.
	onRateLimit func()
}

// New creates a Gateway around exchange using the given cache and backoff
// settings.
func New(exchange core.IExchange, cfg *config.GatewayConfig, logger core.ILogger) *Gateway {
	baseBackoff := time.Duration(cfg.RateLimitBackoffSeconds * float64(time.Second))
	maxBackoff := time.Duration(cfg.RateLimitMaxBackoff * float64(time.Second))

	retryPolicy := retrypolicy.NewBuilder[*core.OrderResponse]().
		HandleIf(func(_ *core.OrderResponse, err error) bool {
			if err == nil {
				return false
			}
			// Rate limits feed the backoff window instead of being retried;
			// hard rejections fail immediately.
			return !apperrors.IsRateLimit(err) && !apperrors.IsNonRetryable(err)
		}).
		WithBackoff(2*time.Second, maxBackoff).
		WithMaxRetries(cfg.OrderMaxAttempts - 1).
		Build()

	return &Gateway{
		exchange:    exchange,
		logger:      logger.WithField("component", "gateway"),
		balanceTTL:  time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second,
		priceTTL:    time.Duration(cfg.PriceCacheTTLSeconds) * time.Second,
		now:         time.Now,
		prices:      make(map[string]*cachedValue),
		symbols:     make(map[string]core.SymbolInfo),
		backoff:     baseBackoff,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		orderRetry:  failsafe.With[*core.OrderResponse](retryPolicy),
	}
}

// LoadSymbolInfo fetches and caches the precision rules for pairs. Called
// once at startup; quantity rounding depends on it.
func (g *Gateway) LoadSymbolInfo(ctx context.Context, pairs []string) error {
	info, err := g.exchange.GetExchangeInfo(ctx, pairs)
	if err != nil {
		g.noteError(err)
		return fmt.Errorf("failed to load symbol info: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for pair, si := range info {
		g.symbols[pair] = si
	}
	return nil
}

// SymbolInfo returns the cached precision rules for pair.
func (g *Gateway) SymbolInfo(pair string) (core.SymbolInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	si, ok := g.symbols[pair]
	return si, ok
}

// rateLimitedLocked reports whether the backoff window is active. Once the
// window has expired the backoff resets to its baseline.
func (g *Gateway) rateLimitedLocked() bool {
	if g.rateLimitedUntil.IsZero() {
		return false
	}
	if g.now().Before(g.rateLimitedUntil) {
		return true
	}
	g.rateLimitedUntil = time.Time{}
	g.backoff = g.baseBackoff
	return false
}

// SetRateLimitHook registers fn to run whenever a backoff window opens.
func (g *Gateway) SetRateLimitHook(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRateLimit = fn
}

// RateLimited reports whether outbound calls are currently short-circuited.
func (g *Gateway) RateLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rateLimitedLocked()
}

// noteError inspects an exchange error and opens (or extends) the backoff
// window on a rate-limit signal. The window doubles on each signal up to the
// cap.
func (g *Gateway) noteError(err error) {
	if !apperrors.IsRateLimit(err) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.rateLimitedUntil.IsZero() && !g.now().Before(g.rateLimitedUntil) {
		g.backoff = g.baseBackoff
	}

	g.rateLimitedUntil = g.now().Add(g.backoff)
	g.backoff *= 2
	if g.backoff > g.maxBackoff {
		g.backoff = g.maxBackoff
	}
	if g.onRateLimit != nil {
		g.onRateLimit()
	}

	g.logger.Warn("Rate limited, backing off",
		"until", g.rateLimitedUntil.Format(time.RFC3339),
		"next_backoff", g.backoff.String())
}

// GetBalance returns the account balance, served from cache when fresh or
// while rate-limited. On a failed refresh the last known value is returned
// rather than an error.
func (g *Gateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	if g.balance.set && (g.now().Sub(g.balance.at) < g.balanceTTL || g.rateLimitedLocked()) {
		v := g.balance.value
		g.mu.Unlock()
		return v, nil
	}
	limited := g.rateLimitedLocked()
	stale := g.balance
	g.mu.Unlock()

	if limited {
		return decimal.Zero, apperrors.ErrRateLimitExceeded
	}

	value, err := g.exchange.GetBalance(ctx)
	if err != nil {
		g.noteError(err)
		if stale.set {
			g.logger.Warn("Balance refresh failed, serving stale value", "error", err)
			return stale.value, nil
		}
		return decimal.Zero, err
	}

	g.mu.Lock()
	g.balance = cachedValue{value: value, at: g.now(), set: true}
	g.mu.Unlock()
	return value, nil
}

// GetPrice returns the last price for pair with the same policy as
// GetBalance, under a shorter TTL.
func (g *Gateway) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	g.mu.Lock()
	cached := g.prices[pair]
	if cached != nil && cached.set && (g.now().Sub(cached.at) < g.priceTTL || g.rateLimitedLocked()) {
		v := cached.value
		g.mu.Unlock()
		return v, nil
	}
	limited := g.rateLimitedLocked()
	var stale cachedValue
	if cached != nil {
		stale = *cached
	}
	g.mu.Unlock()

	if limited {
		return decimal.Zero, apperrors.ErrRateLimitExceeded
	}

	value, err := g.exchange.GetPrice(ctx, pair)
	if err != nil {
		g.noteError(err)
		if stale.set {
			g.logger.Warn("Price refresh failed, serving stale value", "pair", pair, "error", err)
			return stale.value, nil
		}
		return decimal.Zero, err
	}

	g.mu.Lock()
	g.prices[pair] = &cachedValue{value: value, at: g.now(), set: true}
	g.mu.Unlock()
	return value, nil
}

// GetKlines returns recent candles, or nothing while rate-limited.
func (g *Gateway) GetKlines(ctx context.Context, pair, interval string, limit int) ([]core.Kline, error) {
	if g.RateLimited() {
		return nil, nil
	}
	klines, err := g.exchange.GetKlines(ctx, pair, interval, limit)
	if err != nil {
		g.noteError(err)
		return nil, err
	}
	return klines, nil
}

// GetOrder returns order details, or nothing while rate-limited.
func (g *Gateway) GetOrder(ctx context.Context, pair string, orderID int64) (*core.OrderResponse, error) {
	if g.RateLimited() {
		return nil, nil
	}
	order, err := g.exchange.GetOrder(ctx, pair, orderID)
	if err != nil {
		g.noteError(err)
		return nil, err
	}
	return order, nil
}

// GetPosition returns the exchange's view of the open position on pair.
func (g *Gateway) GetPosition(ctx context.Context, pair string) (*core.ExchangePosition, error) {
	position, err := g.exchange.GetPosition(ctx, pair)
	if err != nil {
		g.noteError(err)
		return nil, err
	}
	return position, nil
}

// SetLeverage pins leverage for pair.
func (g *Gateway) SetLeverage(ctx context.Context, pair string, leverage int) error {
	err := g.exchange.SetLeverage(ctx, pair, leverage)
	if err != nil {
		g.noteError(err)
	}
	return err
}

// CancelAllOrders cancels any resting orders on pair.
func (g *Gateway) CancelAllOrders(ctx context.Context, pair string) error {
	err := g.exchange.CancelAllOrders(ctx, pair)
	if err != nil {
		g.noteError(err)
	}
	return err
}

// RoundQuantity floors quantity to the pair's step size. Rounding never goes
// up: an oversized fill is worse than a slightly undersized one.
func (g *Gateway) RoundQuantity(pair string, quantity decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	si, ok := g.symbols[pair]
	g.mu.Unlock()

	if !ok {
		return quantity
	}
	if si.StepSize.IsPositive() {
		return quantity.Div(si.StepSize).Floor().Mul(si.StepSize)
	}
	return quantity.RoundDown(int32(si.QuantityPrecision))
}

// PlaceMarketOrder rounds quantity, submits a market order with bounded
// retries and returns a defensively parsed fill. referencePrice is the
// price the caller sized the order at; it is the fallback of last resort
// when the exchange response carries no usable fill price.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, pair string, side core.OrderSide, quantity, referencePrice decimal.Decimal) (*core.OrderFill, error) {
	if g.RateLimited() {
		return nil, apperrors.ErrRateLimitExceeded
	}

	rounded := g.RoundQuantity(pair, quantity)
	if !rounded.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s rounds to zero for %s",
			apperrors.ErrInvalidOrderParameter, quantity.String(), pair)
	}

	resp, err := g.orderRetry.GetWithExecution(func(_ failsafe.Execution[*core.OrderResponse]) (*core.OrderResponse, error) {
		return g.exchange.PlaceMarketOrder(ctx, pair, side, rounded)
	})
	if err != nil {
		g.noteError(err)
		return nil, err
	}

	return g.parseFill(resp, rounded, referencePrice), nil
}

// parseFill re-derives fill quantity and price with fallbacks. Exchange
// responses are not guaranteed complete.
func (g *Gateway) parseFill(resp *core.OrderResponse, requestedQty, referencePrice decimal.Decimal) *core.OrderFill {
	qty, err := decimal.NewFromString(resp.ExecutedQty)
	if err != nil || !qty.IsPositive() {
		qty = requestedQty
	}

	price, err := decimal.NewFromString(resp.AvgPrice)
	if err != nil || !price.IsPositive() {
		price = decimal.Zero
		if cumQuote, cqErr := decimal.NewFromString(resp.CumQuote); cqErr == nil && cumQuote.IsPositive() && qty.IsPositive() {
			price = cumQuote.Div(qty)
		}
	}
	if !price.IsPositive() {
		g.logger.Warn("Order response carried no usable fill price, using reference price",
			"order_id", resp.OrderID, "pair", resp.Symbol)
		price = referencePrice
	}

	return &core.OrderFill{
		OrderID:  resp.OrderID,
		Quantity: qty,
		AvgPrice: price,
		Size:     price.Mul(qty),
	}
}

// ClosePosition flattens the exchange position on pair with an opposite-side
// market order. Returns false without error when there is nothing to close.
func (g *Gateway) ClosePosition(ctx context.Context, pair string) (bool, error) {
	position, err := g.GetPosition(ctx, pair)
	if err != nil {
		return false, err
	}
	if position == nil {
		return false, nil
	}

	side := core.ExitOrderSide(position.Side)
	fill, err := g.PlaceMarketOrder(ctx, pair, side, position.Quantity, position.EntryPrice)
	if err != nil {
		return false, err
	}

	g.logger.Info("Closed exchange position",
		"pair", pair, "side", position.Side, "quantity", fill.Quantity.String())
	return true, nil
}
