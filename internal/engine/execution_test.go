package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/gateway"
	"autotrader/internal/logging"
	"autotrader/internal/mock"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/telemetry"
	apperrors "autotrader/pkg/errors"
)

type stubSafeguards struct {
	report *core.SafeguardReport
}

func (s *stubSafeguards) Validate(context.Context, *core.TradeDecision) *core.SafeguardReport {
	if s.report != nil {
		return s.report
	}
	return &core.SafeguardReport{Approved: true}
}

type fixture struct {
	engine     *Engine
	exchange   *mock.Exchange
	db         *store.MemoryStore
	notifier   *mock.Notifier
	breaker    *risk.CircuitBreaker
	safeguards *stubSafeguards
	cfg        *config.Config
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Trading.Pairs = []string{"BTC/USDT"}
	// Zero TTLs so the gateway always refetches: these tests steer prices
	// through the mock exchange directly.
	cfg.Gateway.BalanceCacheTTLSeconds = 0
	cfg.Gateway.PriceCacheTTLSeconds = 0

	ex := mock.NewExchange()
	ex.Prices["BTC/USDT"] = decimal.NewFromInt(50000)
	ex.Symbols["BTC/USDT"] = core.SymbolInfo{
		QuantityPrecision: 3,
		StepSize:          decimal.NewFromFloat(0.001),
		MinNotional:       decimal.NewFromInt(5),
	}

	logger := logging.NewNopLogger()
	gw := gateway.New(ex, &cfg.Gateway, logger)
	require.NoError(t, gw.LoadSymbolInfo(context.Background(), cfg.Trading.Pairs))

	f := &fixture{
		exchange:   ex,
		db:         store.NewMemoryStore(),
		notifier:   mock.NewNotifier(),
		safeguards: &stubSafeguards{},
		cfg:        cfg,
		clock:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.breaker = risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: cfg.Safeguards.ConsecutiveLossPauseCount,
		CooldownPeriod:       2 * time.Hour,
	})
	f.engine = New(cfg, gw, f.db, f.safeguards, f.breaker, f.notifier, f.metrics(), logger)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) metrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

func (f *fixture) saveSignal(t *testing.T, signal *core.Signal) {
	t.Helper()
	if signal.Timestamp.IsZero() {
		signal.Timestamp = f.clock
	}
	require.NoError(t, f.db.SaveSignal(context.Background(), signal))
}

func buySignal(id string, confidence int, size decimal.Decimal) *core.Signal {
	return &core.Signal{
		SignalID:   id,
		Pair:       "BTC/USDT",
		Action:     core.ActionBuy,
		Confidence: confidence,
		MarketData: core.MarketData{
			Price:        decimal.NewFromInt(50000),
			PositionSize: size,
		},
	}
}

func (f *fixture) openPositions(t *testing.T) []*core.Position {
	t.Helper()
	positions, err := f.db.GetAllOpenPositions(context.Background())
	require.NoError(t, err)
	return positions
}

func (f *fixture) seedPosition(t *testing.T, p *core.Position) {
	t.Helper()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = f.clock.Add(-time.Hour)
	}
	require.NoError(t, f.db.SaveOpenPosition(context.Background(), p))
}

func TestSignalOpensPositionWithFallbackStop(t *testing.T) {
	f := newFixture(t)
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(context.Background())

	require.Equal(t, 1, f.exchange.OrderCount())
	order := f.exchange.PlacedOrders[0]
	assert.Equal(t, core.OrderSideBuy, order.Side)
	assert.True(t, order.Quantity.Equal(decimal.NewFromFloat(0.002)),
		"quantity %s", order.Quantity)

	positions := f.openPositions(t)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, core.SideLong, p.Side)
	assert.Equal(t, "sig-1", p.SignalID)
	// No stop-loss on the signal: fallback at 3% below entry
	assert.True(t, p.StopLoss.Equal(decimal.NewFromInt(48500)), "stop %s", p.StopLoss)
}

func TestPositionSizeRaisedToNotionalFloor(t *testing.T) {
	f := newFixture(t)
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(50)))

	f.engine.Tick(context.Background())

	require.Equal(t, 1, f.exchange.OrderCount())
	// 50 USD proposed, floor 100 USD -> 100/50000
	assert.True(t, f.exchange.PlacedOrders[0].Quantity.Equal(decimal.NewFromFloat(0.002)))
}

func TestSlippageAbortsTrade(t *testing.T) {
	f := newFixture(t)
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(50600) // 1.2% off signal price
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(context.Background())

	assert.Equal(t, 0, f.exchange.OrderCount())
	assert.Empty(t, f.openPositions(t))
	alerts := f.notifier.Recorded()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Trade aborted on slippage", alerts[0].Title)
	assert.Equal(t, core.AlertWarning, alerts[0].Level)
}

func TestSignalExecutedAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(context.Background())
	require.Equal(t, 1, f.exchange.OrderCount())

	// Even with the position gone, the attempted id blocks a re-execution
	positions := f.openPositions(t)
	require.Len(t, positions, 1)
	require.NoError(t, f.db.RemoveOpenPosition(context.Background(), positions[0].PositionID))

	f.engine.Tick(context.Background())
	assert.Equal(t, 1, f.exchange.OrderCount())
}

func TestStaleSignalIgnored(t *testing.T) {
	f := newFixture(t)
	signal := buySignal("sig-old", 85, decimal.NewFromInt(100))
	signal.Timestamp = f.clock.Add(-10 * time.Minute)
	f.saveSignal(t, signal)

	f.engine.Tick(context.Background())

	assert.Equal(t, 0, f.exchange.OrderCount())
}

func TestHoldAndLowConfidenceIgnored(t *testing.T) {
	f := newFixture(t)

	hold := buySignal("sig-hold", 90, decimal.NewFromInt(100))
	hold.Action = core.ActionHold
	f.saveSignal(t, hold)
	f.engine.Tick(context.Background())
	assert.Equal(t, 0, f.exchange.OrderCount())

	f.saveSignal(t, buySignal("sig-weak", 59, decimal.NewFromInt(100)))
	f.engine.Tick(context.Background())
	assert.Equal(t, 0, f.exchange.OrderCount())
}

func TestDecisionTakesPrecedenceOverSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))
	require.NoError(t, f.db.SaveDecision(ctx, &core.TradeDecision{
		DecisionID:      "dec-1",
		Decision:        core.DecisionApproved,
		Pair:            "BTC/USDT",
		Direction:       core.SideShort,
		Confidence:      80,
		PositionSizeUSD: decimal.NewFromInt(100),
		Entry:           core.EntryPlan{Price: decimal.NewFromInt(50000)},
		StopLoss:        core.StopLossPlan{Price: decimal.NewFromInt(51000)},
		TakeProfit:      []core.TakeProfitLevel{{Level: 1, Price: decimal.NewFromInt(48000)}},
		Timestamp:       f.clock,
	}))

	f.engine.Tick(ctx)

	require.Equal(t, 1, f.exchange.OrderCount())
	assert.Equal(t, core.OrderSideSell, f.exchange.PlacedOrders[0].Side)

	positions := f.openPositions(t)
	require.Len(t, positions, 1)
	assert.Equal(t, core.SideShort, positions[0].Side)
	assert.True(t, positions[0].StopLoss.Equal(decimal.NewFromInt(51000)))
	assert.True(t, positions[0].TakeProfit.Equal(decimal.NewFromInt(48000)))
	assert.Equal(t, "dec-1", positions[0].SignalID)
}

func TestBlockedDecisionSkipsSignalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.safeguards.report = &core.SafeguardReport{
		Approved:      false,
		BlockedReason: "confidence 40 vs minimum 60",
		Checks: []core.SafeguardResult{
			{CheckName: "confidence", Passed: false, Reason: "confidence 40 vs minimum 60"},
		},
	}

	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))
	require.NoError(t, f.db.SaveDecision(ctx, &core.TradeDecision{
		DecisionID:      "dec-1",
		Decision:        core.DecisionApproved,
		Pair:            "BTC/USDT",
		Direction:       core.SideLong,
		Confidence:      40,
		PositionSizeUSD: decimal.NewFromInt(100),
		Timestamp:       f.clock,
	}))

	f.engine.Tick(ctx)

	// Blocked decision handled the pair: no order from either flow
	assert.Equal(t, 0, f.exchange.OrderCount())
	alerts := f.notifier.Recorded()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Trade blocked", alerts[0].Title)
}

func TestStopLossClosesLong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPosition(t, &core.Position{
		PositionID: "pos-1",
		Pair:       "BTC/USDT",
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Size:       decimal.NewFromInt(100),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(55000),
	})
	f.exchange.SetPosition("BTC/USDT", &core.ExchangePosition{
		Pair:     "BTC/USDT",
		Side:     core.SideLong,
		Quantity: decimal.NewFromFloat(0.002),
	})
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(48900)

	f.engine.Tick(ctx)

	require.Equal(t, 1, f.exchange.OrderCount())
	assert.Equal(t, core.OrderSideSell, f.exchange.PlacedOrders[0].Side)
	assert.Empty(t, f.openPositions(t))

	trades, err := f.db.GetRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, core.ExitStopLoss, trade.ExitReason)
	// (48900-50000)*0.002 = -2.20 gross, minus 100*0.0004*2 fees
	assert.True(t, trade.PnL.Equal(decimal.NewFromFloat(-2.28)), "pnl %s", trade.PnL)

	assert.Equal(t, 1, f.breaker.ConsecutiveLosses())
	count, err := f.db.GetDailyCounter(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTakeProfitClosesShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPosition(t, &core.Position{
		PositionID: "pos-1",
		Pair:       "BTC/USDT",
		Side:       core.SideShort,
		EntryPrice: decimal.NewFromInt(50000),
		Size:       decimal.NewFromInt(100),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(51500),
		TakeProfit: decimal.NewFromInt(48000),
	})
	f.exchange.SetPosition("BTC/USDT", &core.ExchangePosition{
		Pair:     "BTC/USDT",
		Side:     core.SideShort,
		Quantity: decimal.NewFromFloat(0.002),
	})
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(47900)

	f.engine.Tick(ctx)

	require.Equal(t, 1, f.exchange.OrderCount())
	assert.Equal(t, core.OrderSideBuy, f.exchange.PlacedOrders[0].Side)

	trades, err := f.db.GetRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitTakeProfit, trades[0].ExitReason)
	// (50000-47900)*0.002 = 4.20 gross, minus 0.08 fees
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromFloat(4.12)), "pnl %s", trades[0].PnL)
}

func TestOpposingSignalClosesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPosition(t, &core.Position{
		PositionID: "pos-1",
		Pair:       "BTC/USDT",
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Size:       decimal.NewFromInt(100),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(55000),
	})
	f.exchange.SetPosition("BTC/USDT", &core.ExchangePosition{
		Pair:     "BTC/USDT",
		Side:     core.SideLong,
		Quantity: decimal.NewFromFloat(0.002),
	})
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(50500)

	sell := buySignal("sig-flip", 80, decimal.Zero)
	sell.Action = core.ActionSell
	f.saveSignal(t, sell)

	f.engine.Tick(ctx)

	trades, err := f.db.GetRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitSignal, trades[0].ExitReason)
	assert.Empty(t, f.openPositions(t))
}

func TestExchangeCloseFailureKeepsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPosition(t, &core.Position{
		PositionID: "pos-1",
		Pair:       "BTC/USDT",
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Size:       decimal.NewFromInt(100),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(49000),
	})
	f.exchange.SetPosition("BTC/USDT", &core.ExchangePosition{
		Pair:     "BTC/USDT",
		Side:     core.SideLong,
		Quantity: decimal.NewFromFloat(0.002),
	})
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(48500)
	f.exchange.OrderErr = fmt.Errorf("%w: margin call in progress", apperrors.ErrInsufficientFunds)

	f.engine.Tick(ctx)

	assert.Len(t, f.openPositions(t), 1, "position must survive a failed close")
	trades, err := f.db.GetRecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, 0, f.breaker.ConsecutiveLosses())
}

func TestMissingExchangePositionKeepsStoreEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPosition(t, &core.Position{
		PositionID: "pos-1",
		Pair:       "BTC/USDT",
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Size:       decimal.NewFromInt(100),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(49000),
	})
	// No exchange-side position: the close is a no-op and the entry stays
	// for reconciliation to sort out.
	f.exchange.Prices["BTC/USDT"] = decimal.NewFromInt(48500)

	f.engine.Tick(ctx)

	assert.Equal(t, 0, f.exchange.OrderCount())
	assert.Len(t, f.openPositions(t), 1)
}

func TestLossStreakBreakerPausesAndResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.breaker.RecordTrade(decimal.NewFromInt(-10))
	}
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(ctx)

	assert.Equal(t, 0, f.exchange.OrderCount())
	alerts := f.notifier.Recorded()
	require.Len(t, alerts, 1)
	assert.Equal(t, core.AlertCritical, alerts[0].Level)
	assert.Equal(t, 0, f.breaker.ConsecutiveLosses(), "breaker resets when the pause starts")

	// Still inside the cooldown window
	f.clock = f.clock.Add(time.Minute)
	f.engine.Tick(ctx)
	assert.Equal(t, 0, f.exchange.OrderCount())

	// Past the cooldown a fresh signal executes again
	f.clock = f.clock.Add(121 * time.Minute)
	f.saveSignal(t, buySignal("sig-2", 85, decimal.NewFromInt(100)))
	f.engine.Tick(ctx)
	assert.Equal(t, 1, f.exchange.OrderCount())
}

func TestDrawdownBreakerPausesTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.SaveInitialCapital(ctx, decimal.NewFromInt(10000)))
	f.exchange.Balance = decimal.NewFromInt(7500) // 25% drawdown
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(ctx)

	assert.Equal(t, 0, f.exchange.OrderCount())
	alerts := f.notifier.Recorded()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Max drawdown exceeded", alerts[0].Title)
	assert.Equal(t, core.AlertCritical, alerts[0].Level)
}

func TestDailyLimitSkipsTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < f.cfg.Safeguards.MaxTradesPerDay; i++ {
		_, err := f.db.IncrementDailyCounter(ctx, "2025-06-01")
		require.NoError(t, err)
	}
	f.saveSignal(t, buySignal("sig-1", 85, decimal.NewFromInt(100)))

	f.engine.Tick(ctx)

	assert.Equal(t, 0, f.exchange.OrderCount())
}

func TestBuildTradePnLSigns(t *testing.T) {
	f := newFixture(t)

	long := &core.Position{
		PositionID: "p1",
		Pair:       "BTC/USDT",
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(100),
		Size:       decimal.NewFromInt(200),
		Quantity:   decimal.NewFromInt(2),
		OpenedAt:   f.clock.Add(-90 * time.Minute),
	}
	trade := f.engine.buildTrade(long, decimal.NewFromInt(110), core.ExitTakeProfit)
	// 20 gross minus 200*0.0004*2 = 0.16 fees
	assert.True(t, trade.PnL.Equal(decimal.NewFromFloat(19.84)), "pnl %s", trade.PnL)
	assert.True(t, trade.PnLPercent.Equal(decimal.NewFromFloat(9.92)))
	assert.Equal(t, 90, trade.DurationMinutes)

	short := *long
	short.Side = core.SideShort
	trade = f.engine.buildTrade(&short, decimal.NewFromInt(110), core.ExitStopLoss)
	assert.True(t, trade.PnL.Equal(decimal.NewFromFloat(-20.16)), "pnl %s", trade.PnL)
}

func TestFallbackStopLossDirection(t *testing.T) {
	f := newFixture(t)
	entry := decimal.NewFromInt(100)

	assert.True(t, f.engine.fallbackStopLoss(core.SideLong, entry).Equal(decimal.NewFromInt(97)))
	assert.True(t, f.engine.fallbackStopLoss(core.SideShort, entry).Equal(decimal.NewFromInt(103)))
}
