package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange defines the raw exchange client used by the gateway. Implemented
// by the Binance adapter and by the mock exchange in tests.
type IExchange interface {
	GetName() string

	// Account and market data
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, pair, interval string, limit int) ([]Kline, error)
	GetExchangeInfo(ctx context.Context, pairs []string) (map[string]SymbolInfo, error)

	// Orders and positions
	PlaceMarketOrder(ctx context.Context, pair string, side OrderSide, quantity decimal.Decimal) (*OrderResponse, error)
	GetOrder(ctx context.Context, pair string, orderID int64) (*OrderResponse, error)
	CancelAllOrders(ctx context.Context, pair string) error
	GetPosition(ctx context.Context, pair string) (*ExchangePosition, error)
	SetLeverage(ctx context.Context, pair string, leverage int) error
}

// IStore defines the key/value persistence used by the core. All operations
// are keyed by pair or id; no relational joins are required.
type IStore interface {
	SaveSignal(ctx context.Context, signal *Signal) error
	GetLatestSignal(ctx context.Context, pair string) (*Signal, error)
	GetSignalHistory(ctx context.Context, pair string, limit int) ([]*Signal, error)

	SaveDecision(ctx context.Context, decision *TradeDecision) error
	GetLatestDecision(ctx context.Context, pair string) (*TradeDecision, error)

	SaveOpenPosition(ctx context.Context, position *Position) error
	GetAllOpenPositions(ctx context.Context) ([]*Position, error)
	RemoveOpenPosition(ctx context.Context, positionID string) error

	SaveTrade(ctx context.Context, trade *Trade) error
	GetRecentTrades(ctx context.Context, limit int) ([]*Trade, error)

	SaveInitialCapital(ctx context.Context, amount decimal.Decimal) error
	GetInitialCapital(ctx context.Context) (decimal.Decimal, error)
	SaveDailySnapshot(ctx context.Context, date string, balance decimal.Decimal) error

	IncrementDailyCounter(ctx context.Context, date string) (int, error)
	GetDailyCounter(ctx context.Context, date string) (int, error)

	Close() error
}

// INotifier delivers best-effort outbound alerts. Delivery failure is
// swallowed and logged; alerts must never block trading.
type INotifier interface {
	Notify(ctx context.Context, level AlertLevel, title, message string, fields map[string]string)
}

// ISafeguards validates a TradeDecision against the current portfolio state.
type ISafeguards interface {
	Validate(ctx context.Context, decision *TradeDecision) *SafeguardReport
}

// ICircuitBreaker tracks realized trade outcomes and halts trading after a
// configured run of losses.
type ICircuitBreaker interface {
	RecordTrade(pnl decimal.Decimal)
	IsTripped() bool
	ConsecutiveLosses() int
	Reset()
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
