// Package telemetry exposes Prometheus metrics for the trading loop.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instruments updated during operation:
//   - trader_orders_total{pair,side}       – orders placed
//   - trader_order_failures_total{pair}    – orders that failed after retries
//   - trader_trades_total{result}          – closed trades by result (win|loss)
//   - trader_exit_reasons_total{reason}    – exits split by trigger
//   - trader_open_positions               – currently open positions (gauge)
//   - trader_balance_usd                  – last known balance (gauge)
//   - trader_realized_pnl_usd             – cumulative realized PnL (gauge)
//   - trader_win_rate_pct                 – win rate over recent trades (gauge)
//   - trader_profit_factor                – gross profit / gross loss (gauge)
//   - trader_safeguard_blocks_total{check} – decisions blocked, by failing check
//   - trader_rate_limit_windows_total     – backoff windows entered
//   - trader_circuit_breaker_trips_total{kind} – circuit breaker trips
type Metrics struct {
	OrdersPlaced     *prometheus.CounterVec
	OrderFailures    *prometheus.CounterVec
	TradesClosed     *prometheus.CounterVec
	ExitReasons      *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	Balance          prometheus.Gauge
	RealizedPnL      prometheus.Gauge
	WinRate          prometheus.Gauge
	ProfitFactor     prometheus.Gauge
	SafeguardBlocks  *prometheus.CounterVec
	RateLimitWindows prometheus.Counter
	BreakerTrips     *prometheus.CounterVec
}

// NewMetrics registers all instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed",
		}, []string{"pair", "side"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_failures_total",
			Help: "Orders that failed after retries",
		}, []string{"pair"}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Closed trades by result (win|loss)",
		}, []string{"result"}),
		ExitReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_exit_reasons_total",
			Help: "Exits split by trigger",
		}, []string{"reason"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Currently open positions",
		}),
		Balance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_balance_usd",
			Help: "Last known account balance in USD",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		}),
		WinRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_win_rate_pct",
			Help: "Win rate over recent closed trades, percent",
		}),
		ProfitFactor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_profit_factor",
			Help: "Gross profit over gross loss for recent closed trades",
		}),
		SafeguardBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_safeguard_blocks_total",
			Help: "Trade decisions blocked, by failing check",
		}, []string{"check"}),
		RateLimitWindows: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_rate_limit_windows_total",
			Help: "Rate-limit backoff windows entered",
		}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_circuit_breaker_trips_total",
			Help: "Circuit breaker trips by kind (drawdown|loss_streak|daily_limit)",
		}, []string{"kind"}),
	}
}
