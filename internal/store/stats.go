package store

import (
	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// PerformanceStats summarizes realized results over a window of closed trades.
type PerformanceStats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      decimal.Decimal // percent, 0..100
	TotalPnL     decimal.Decimal
	GrossProfit  decimal.Decimal
	GrossLoss    decimal.Decimal // absolute value
	ProfitFactor decimal.Decimal
}

// ComputePerformance derives stats from trades. A trade with PnL >= 0 counts
// as a win. ProfitFactor is gross profit over gross loss; while there are no
// losing trades it equals the gross profit.
func ComputePerformance(trades []*core.Trade) PerformanceStats {
	stats := PerformanceStats{
		Trades:       len(trades),
		WinRate:      decimal.Zero,
		TotalPnL:     decimal.Zero,
		GrossProfit:  decimal.Zero,
		GrossLoss:    decimal.Zero,
		ProfitFactor: decimal.Zero,
	}
	if len(trades) == 0 {
		return stats
	}

	for _, trade := range trades {
		stats.TotalPnL = stats.TotalPnL.Add(trade.PnL)
		if trade.PnL.IsNegative() {
			stats.Losses++
			stats.GrossLoss = stats.GrossLoss.Add(trade.PnL.Abs())
		} else {
			stats.Wins++
			stats.GrossProfit = stats.GrossProfit.Add(trade.PnL)
		}
	}

	stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).
		Div(decimal.NewFromInt(int64(stats.Trades))).
		Mul(decimal.NewFromInt(100))

	if stats.GrossLoss.IsPositive() {
		stats.ProfitFactor = stats.GrossProfit.Div(stats.GrossLoss)
	} else {
		stats.ProfitFactor = stats.GrossProfit
	}

	return stats
}
