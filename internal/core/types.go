// Package core defines the shared types and interfaces for the autotrader system
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the recommendation carried by a Signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the opposite position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the exchange-level order side.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntryOrderSide maps a position side to the order side that opens it.
func EntryOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide maps a position side to the order side that closes it.
func ExitOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitReason tags why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "SL"
	ExitTakeProfit ExitReason = "TP"
	ExitSignal     ExitReason = "SIGNAL"
	ExitManual     ExitReason = "MANUAL"
)

// DecisionStatus is the upstream verdict on a TradeDecision.
type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
)

// AlertLevel classifies outbound notifications.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// MarketData carries the optional execution hints attached to a Signal.
// A zero value means "not provided".
type MarketData struct {
	Price        decimal.Decimal `json:"price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	PositionSize decimal.Decimal `json:"position_size"`
}

// Signal is a timestamped trade recommendation produced by the advisory
// pipeline. Immutable once created; referenced by at most one Position.
type Signal struct {
	SignalID   string            `json:"signal_id"`
	Pair       string            `json:"pair"`
	Action     Action            `json:"action"`
	Confidence int               `json:"confidence"`
	Reasoning  string            `json:"reasoning"`
	AgentVotes map[string]string `json:"agent_votes"`
	MarketData MarketData        `json:"market_data"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EntryOrder is one leg of a staged entry plan.
type EntryOrder struct {
	Price   decimal.Decimal `json:"price"`
	SizePct decimal.Decimal `json:"size_pct"`
}

// EntryPlan describes how a TradeDecision wants to enter.
type EntryPlan struct {
	Method string          `json:"method"`
	Price  decimal.Decimal `json:"price"`
	Orders []EntryOrder    `json:"orders"`
}

// StopLossPlan is the stop specification of a TradeDecision.
type StopLossPlan struct {
	Price decimal.Decimal `json:"price"`
	Pct   decimal.Decimal `json:"pct"`
	Type  string          `json:"type"`
}

// TakeProfitLevel is one take-profit target of a TradeDecision.
type TakeProfitLevel struct {
	Level   int             `json:"level"`
	Price   decimal.Decimal `json:"price"`
	SizePct decimal.Decimal `json:"size_pct"`
}

// TradeDecision is the richer advisory output, consumed exactly once by the
// safeguard engine before execution.
type TradeDecision struct {
	DecisionID      string            `json:"decision_id"`
	Decision        DecisionStatus    `json:"decision"`
	Pair            string            `json:"pair"`
	Direction       Side              `json:"direction"`
	Confidence      int               `json:"confidence"`
	PositionSizeUSD decimal.Decimal   `json:"position_size_usd"`
	PositionSizePct decimal.Decimal   `json:"position_size_pct"`
	Entry           EntryPlan         `json:"entry"`
	StopLoss        StopLossPlan      `json:"stop_loss"`
	TakeProfit      []TakeProfitLevel `json:"take_profit"`
	RiskRewardRatio decimal.Decimal   `json:"risk_reward_ratio"`
	Reasoning       string            `json:"reasoning"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Position is a currently open exchange exposure. At most one open Position
// exists per pair; the execution loop is its sole owner.
type Position struct {
	PositionID string          `json:"position_id"`
	Pair       string          `json:"pair"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	OpenedAt   time.Time       `json:"opened_at"`
	SignalID   string          `json:"signal_id"`
	Leverage   int             `json:"leverage"`
}

// Trade is the immutable, realized-PnL record of a closed Position.
type Trade struct {
	TradeID         string          `json:"trade_id"`
	PositionID      string          `json:"position_id"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	ExitPrice       decimal.Decimal `json:"exit_price"`
	Size            decimal.Decimal `json:"size"`
	Quantity        decimal.Decimal `json:"quantity"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPercent      decimal.Decimal `json:"pnl_percent"`
	Fees            decimal.Decimal `json:"fees"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at"`
	DurationMinutes int             `json:"duration_minutes"`
	ExitReason      ExitReason      `json:"exit_reason"`
}

// SafeguardResult is the outcome of a single pre-trade check.
type SafeguardResult struct {
	CheckName string `json:"check_name"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason"`
}

// SafeguardReport aggregates all safeguard checks for one TradeDecision.
// Approved is the AND over all checks; BlockedReason joins the reasons of
// the failing checks with "; " and is empty iff Approved.
type SafeguardReport struct {
	Approved      bool              `json:"approved"`
	Checks        []SafeguardResult `json:"checks"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
}

// SymbolInfo is the per-pair exchange metadata used for rounding, loaded once
// at startup.
type SymbolInfo struct {
	QuantityPrecision int             `json:"quantity_precision"`
	PricePrecision    int             `json:"price_precision"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinNotional       decimal.Decimal `json:"min_notional"`
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime int64           `json:"timestamp"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// OrderResponse is the raw order acknowledgment from the exchange. Exchange
// responses are not guaranteed complete, so the numeric fields stay strings
// and the gateway derives fill data defensively.
type OrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	CumQuote    string `json:"cumQuote"`
}

// OrderFill is the gateway's defensively parsed view of a filled order.
type OrderFill struct {
	OrderID  int64
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
	Size     decimal.Decimal
}

// ExchangePosition is the exchange's own view of an open position.
type ExchangePosition struct {
	Pair          string
	Side          Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}
