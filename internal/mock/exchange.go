// Package mock provides in-memory test doubles for the exchange boundary.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// Exchange implements core.IExchange for testing. Behavior is scriptable via
// the error and hook fields; unset fields use simple instant-fill defaults.
type Exchange struct {
	mu sync.Mutex

	Balance    decimal.Decimal
	Prices     map[string]decimal.Decimal
	Klines     map[string][]core.Kline
	Symbols    map[string]core.SymbolInfo
	Positions  map[string]*core.ExchangePosition
	Leverage   map[string]int
	orders     map[int64]*core.OrderResponse
	orderCount int64

	// Scripted failures
	BalanceErr  error
	PriceErr    error
	PositionErr error
	OrderErr    error

	// OrderHook, when set, intercepts PlaceMarketOrder. Each call consumes
	// one scripted response.
	OrderHook func(pair string, side core.OrderSide, quantity decimal.Decimal) (*core.OrderResponse, error)

	// PlacedOrders records every accepted order in sequence.
	PlacedOrders []PlacedOrder
}

type PlacedOrder struct {
	Pair     string
	Side     core.OrderSide
	Quantity decimal.Decimal
}

func NewExchange() *Exchange {
	return &Exchange{
		Balance:   decimal.NewFromInt(10000),
		Prices:    make(map[string]decimal.Decimal),
		Klines:    make(map[string][]core.Kline),
		Symbols:   make(map[string]core.SymbolInfo),
		Positions: make(map[string]*core.ExchangePosition),
		Leverage:  make(map[string]int),
		orders:    make(map[int64]*core.OrderResponse),
	}
}

func (m *Exchange) GetName() string { return "mock" }

func (m *Exchange) GetBalance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return decimal.Zero, m.BalanceErr
	}
	return m.Balance, nil
}

func (m *Exchange) GetPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	price, ok := m.Prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", pair)
	}
	return price, nil
}

func (m *Exchange) GetKlines(_ context.Context, pair, _ string, limit int) ([]core.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines := m.Klines[pair]
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (m *Exchange) GetExchangeInfo(_ context.Context, pairs []string) (map[string]core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := make(map[string]core.SymbolInfo)
	for _, p := range pairs {
		if si, ok := m.Symbols[p]; ok {
			info[p] = si
		}
	}
	return info, nil
}

func (m *Exchange) PlaceMarketOrder(_ context.Context, pair string, side core.OrderSide, quantity decimal.Decimal) (*core.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OrderHook != nil {
		resp, err := m.OrderHook(pair, side, quantity)
		if err != nil {
			return nil, err
		}
		m.recordOrder(pair, side, quantity, resp)
		return resp, nil
	}
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}

	price := m.Prices[pair]
	m.orderCount++
	resp := &core.OrderResponse{
		OrderID:     m.orderCount,
		Symbol:      pair,
		Status:      "FILLED",
		ExecutedQty: quantity.String(),
		AvgPrice:    price.String(),
		CumQuote:    price.Mul(quantity).String(),
	}
	m.recordOrder(pair, side, quantity, resp)
	return resp, nil
}

func (m *Exchange) recordOrder(pair string, side core.OrderSide, quantity decimal.Decimal, resp *core.OrderResponse) {
	m.orders[resp.OrderID] = resp
	m.PlacedOrders = append(m.PlacedOrders, PlacedOrder{Pair: pair, Side: side, Quantity: quantity})
}

func (m *Exchange) GetOrder(_ context.Context, _ string, orderID int64) (*core.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	return order, nil
}

func (m *Exchange) CancelAllOrders(_ context.Context, _ string) error { return nil }

func (m *Exchange) GetPosition(_ context.Context, pair string) (*core.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionErr != nil {
		return nil, m.PositionErr
	}
	return m.Positions[pair], nil
}

func (m *Exchange) SetLeverage(_ context.Context, pair string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[pair] = leverage
	return nil
}

// SetPosition scripts the exchange-side position for pair.
func (m *Exchange) SetPosition(pair string, p *core.ExchangePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		delete(m.Positions, pair)
		return
	}
	m.Positions[pair] = p
}

// OrderCount returns how many orders have been accepted.
func (m *Exchange) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PlacedOrders)
}
