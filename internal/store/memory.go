package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// MemoryStore is an in-memory core.IStore used in tests and dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	signals    map[string][]*core.Signal
	decisions  map[string][]*core.TradeDecision
	positions  map[string]*core.Position
	trades     []*core.Trade
	initial    decimal.Decimal
	initialSet bool
	snapshots  map[string]decimal.Decimal
	counters   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:   make(map[string][]*core.Signal),
		decisions: make(map[string][]*core.TradeDecision),
		positions: make(map[string]*core.Position),
		snapshots: make(map[string]decimal.Decimal),
		counters:  make(map[string]int),
	}
}

func (s *MemoryStore) SaveSignal(_ context.Context, signal *core.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.signals[signal.Pair], signal)
	if len(history) > signalHistoryLimit {
		history = history[len(history)-signalHistoryLimit:]
	}
	s.signals[signal.Pair] = history
	return nil
}

func (s *MemoryStore) GetLatestSignal(_ context.Context, pair string) (*core.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.signals[pair]
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func (s *MemoryStore) GetSignalHistory(_ context.Context, pair string, limit int) ([]*core.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.signals[pair]
	var out []*core.Signal
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveDecision(_ context.Context, decision *core.TradeDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[decision.Pair] = append(s.decisions[decision.Pair], decision)
	return nil
}

func (s *MemoryStore) GetLatestDecision(_ context.Context, pair string) (*core.TradeDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.decisions[pair]
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func (s *MemoryStore) SaveOpenPosition(_ context.Context, position *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[position.PositionID] = position
	return nil
}

func (s *MemoryStore) GetAllOpenPositions(_ context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) RemoveOpenPosition(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, positionID)
	return nil
}

func (s *MemoryStore) SaveTrade(_ context.Context, trade *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *MemoryStore) GetRecentTrades(_ context.Context, limit int) ([]*core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveInitialCapital(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialSet {
		s.initial = amount
		s.initialSet = true
	}
	return nil
}

func (s *MemoryStore) GetInitialCapital(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initial, nil
}

func (s *MemoryStore) SaveDailySnapshot(_ context.Context, date string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[date] = balance
	return nil
}

func (s *MemoryStore) IncrementDailyCounter(_ context.Context, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[date]++
	return s.counters[date], nil
}

func (s *MemoryStore) GetDailyCounter(_ context.Context, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[date], nil
}

func (s *MemoryStore) Close() error { return nil }
