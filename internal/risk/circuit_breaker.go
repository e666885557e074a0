// Package risk holds portfolio-level trading halts.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig sets the loss-streak threshold and how long the breaker
// stays open once tripped.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	CooldownPeriod       time.Duration
}

// CircuitBreaker trips after a run of losing trades and re-closes on its own
// once the cooldown elapses. It implements core.ICircuitBreaker.
type CircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time

	now func() time.Time
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// RecordTrade feeds a realized PnL into the breaker. A loss extends the
// streak; any non-losing trade resets it.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	cb.totalPnL = cb.totalPnL.Add(pnl)

	if cb.state == CircuitClosed &&
		cb.config.MaxConsecutiveLosses > 0 &&
		cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.state = CircuitOpen
		cb.lastTripped = cb.now()
	}
}

// IsTripped reports whether trading is halted. Once the cooldown has passed
// the breaker closes and the loss streak starts over at zero.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return false
	}
	if cb.config.CooldownPeriod > 0 && cb.now().Sub(cb.lastTripped) > cb.config.CooldownPeriod {
		cb.state = CircuitClosed
		cb.consecutiveLosses = 0
		return false
	}
	return true
}

func (cb *CircuitBreaker) ConsecutiveLosses() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
}

// TotalPnL returns the running realized PnL since the last reset.
func (cb *CircuitBreaker) TotalPnL() decimal.Decimal {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.totalPnL
}
