// Package alert delivers operator notifications over external channels.
// Delivery is best-effort and never blocks the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"

	"autotrader/internal/core"
)

type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to all registered channels on a bounded worker
// pool. It implements core.INotifier.
type Manager struct {
	channels []Channel
	pool     *pond.WorkerPool
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		pool:     pond.New(4, 64),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

func (m *Manager) Notify(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		c := ch
		m.pool.Submit(func() {
			// Each channel gets its own delivery timeout, detached from the
			// caller's context so shutdown does not drop in-flight alerts.
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		})
	}
}

// Close drains pending deliveries.
func (m *Manager) Close() {
	m.pool.StopAndWait()
}
