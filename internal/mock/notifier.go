package mock

import (
	"context"
	"sync"

	"autotrader/internal/core"
)

// Notifier records alerts instead of delivering them.
type Notifier struct {
	mu     sync.Mutex
	Alerts []RecordedAlert
}

type RecordedAlert struct {
	Level   core.AlertLevel
	Title   string
	Message string
	Fields  map[string]string
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(_ context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Alerts = append(n.Alerts, RecordedAlert{Level: level, Title: title, Message: message, Fields: fields})
}

// Count returns how many alerts have been recorded.
func (n *Notifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Alerts)
}

// Recorded returns a copy of all recorded alerts.
func (n *Notifier) Recorded() []RecordedAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]RecordedAlert, len(n.Alerts))
	copy(out, n.Alerts)
	return out
}
