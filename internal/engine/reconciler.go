package engine

import (
	"context"
	"fmt"

	"autotrader/internal/core"
	"autotrader/internal/gateway"
)

// Reconciler repairs divergence between exchange state and store state at
// startup. Per pair: both absent or both present is a no-op; an exchange
// position the store does not know about is closed on the exchange; a store
// position the exchange does not report is deleted from the store. Either
// repair sends one notification.
type Reconciler struct {
	gateway  *gateway.Gateway
	store    core.IStore
	notifier core.INotifier
	logger   core.ILogger
}

func NewReconciler(gw *gateway.Gateway, store core.IStore, notifier core.INotifier, logger core.ILogger) *Reconciler {
	return &Reconciler{
		gateway:  gw,
		store:    store,
		notifier: notifier,
		logger:   logger.WithField("component", "reconciler"),
	}
}

// Reconcile processes every pair independently; one pair's failure never
// blocks the others.
func (r *Reconciler) Reconcile(ctx context.Context, pairs []string) {
	stored, err := r.store.GetAllOpenPositions(ctx)
	if err != nil {
		r.logger.Error("Cannot read stored positions, skipping reconciliation", "error", err)
		return
	}
	byPair := make(map[string]*core.Position, len(stored))
	for _, p := range stored {
		byPair[p.Pair] = p
	}

	for _, pair := range pairs {
		if err := r.reconcilePair(ctx, pair, byPair[pair]); err != nil {
			r.logger.Error("Reconciliation failed for pair", "pair", pair, "error", err)
		}
	}
}

func (r *Reconciler) reconcilePair(ctx context.Context, pair string, stored *core.Position) error {
	exchangePos, err := r.gateway.GetPosition(ctx, pair)
	if err != nil {
		return fmt.Errorf("failed to read exchange position: %w", err)
	}

	switch {
	case exchangePos == nil && stored == nil:
		return nil

	case exchangePos != nil && stored != nil:
		// Both sides agree a position exists; side/quantity drift is
		// tolerated, the monitor works off the store's view.
		r.logger.Info("Position confirmed on both sides", "pair", pair, "side", stored.Side)
		return nil

	case exchangePos != nil:
		// Orphan: the exchange holds a position nobody is monitoring.
		r.logger.Warn("Orphaned exchange position, closing",
			"pair", pair, "side", exchangePos.Side, "quantity", exchangePos.Quantity.String())
		closed, err := r.gateway.ClosePosition(ctx, pair)
		if err != nil {
			return fmt.Errorf("failed to close orphaned position: %w", err)
		}
		if closed {
			r.notifier.Notify(ctx, core.AlertWarning, "Orphaned position closed",
				fmt.Sprintf("Unmonitored %s position on %s was closed at startup", exchangePos.Side, pair),
				map[string]string{"quantity": exchangePos.Quantity.String()})
		}
		return nil

	default:
		// Stale: the store tracks a position the exchange no longer has.
		r.logger.Warn("Stale stored position, removing",
			"pair", pair, "id", stored.PositionID)
		if err := r.store.RemoveOpenPosition(ctx, stored.PositionID); err != nil {
			return fmt.Errorf("failed to remove stale position: %w", err)
		}
		r.notifier.Notify(ctx, core.AlertWarning, "Stale position removed",
			fmt.Sprintf("Stored %s position on %s no longer exists on the exchange", stored.Side, pair),
			map[string]string{"position_id": stored.PositionID})
		return nil
	}
}
