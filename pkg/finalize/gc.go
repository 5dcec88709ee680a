package finalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/filemesh/ingester/internal/model"
)

// GC implements the deferred source-deletion sweep: completed transactions
// past cleanup_scheduled_at have their source copy deleted, retried
// idempotently until it succeeds.
type GC struct {
	store    Store
	seMap    SEMapSource
	se       SEClient
	interval time.Duration
	logger   *slog.Logger
	metrics  Metrics
}

// NewGC constructs a GC sweeper. A zero interval defaults to 5 minutes.
func NewGC(store Store, seMap SEMapSource, seClient SEClient, interval time.Duration, logger *slog.Logger, metrics Metrics) *GC {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &GC{store: store, seMap: seMap, se: seClient, interval: interval, logger: logger, metrics: metrics}
}

// Run ticks until ctx is cancelled, sweeping due transactions each tick.
func (g *GC) Run(ctx context.Context) error {
	if g.logger != nil {
		g.logger.Info("finalize gc started", "interval", g.interval)
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.sweep(ctx); err != nil && g.logger != nil {
				g.logger.Error("finalize gc sweep failed", "error", err)
			}
		}
	}
}

func (g *GC) sweep(ctx context.Context) error {
	completed, err := g.store.ListByStates(ctx, model.StateCompleted)
	if err != nil {
		return err
	}

	current := g.seMap.Current()
	now := time.Now()

	for _, txn := range completed {
		if txn.CleanupScheduledAt == nil || now.Before(*txn.CleanupScheduledAt) {
			continue
		}
		source, ok := current[txn.SourceElementID]
		if !ok {
			if g.logger != nil {
				g.logger.Warn("finalize gc: source element no longer known, skipping", "transaction_id", txn.TransactionID, "element_id", txn.SourceElementID)
			}
			continue
		}
		if err := g.se.Delete(ctx, source.Endpoint, txn.FileID); err != nil {
			if g.logger != nil {
				g.logger.Warn("finalize gc: source delete failed, will retry next sweep", "transaction_id", txn.TransactionID, "error", err)
			}
			continue
		}
		// Source deleted: clear the schedule so the next sweep skips this
		// transaction (nil CleanupScheduledAt is checked above), leaving it
		// in its terminal "completed" state for status queries.
		txn.CleanupScheduledAt = nil
		if err := g.store.Update(ctx, txn); err != nil && g.logger != nil {
			g.logger.Warn("finalize gc: failed to mark transaction purged", "transaction_id", txn.TransactionID, "error", err)
		}
	}
	return nil
}
