package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudforet-io/inventory/pkg/metrics"
)

const pruneInterval = 24 * time.Hour

// RetentionWorker prunes audit events older than the configured number of
// days, once at start and then daily.
type RetentionWorker struct {
	store   *Store
	days    int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRetentionWorker returns a worker for cfg. A disabled audit log or a
// non-positive RetentionDays keeps events forever.
func NewRetentionWorker(store *Store, cfg AuditConfig, logger *slog.Logger, m *metrics.Metrics) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	days := cfg.RetentionDays
	if !cfg.Enabled {
		days = 0
	}
	return &RetentionWorker{
		store:   store,
		days:    days,
		logger:  logger.With("component", "audit-retention"),
		metrics: m,
		now:     time.Now,
	}
}

// Run prunes until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.days <= 0 {
		w.logger.Info("audit events are kept forever", "retentionDays", w.days)
		return
	}
	w.logger.Info("pruning audit events", "retentionDays", w.days)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Prune(ctx); err != nil {
			w.logger.Error("prune audit events", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune deletes events recorded before the retention window and reports how
// many went.
func (w *RetentionWorker) Prune(ctx context.Context) (int64, error) {
	if w.store == nil || w.days <= 0 {
		return 0, nil
	}
	cutoff := w.now().UTC().AddDate(0, 0, -w.days)
	n, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	w.metrics.AuditEventsPruned(n)
	if n > 0 {
		w.logger.Debug("pruned audit events", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
