package onchain

import (
	"context"
	"time"

	"tradecore-settlement/services/revenue"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Config struct {
	BatchSize      int
	MaxAttempts    int
	GraceWindow    time.Duration
	MaxBackoffMin  int
	ChainDecimals  int32
	LogEveryFirstN int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 10 * time.Minute
	}
	if c.MaxBackoffMin <= 0 {
		c.MaxBackoffMin = 60
	}
	if c.ChainDecimals <= 0 {
		c.ChainDecimals = 18
	}
	if c.LogEveryFirstN <= 0 {
		c.LogEveryFirstN = 3
	}
	return c
}

type Stats struct {
	Scanned   int
	Delivered int
	Failed    int
	Skipped   int
}

// Worker drains the holder-share delivery backlog: failed events due for
// retry plus unattempted events older than the grace window.
type Worker struct {
	db        *gorm.DB
	deliverer Deliverer
	throttle  *logThrottle
	metrics   *Metrics
	cfg       Config
}

func NewWorker(db *gorm.DB, deliverer Deliverer, cfg Config, m *Metrics) *Worker {
	cfg = cfg.withDefaults()
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Worker{
		db:        db,
		deliverer: deliverer,
		throttle:  newLogThrottle(cfg.LogEveryFirstN),
		metrics:   m,
		cfg:       cfg,
	}
}

// RetryBackoff returns the delay before the next delivery attempt, in
// minutes doubling per attempt up to the configured cap.
func RetryBackoff(attempts, capMinutes int) time.Duration {
	if attempts >= 30 {
		return time.Duration(capMinutes) * time.Minute
	}
	minutes := 1 << uint(attempts)
	if minutes > capMinutes {
		minutes = capMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (w *Worker) ProcessBatch(ctx context.Context) (Stats, error) {
	var stats Stats

	if w.deliverer == nil {
		zap.L().Debug("on-chain delivery disabled, skipping batch")
		return stats, nil
	}

	now := time.Now().UTC()
	graceCutoff := now.Add(-w.cfg.GraceWindow)

	var events []revenue.RevenueEvent
	if err := w.db.WithContext(ctx).
		Where("(onchain_status = ? AND onchain_attempts < ? AND next_retry_at <= ?) OR (onchain_status = ? AND created_at <= ?)",
			revenue.DeliveryFailed, w.cfg.MaxAttempts, now,
			revenue.DeliveryUnattempted, graceCutoff).
		Order("id ASC").
		Limit(w.cfg.BatchSize).
		Find(&events).Error; err != nil {
		return stats, err
	}

	stats.Scanned = len(events)

	for i := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		w.processEvent(ctx, &events[i], &stats)
	}

	if stats.Scanned > 0 {
		zap.L().Info("on-chain delivery batch complete",
			zap.Int("scanned", stats.Scanned),
			zap.Int("delivered", stats.Delivered),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
		)
	}

	return stats, nil
}

func (w *Worker) processEvent(ctx context.Context, e *revenue.RevenueEvent, stats *Stats) {
	now := time.Now().UTC()

	// Zero and negative holder shares carry nothing to deliver; refunds are
	// reconciled off-chain.
	if !e.Holder.IsPositive() {
		if err := w.db.WithContext(ctx).Model(&revenue.RevenueEvent{}).
			Where("id = ?", e.ID).
			Updates(map[string]interface{}{
				"onchain_status": revenue.DeliveryDelivered,
				"delivered_at":   now,
			}).Error; err != nil {
			zap.L().Error("failed to mark empty delivery", zap.Int64("event_id", int64(e.ID)), zap.Error(err))
		}
		stats.Skipped++
		return
	}

	chainAmount := e.Holder.Shift(w.cfg.ChainDecimals).BigInt()

	txHash, err := w.deliverer.Deliver(ctx, Delivery{
		EventID:      e.ID,
		StreamID:     e.StreamID,
		Currency:     e.Currency,
		HolderAmount: e.Holder,
		ChainAmount:  chainAmount,
	})

	w.metrics.Attempts.WithLabelValues(e.StreamID.String()).Inc()

	if err == nil {
		if uerr := w.db.WithContext(ctx).Model(&revenue.RevenueEvent{}).
			Where("id = ?", e.ID).
			Updates(map[string]interface{}{
				"onchain_status":  revenue.DeliveryDelivered,
				"delivered_at":    now,
				"onchain_tx_hash": txHash,
				"onchain_error":   "",
			}).Error; uerr != nil {
			zap.L().Error("failed to mark delivery", zap.Int64("event_id", int64(e.ID)), zap.Error(uerr))
			return
		}
		w.throttle.reset(e.StreamID)
		w.metrics.Delivered.WithLabelValues(e.StreamID.String()).Inc()
		stats.Delivered++
		return
	}

	attempts := e.OnChainAttempts + 1
	nextRetry := now.Add(RetryBackoff(attempts, w.cfg.MaxBackoffMin))

	if uerr := w.db.WithContext(ctx).Model(&revenue.RevenueEvent{}).
		Where("id = ?", e.ID).
		Updates(map[string]interface{}{
			"onchain_status":   revenue.DeliveryFailed,
			"onchain_attempts": attempts,
			"next_retry_at":    nextRetry,
			"onchain_error":    err.Error(),
		}).Error; uerr != nil {
		zap.L().Error("failed to record delivery failure", zap.Int64("event_id", int64(e.ID)), zap.Error(uerr))
		return
	}

	w.metrics.Failures.WithLabelValues(e.StreamID.String()).Inc()
	stats.Failed++

	if w.throttle.shouldLog(e.StreamID) {
		zap.L().Warn("on-chain delivery failed",
			zap.Int64("event_id", int64(e.ID)),
			zap.String("stream", e.StreamID.String()),
			zap.Int("attempts", attempts),
			zap.Time("next_retry_at", nextRetry),
			zap.Error(err),
		)
	}
}
