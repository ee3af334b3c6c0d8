package ledger

import (
	"context"
	"errors"
	"time"

	"tradecore-settlement/services/revenue"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const checkpointName = "ledger_aggregator"

// Aggregator folds raw revenue events into per-user daily ledger rows.
type Aggregator struct {
	db        *gorm.DB
	batchSize int
	lag       time.Duration
	metrics   *Metrics
}

// NewAggregator builds an aggregator scanning batchSize events per run. lag is
// the safety window held back from now: snowflake ids are assigned before the
// recording transaction commits, so an id younger than the lag may still have
// uncommitted lower-id siblings and is left for a later run. The lag must
// exceed the longest recording transaction.
func NewAggregator(db *gorm.DB, batchSize int, lag time.Duration, m *Metrics) *Aggregator {
	if batchSize <= 0 {
		batchSize = 500
	}
	if lag <= 0 {
		lag = 5 * time.Second
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Aggregator{db: db, batchSize: batchSize, lag: lag, metrics: m}
}

// eventHorizon returns the highest snowflake id whose embedded timestamp is at
// or before t.
func eventHorizon(t time.Time) int64 {
	shift := uint(snowflake.NodeBits + snowflake.StepBits)
	ms := t.UnixMilli() - snowflake.Epoch
	if ms < 0 {
		return 0
	}
	return ms<<shift | (int64(1)<<shift - 1)
}

type groupKey struct {
	UserID   string
	StreamID revenue.StreamID
	Period   string
	Currency string
}

type groupSum struct {
	events []revenue.RevenueEvent
}

// Run folds one batch of events above the checkpoint into ledger rows. The
// scan stops at the safety horizon so events whose slower lower-id siblings
// have not committed yet are never leapfrogged; they fold on a later run.
// Per-row watermark filtering makes the fold idempotent: re-running over the
// same events changes nothing, whatever the checkpoint says. Platform-level
// events (empty user id) advance the cursor but produce no rows.
func (a *Aggregator) Run(ctx context.Context) (int, error) {
	cp, err := a.loadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	horizon := eventHorizon(time.Now().UTC().Add(-a.lag))

	var events []revenue.RevenueEvent
	if err := a.db.WithContext(ctx).
		Where("id > ? AND id <= ?", cp.LastEventID, horizon).
		Order("id ASC").
		Limit(a.batchSize).
		Find(&events).Error; err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, a.saveCheckpoint(ctx, cp, 0)
	}

	groups := make(map[groupKey]*groupSum)
	maxSeen := cp.LastEventID
	for _, e := range events {
		if int64(e.ID) > maxSeen {
			maxSeen = int64(e.ID)
		}
		if e.UserID == "" {
			continue
		}

		key := groupKey{
			UserID:   e.UserID,
			StreamID: e.StreamID,
			Period:   Period(e.OccurredAt),
			Currency: e.Currency,
		}
		g, ok := groups[key]
		if !ok {
			g = &groupSum{}
			groups[key] = g
		}
		g.events = append(g.events, e)
	}

	processed := 0
	for key, g := range groups {
		n, err := a.foldGroup(ctx, key, g)
		if err != nil {
			return processed, err
		}
		processed += n
	}

	cp.LastEventID = maxSeen
	if err := a.saveCheckpoint(ctx, cp, int64(processed)); err != nil {
		return processed, err
	}

	a.metrics.Runs.Inc()
	a.metrics.EventsFolded.Add(float64(processed))

	zap.L().Info("ledger aggregation run complete",
		zap.Int("events_folded", processed),
		zap.Int("events_scanned", len(events)),
		zap.Int64("watermark", maxSeen),
	)

	return processed, nil
}

// foldGroup upserts one ledger row. Only events above the row's own watermark
// are added, so a replayed batch is a no-op for rows that already saw it.
func (a *Aggregator) foldGroup(ctx context.Context, key groupKey, g *groupSum) (int, error) {
	folded := 0

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row LedgerEntry
		err := tx.
			Where("user_id = ? AND stream_id = ? AND period = ? AND currency = ?",
				key.UserID, key.StreamID, key.Period, key.Currency).
			First(&row).Error

		watermark := int64(0)
		exists := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			exists = false
		} else if err != nil {
			return err
		} else {
			watermark = row.LastEventID
		}

		gross := decimal.Zero
		net := decimal.Zero
		count := int64(0)
		maxID := watermark
		for _, e := range g.events {
			if int64(e.ID) <= watermark {
				continue
			}
			gross = gross.Add(e.Gross)
			net = net.Add(e.Reserve)
			count++
			if int64(e.ID) > maxID {
				maxID = int64(e.ID)
			}
		}
		if count == 0 {
			return nil
		}

		if !exists {
			folded = int(count)
			return tx.Create(&LedgerEntry{
				UserID:      key.UserID,
				StreamID:    key.StreamID,
				Period:      key.Period,
				Currency:    key.Currency,
				GrossTotal:  gross,
				NetTotal:    net,
				EventCount:  count,
				LastEventID: maxID,
			}).Error
		}

		folded = int(count)
		return tx.Model(&LedgerEntry{}).
			Where("user_id = ? AND stream_id = ? AND period = ? AND currency = ?",
				key.UserID, key.StreamID, key.Period, key.Currency).
			Updates(map[string]interface{}{
				"gross_total":   gorm.Expr("gross_total + ?", gross),
				"net_total":     gorm.Expr("net_total + ?", net),
				"event_count":   gorm.Expr("event_count + ?", count),
				"last_event_id": maxID,
			}).Error
	})
	if err != nil {
		return 0, err
	}

	return folded, nil
}

func (a *Aggregator) loadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	err := a.db.WithContext(ctx).First(&cp, "name = ?", checkpointName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Checkpoint{Name: checkpointName}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (a *Aggregator) saveCheckpoint(ctx context.Context, cp *Checkpoint, processed int64) error {
	cp.LastRunAt = time.Now().UTC()
	cp.LastProcessed = processed
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(cp).Error
}

// Status returns the checkpoint for operator snapshots.
func (a *Aggregator) Status(ctx context.Context) (*Checkpoint, error) {
	return a.loadCheckpoint(ctx)
}

// Entries lists ledger rows for a user, newest period first.
func (a *Aggregator) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	if err := a.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("period DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
