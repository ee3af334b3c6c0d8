package onchain

import (
	"context"
	"sort"
	"time"

	"tradecore-settlement/services/revenue"

	"github.com/shopspring/decimal"
)

// StreamFailureSummary aggregates the outstanding delivery backlog of one
// stream for manual reconciliation.
type StreamFailureSummary struct {
	StreamID      revenue.StreamID `json:"stream_id"`
	Stream        string           `json:"stream"`
	Failures      int              `json:"failures"`
	Exhausted     int              `json:"exhausted"`
	PendingHolder decimal.Decimal  `json:"pending_holder"`
	OldestFailure time.Time        `json:"oldest_failure"`
	LastError     string           `json:"last_error"`
}

// FailureReport summarises failed deliveries per stream within the window.
// A nil stream reports all streams. Exhausted counts events past the retry
// cap, which only an operator can move again.
func (w *Worker) FailureReport(ctx context.Context, stream *revenue.StreamID, window time.Duration) ([]StreamFailureSummary, error) {
	q := w.db.WithContext(ctx).
		Where("onchain_status = ?", revenue.DeliveryFailed)
	if stream != nil {
		q = q.Where("stream_id = ?", *stream)
	}
	if window > 0 {
		q = q.Where("updated_at >= ?", time.Now().UTC().Add(-window))
	}

	var events []revenue.RevenueEvent
	if err := q.Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}

	byStream := make(map[revenue.StreamID]*StreamFailureSummary)
	for _, e := range events {
		s, ok := byStream[e.StreamID]
		if !ok {
			s = &StreamFailureSummary{
				StreamID:      e.StreamID,
				Stream:        e.StreamID.String(),
				OldestFailure: e.OccurredAt,
			}
			byStream[e.StreamID] = s
		}

		s.Failures++
		if e.OnChainAttempts >= w.cfg.MaxAttempts {
			s.Exhausted++
		}
		s.PendingHolder = s.PendingHolder.Add(e.Holder)
		if e.OccurredAt.Before(s.OldestFailure) {
			s.OldestFailure = e.OccurredAt
		}
		s.LastError = e.OnChainError
	}

	out := make([]StreamFailureSummary, 0, len(byStream))
	for _, s := range byStream {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })

	return out, nil
}
