package onchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradecore-settlement/services/revenue"
	"tradecore-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeDeliverer struct {
	calls []Delivery
	fn    func(d Delivery) (string, error)
}

func (f *fakeDeliverer) Deliver(ctx context.Context, d Delivery) (string, error) {
	f.calls = append(f.calls, d)
	if f.fn != nil {
		return f.fn(d)
	}
	return "0xabc", nil
}

type onchainFixture struct {
	db        *gorm.DB
	recorder  *revenue.Recorder
	deliverer *fakeDeliverer
	worker    *Worker
}

func newOnchainFixture(t *testing.T) *onchainFixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := testutil.NewTestDB(t, &revenue.RevenueEvent{}, &revenue.RevenueStream{})
	recorder := revenue.NewRecorder(db, node)
	require.NoError(t, recorder.SeedStreams(context.Background()))

	f := &onchainFixture{
		db:        db,
		recorder:  recorder,
		deliverer: &fakeDeliverer{},
	}
	f.worker = NewWorker(db, f.deliverer, Config{
		BatchSize:   10,
		MaxAttempts: 5,
		GraceWindow: time.Nanosecond,
	}, nil)

	return f
}

func (f *onchainFixture) recordEvent(t *testing.T, stream revenue.StreamID, sourceID string, amount int64) *revenue.RevenueEvent {
	t.Helper()

	event, _, err := f.recorder.Record(context.Background(), revenue.RecordInput{
		StreamID:   stream,
		SourceType: "trade",
		SourceID:   sourceID,
		UserID:     "user-a",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return event
}

func (f *onchainFixture) reload(t *testing.T, id snowflake.ID) *revenue.RevenueEvent {
	t.Helper()

	var e revenue.RevenueEvent
	require.NoError(t, f.db.First(&e, "id = ?", id).Error)
	return &e
}

func TestProcessBatchDeliversUnattemptedAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	event := f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)

	stats, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)

	require.Len(t, f.deliverer.calls, 1)
	d := f.deliverer.calls[0]
	require.True(t, d.HolderAmount.Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, "1500000000000000000", d.ChainAmount.String())

	got := f.reload(t, event.ID)
	require.Equal(t, revenue.DeliveryDelivered, got.OnChainStatus)
	require.Equal(t, "0xabc", got.OnChainTxHash)
	require.NotNil(t, got.DeliveredAt)
}

func TestDeliveredEventsAreNotReprocessed(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)

	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	stats, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Scanned)
	require.Len(t, f.deliverer.calls, 1)
}

func TestFailureSchedulesExponentialRetry(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	f.deliverer.fn = func(Delivery) (string, error) {
		return "", errors.New("relay down")
	}

	event := f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)

	for attempt := 1; attempt <= 3; attempt++ {
		stats, err := f.worker.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failed)

		got := f.reload(t, event.ID)
		require.Equal(t, revenue.DeliveryFailed, got.OnChainStatus)
		require.Equal(t, attempt, got.OnChainAttempts)
		require.Contains(t, got.OnChainError, "relay down")

		wantDelay := time.Duration(1<<uint(attempt)) * time.Minute
		require.NotNil(t, got.NextRetryAt)
		require.WithinDuration(t, time.Now().UTC().Add(wantDelay), *got.NextRetryAt, 10*time.Second)

		// Make it due again for the next round.
		require.NoError(t, f.db.Model(&revenue.RevenueEvent{}).
			Where("id = ?", event.ID).
			Update("next_retry_at", time.Now().UTC().Add(-time.Second)).Error)
	}
}

func TestRetryBackoffCaps(t *testing.T) {
	require.Equal(t, 2*time.Minute, RetryBackoff(1, 60))
	require.Equal(t, 8*time.Minute, RetryBackoff(3, 60))
	require.Equal(t, 60*time.Minute, RetryBackoff(6, 60))
	require.Equal(t, 60*time.Minute, RetryBackoff(50, 60))
}

func TestExhaustedEventsAreLeftForOperators(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	event := f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.db.Model(&revenue.RevenueEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"onchain_status":   revenue.DeliveryFailed,
			"onchain_attempts": 5,
			"next_retry_at":    past,
		}).Error)

	stats, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Scanned)
	require.Empty(t, f.deliverer.calls)
}

func TestZeroHolderShareIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	event := f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 0)

	stats, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Empty(t, f.deliverer.calls)

	got := f.reload(t, event.ID)
	require.Equal(t, revenue.DeliveryDelivered, got.OnChainStatus)
}

func TestFailureReportAggregatesByStream(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	f.deliverer.fn = func(Delivery) (string, error) {
		return "", errors.New("relay down")
	}

	f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)
	f.recordEvent(t, revenue.StreamTradingFees, "trade-2", 20)
	f.recordEvent(t, revenue.StreamWithdrawalFees, "wd-1", 40)

	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	report, err := f.worker.FailureReport(ctx, nil, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, report, 2)

	trading := report[0]
	require.Equal(t, revenue.StreamTradingFees, trading.StreamID)
	require.Equal(t, 2, trading.Failures)
	// Pending holder share: 15% of 10 + 15% of 20.
	require.True(t, trading.PendingHolder.Equal(decimal.RequireFromString("4.5")))
	require.Contains(t, trading.LastError, "relay down")

	withdrawals := report[1]
	require.Equal(t, revenue.StreamWithdrawalFees, withdrawals.StreamID)
	require.Equal(t, 1, withdrawals.Failures)

	// Stream filter narrows the report.
	only := revenue.StreamWithdrawalFees
	report, err = f.worker.FailureReport(ctx, &only, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, report, 1)
	require.Equal(t, revenue.StreamWithdrawalFees, report[0].StreamID)
}

func TestDisabledDelivererSkipsBatch(t *testing.T) {
	ctx := context.Background()
	f := newOnchainFixture(t)

	f.recordEvent(t, revenue.StreamTradingFees, "trade-1", 10)

	disabled := NewWorker(f.db, nil, Config{GraceWindow: time.Nanosecond}, nil)
	stats, err := disabled.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Scanned)
}
