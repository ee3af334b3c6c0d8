package revenue

import (
	"context"
	"testing"

	"tradecore-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := testutil.NewTestDB(t, &RevenueEvent{}, &RevenueStream{})
	r := NewRecorder(db, node)
	require.NoError(t, r.SeedStreams(context.Background()))
	return r
}

func TestComputeSplit(t *testing.T) {
	holder, reserve := ComputeSplit(decimal.NewFromInt(10))
	require.True(t, holder.Equal(decimal.RequireFromString("1.5")), holder.String())
	require.True(t, reserve.Equal(decimal.RequireFromString("8.5")), reserve.String())

	// Portions always reassemble the gross exactly.
	gross := decimal.RequireFromString("0.0000001")
	holder, reserve = ComputeSplit(gross)
	require.True(t, holder.Add(reserve).Equal(gross))

	// Refunds split with the sign preserved.
	holder, reserve = ComputeSplit(decimal.NewFromInt(-10))
	require.True(t, holder.Equal(decimal.RequireFromString("-1.5")))
	require.True(t, reserve.Equal(decimal.RequireFromString("-8.5")))
}

func TestRecordSplitsAndIncrementsStream(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	event, isNew, err := r.Record(ctx, RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade",
		SourceID:   "trade-1",
		UserID:     "user-a",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.True(t, isNew)
	require.True(t, event.Holder.Equal(decimal.RequireFromString("1.5")))
	require.True(t, event.Reserve.Equal(decimal.RequireFromString("8.5")))
	require.Equal(t, DeliveryUnattempted, event.OnChainStatus)

	totals, err := r.StreamTotals(ctx)
	require.NoError(t, err)
	require.True(t, totals[StreamTradingFees].TotalCollected.Equal(decimal.NewFromInt(10)))
}

func TestRecordIsIdempotentPerSource(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	in := RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade",
		SourceID:   "trade-1",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(10),
	}

	first, isNew, err := r.Record(ctx, in)
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := r.Record(ctx, in)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, first.ID, second.ID)

	// Stream total counted once.
	totals, err := r.StreamTotals(ctx)
	require.NoError(t, err)
	require.True(t, totals[StreamTradingFees].TotalCollected.Equal(decimal.NewFromInt(10)))
}

func TestRecordSameSourceDifferentStreams(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	_, isNew, err := r.Record(ctx, RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade",
		SourceID:   "trade-1",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.True(t, isNew)

	_, isNew, err = r.Record(ctx, RecordInput{
		StreamID:   StreamMakerRebates,
		SourceType: "trade",
		SourceID:   "trade-1",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	require.True(t, isNew)
}

func TestRecordRefundDecreasesTotals(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	_, _, err := r.Record(ctx, RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade",
		SourceID:   "trade-1",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	refund, isNew, err := r.Record(ctx, RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade_refund",
		SourceID:   "trade-1:refund",
		Currency:   "USDT",
		Amount:     decimal.NewFromInt(-100),
		Metadata:   []byte(`{"refund_of":"trade-1"}`),
	})
	require.NoError(t, err)
	require.True(t, isNew)
	require.True(t, refund.Holder.IsNegative())

	totals, err := r.StreamTotals(ctx)
	require.NoError(t, err)
	require.True(t, totals[StreamTradingFees].TotalCollected.IsZero())
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	_, _, err := r.Record(ctx, RecordInput{
		StreamID:   StreamID(99),
		SourceType: "trade",
		SourceID:   "trade-1",
		Currency:   "USDT",
	})
	require.Error(t, err)

	_, _, err = r.Record(ctx, RecordInput{
		StreamID:   StreamTradingFees,
		SourceType: "trade",
		Currency:   "USDT",
	})
	require.Error(t, err)
}
