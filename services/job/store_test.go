package job

import (
	"context"
	"testing"
	"time"

	"tradecore-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := testutil.NewTestDB(t, &Job{})
	return NewStore(db, node)
}

func feePayload(tradeID string) FeeDistributionPayload {
	return FeeDistributionPayload{
		TradeID:   tradeID,
		TakerID:   "user-a",
		MakerID:   "user-b",
		Notional:  decimal.NewFromInt(1000),
		FeeAmount: decimal.NewFromInt(10),
		Currency:  "USDT",
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"), WithCorrelationID("trade-1"))
	require.NoError(t, err)
	require.NotZero(t, id)

	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, StatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedAt)

	// A second claim must not return the same row.
	again, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"), WithDelay(time.Hour))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestClaimRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, TypeReferralUpdate, ReferralUpdatePayload{TradeID: "t", UserID: "u"})
		require.NoError(t, err)
	}

	claimed, err := store.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	rest, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Fresh claims are left alone.
	n, err := store.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	// Backdate the claim beyond the window.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.db.Model(&Job{}).
		Where("id = ?", claimed[0].ID).
		Update("claimed_at", stale).Error)

	n, err = store.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	reclaimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, claimed[0].ID, reclaimed[0].ID)
}

func TestApplyTransitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"), WithMaxAttempts(2))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	now := time.Now().UTC()
	failed := Transition(claimed[0], context.DeadlineExceeded, now)
	require.NoError(t, store.Apply(ctx, failed))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotEmpty(t, got.LastError)

	// Second failure exhausts the budget.
	got.Status = StatusProcessing
	dead := Transition(*got, context.DeadlineExceeded, now)
	require.NoError(t, store.Apply(ctx, dead))

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDeadLetter, got.Status)
}

func TestCountByStatusAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"), WithMaxAttempts(1))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, TypeReferralUpdate, ReferralUpdatePayload{TradeID: "t", UserID: "u"})
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, Transition(claimed[0], context.DeadlineExceeded, time.Now().UTC())))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[StatusPending])
	require.EqualValues(t, 1, counts[StatusDeadLetter])

	letters, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, id, letters[0].ID)
}

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, TypeFeeDistribution, feePayload("trade-1"), WithMaxAttempts(1))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, Transition(claimed[0], context.DeadlineExceeded, time.Now().UTC())))

	// Requeue of a non-dead-lettered job is refused.
	require.Error(t, store.Requeue(ctx, snowflake.ID(42)))

	require.NoError(t, store.Requeue(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Zero(t, got.Attempts)
}
