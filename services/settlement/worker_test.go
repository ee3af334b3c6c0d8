package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradecore-settlement/services/job"
	"tradecore-settlement/services/revenue"
	"tradecore-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeFees struct {
	calls int
	fn    func(ctx context.Context, amount decimal.Decimal, correlationID string) error
}

func (f *fakeFees) DistributeFees(ctx context.Context, amount decimal.Decimal, correlationID string) error {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, amount, correlationID)
	}
	return nil
}

type fakeRewards struct {
	calls int
	fn    func(ctx context.Context, userID string, notional decimal.Decimal, tradeID string) error
}

func (f *fakeRewards) GrantTradingReward(ctx context.Context, userID string, notional decimal.Decimal, tradeID string) error {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, userID, notional, tradeID)
	}
	return nil
}

type fakeReferrals struct {
	calls int
	fn    func(ctx context.Context, userID string, notional decimal.Decimal) error
}

func (f *fakeReferrals) CheckReferralMilestones(ctx context.Context, userID string, notional decimal.Decimal) error {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, userID, notional)
	}
	return nil
}

type workerFixture struct {
	db        *gorm.DB
	store     *job.Store
	recorder  *revenue.Recorder
	worker    *Worker
	fees      *fakeFees
	rewards   *fakeRewards
	referrals *fakeReferrals
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := testutil.NewTestDB(t,
		&job.Job{},
		&revenue.RevenueEvent{},
		&revenue.RevenueStream{},
	)

	recorder := revenue.NewRecorder(db, node)
	require.NoError(t, recorder.SeedStreams(context.Background()))

	f := &workerFixture{
		db:        db,
		store:     job.NewStore(db, node),
		recorder:  recorder,
		fees:      &fakeFees{},
		rewards:   &fakeRewards{},
		referrals: &fakeReferrals{},
	}

	f.worker = NewWorker(f.store, recorder, Collaborators{
		Fees:      f.fees,
		Rewards:   f.rewards,
		Referrals: f.referrals,
	}, Config{BatchSize: 10, Concurrency: 1}, nil)

	return f
}

func (f *workerFixture) enqueueFee(t *testing.T, tradeID string, opts ...job.EnqueueOption) snowflake.ID {
	t.Helper()

	opts = append(opts, job.WithCorrelationID(tradeID))
	id, err := f.store.Enqueue(context.Background(), job.TypeFeeDistribution, job.FeeDistributionPayload{
		TradeID:     tradeID,
		TakerID:     "user-taker",
		MakerID:     "user-maker",
		Notional:    decimal.NewFromInt(1000),
		FeeAmount:   decimal.NewFromInt(10),
		MakerRebate: decimal.NewFromInt(2),
		Currency:    "USDT",
	}, opts...)
	require.NoError(t, err)
	return id
}

func (f *workerFixture) makeDue(t *testing.T, id snowflake.ID) {
	t.Helper()
	require.NoError(t, f.db.Model(&job.Job{}).
		Where("id = ?", id).
		Update("scheduled_for", time.Now().UTC().Add(-time.Second)).Error)
}

func TestRunOnceCompletesFeeJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	id := f.enqueueFee(t, "trade-1")

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 1, f.fees.calls)

	fee, err := f.recorder.GetBySource(ctx, revenue.StreamTradingFees, "trade", "trade-1")
	require.NoError(t, err)
	require.True(t, fee.Holder.Equal(decimal.RequireFromString("1.5")))

	rebate, err := f.recorder.GetBySource(ctx, revenue.StreamMakerRebates, "trade", "trade-1")
	require.NoError(t, err)
	require.Equal(t, "user-maker", rebate.UserID)
}

func TestRevenueRecordedBeforeFeeDistribution(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	f.fees.fn = func(ctx context.Context, amount decimal.Decimal, correlationID string) error {
		_, err := f.recorder.GetBySource(ctx, revenue.StreamTradingFees, "trade", correlationID)
		return err
	}

	f.enqueueFee(t, "trade-1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.fees.calls)
}

func TestRetryDoesNotDoubleRecordRevenue(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	boom := errors.New("fee pool unavailable")
	f.fees.fn = func(context.Context, decimal.Decimal, string) error { return boom }

	id := f.enqueueFee(t, "trade-1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Contains(t, got.LastError, "fee pool unavailable")

	// Collaborator recovers; the replayed job must not double-count revenue.
	f.fees.fn = nil
	f.makeDue(t, id)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)

	totals, err := f.recorder.StreamTotals(ctx)
	require.NoError(t, err)
	require.True(t, totals[revenue.StreamTradingFees].TotalCollected.Equal(decimal.NewFromInt(10)))
}

func TestExhaustedJobIsDeadLetteredAndUnclaimable(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	f.fees.fn = func(context.Context, decimal.Decimal, string) error {
		return errors.New("permanently broken")
	}

	id := f.enqueueFee(t, "trade-1", job.WithMaxAttempts(2))

	for i := 0; i < 2; i++ {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		f.makeDue(t, id)
	}

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusDeadLetter, got.Status)

	// Dead-lettered jobs are never claimed again, even when due.
	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRewardAndReferralDispatch(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	_, err := f.store.Enqueue(ctx, job.TypeRewardDistribution, job.RewardDistributionPayload{
		TradeID:  "trade-1",
		UserID:   "user-taker",
		Role:     "taker",
		Notional: decimal.NewFromInt(1000),
		Currency: "USDT",
	})
	require.NoError(t, err)

	_, err = f.store.Enqueue(ctx, job.TypeReferralUpdate, job.ReferralUpdatePayload{
		TradeID:  "trade-1",
		UserID:   "user-taker",
		Notional: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, f.rewards.calls)
	require.Equal(t, 1, f.referrals.calls)
}

func TestMalformedPayloadGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	row := job.Job{
		ID:           snowflake.ID(1),
		Type:         job.TypeFeeDistribution,
		Status:       job.StatusPending,
		Payload:      []byte(`{"trade_id":""}`),
		MaxAttempts:  1,
		ScheduledFor: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, f.db.Create(&row).Error)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDeadLetter, got.Status)
}
