package settlement

import (
	"context"
	"fmt"
	"time"

	"tradecore-settlement/services/job"
	"tradecore-settlement/services/revenue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	StaleAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Worker drains the settlement job queue: claim a batch, run each job's side
// effects, persist the resulting transition. Retry policy lives entirely in
// job.Transition; the worker never loops on a failing job itself.
type Worker struct {
	store     *job.Store
	recorder  *revenue.Recorder
	fees      FeeDistributor
	rewards   RewardGranter
	referrals ReferralChecker
	metrics   *Metrics
	cfg       Config
}

type Collaborators struct {
	Fees      FeeDistributor
	Rewards   RewardGranter
	Referrals ReferralChecker
}

func NewWorker(store *job.Store, recorder *revenue.Recorder, col Collaborators, cfg Config, m *Metrics) *Worker {
	if col.Fees == nil {
		col.Fees = loggingFeeDistributor{}
	}
	if col.Rewards == nil {
		col.Rewards = loggingRewardGranter{}
	}
	if col.Referrals == nil {
		col.Referrals = loggingReferralChecker{}
	}
	if m == nil {
		m = NewMetrics(nil)
	}

	return &Worker{
		store:     store,
		recorder:  recorder,
		fees:      col.Fees,
		rewards:   col.Rewards,
		referrals: col.Referrals,
		metrics:   m,
		cfg:       cfg.withDefaults(),
	}
}

// RunForever polls until the context is cancelled. Stale claims left behind by
// a crashed worker are recovered before the first poll.
func (w *Worker) RunForever(ctx context.Context) error {
	if n, err := w.store.RecoverStale(ctx, w.cfg.StaleAfter); err != nil {
		zap.L().Error("stale job recovery failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Warn("recovered stale jobs", zap.Int64("count", n))
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	zap.L().Info("settlement worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("settlement worker stopping")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				zap.L().Error("settlement batch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims and processes a single batch, returning the claim count.
// The claim transaction commits before any job side effect runs.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	start := time.Now()

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return w.processJob(ctx, j)
		})
	}
	err = g.Wait()

	w.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	w.refreshQueueDepth(ctx)

	return len(jobs), err
}

// processJob runs the job's side effects and persists the transition. The
// returned error covers storage problems only; side-effect failures are
// folded into the job row as retry or dead-letter state.
func (w *Worker) processJob(ctx context.Context, j job.Job) error {
	outcome := w.execute(ctx, &j)
	now := time.Now().UTC()
	updated := job.Transition(j, outcome, now)

	if err := w.store.Apply(ctx, updated); err != nil {
		return fmt.Errorf("persist job %d: %w", j.ID, err)
	}

	switch updated.Status {
	case job.StatusCompleted:
		w.metrics.JobsProcessed.WithLabelValues(string(j.Type), "completed").Inc()
	case job.StatusPending:
		w.metrics.JobsProcessed.WithLabelValues(string(j.Type), "retried").Inc()
		zap.L().Warn("settlement job rescheduled",
			zap.Int64("job_id", int64(j.ID)),
			zap.String("type", string(j.Type)),
			zap.Int("attempts", updated.Attempts),
			zap.Time("next_attempt", updated.ScheduledFor),
			zap.String("error", updated.LastError),
		)
	case job.StatusDeadLetter:
		w.metrics.JobsProcessed.WithLabelValues(string(j.Type), "dead_letter").Inc()
		w.metrics.DeadLetters.Inc()
		zap.L().Error("settlement job dead-lettered",
			zap.Int64("job_id", int64(j.ID)),
			zap.String("type", string(j.Type)),
			zap.String("correlation_id", j.CorrelationID),
			zap.Int("attempts", updated.Attempts),
			zap.String("error", updated.LastError),
		)
	}

	return nil
}

// execute dispatches on the payload type. Inside a fee distribution job the
// revenue split is always recorded before the pool distribution call.
func (w *Worker) execute(ctx context.Context, j *job.Job) error {
	payload, err := j.DecodePayload()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *job.FeeDistributionPayload:
		return w.executeFeeDistribution(ctx, j, p)
	case *job.RewardDistributionPayload:
		return w.rewards.GrantTradingReward(ctx, p.UserID, p.Notional, p.TradeID)
	case *job.ReferralUpdatePayload:
		return w.referrals.CheckReferralMilestones(ctx, p.UserID, p.Notional)
	default:
		return fmt.Errorf("no handler for job type %q", j.Type)
	}
}

func (w *Worker) executeFeeDistribution(ctx context.Context, j *job.Job, p *job.FeeDistributionPayload) error {
	_, _, err := w.recorder.Record(ctx, revenue.RecordInput{
		StreamID:   revenue.StreamTradingFees,
		SourceType: "trade",
		SourceID:   p.TradeID,
		UserID:     p.TakerID,
		Currency:   p.Currency,
		Amount:     p.FeeAmount,
		Metadata:   j.Payload,
	})
	if err != nil {
		return fmt.Errorf("record trading fee: %w", err)
	}

	if !p.MakerRebate.IsZero() {
		_, _, err = w.recorder.Record(ctx, revenue.RecordInput{
			StreamID:   revenue.StreamMakerRebates,
			SourceType: "trade",
			SourceID:   p.TradeID,
			UserID:     p.MakerID,
			Currency:   p.Currency,
			Amount:     p.MakerRebate,
		})
		if err != nil {
			return fmt.Errorf("record maker rebate: %w", err)
		}
	}

	if err := w.fees.DistributeFees(ctx, p.FeeAmount, j.CorrelationID); err != nil {
		return fmt.Errorf("distribute fees: %w", err)
	}

	return nil
}

func (w *Worker) refreshQueueDepth(ctx context.Context) {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		zap.L().Warn("queue depth snapshot failed", zap.Error(err))
		return
	}
	for _, status := range []job.Status{job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusDeadLetter} {
		w.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
