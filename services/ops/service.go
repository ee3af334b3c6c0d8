package ops

import (
	"context"
	"time"

	"tradecore-settlement/services/defense"
	"tradecore-settlement/services/job"
	"tradecore-settlement/services/ledger"
	"tradecore-settlement/services/onchain"
	"tradecore-settlement/services/revenue"

	"github.com/bwmarrin/snowflake"
)

// Service exposes read-only operational snapshots over the settlement data
// model, plus the operator-only mutations (dead-letter requeue, fee-parameter
// timelock).
type Service struct {
	store      *job.Store
	recorder   *revenue.Recorder
	aggregator *ledger.Aggregator
	onchain    *onchain.Worker
	defense    *defense.Service
}

func NewService(
	store *job.Store,
	recorder *revenue.Recorder,
	aggregator *ledger.Aggregator,
	onchainWorker *onchain.Worker,
	defenseService *defense.Service,
) *Service {
	return &Service{
		store:      store,
		recorder:   recorder,
		aggregator: aggregator,
		onchain:    onchainWorker,
		defense:    defenseService,
	}
}

type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
}

func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:    counts[job.StatusPending],
		Processing: counts[job.StatusProcessing],
		Completed:  counts[job.StatusCompleted],
		DeadLetter: counts[job.StatusDeadLetter],
	}, nil
}

func (s *Service) DeadLetters(ctx context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.DeadLetters(ctx, limit)
}

func (s *Service) RequeueJob(ctx context.Context, id snowflake.ID) error {
	return s.store.Requeue(ctx, id)
}

func (s *Service) StreamTotals(ctx context.Context) ([]revenue.RevenueStream, error) {
	return s.recorder.StreamTotals(ctx)
}

func (s *Service) AggregatorStatus(ctx context.Context) (*ledger.Checkpoint, error) {
	return s.aggregator.Status(ctx)
}

func (s *Service) OnChainFailures(ctx context.Context, stream *revenue.StreamID, window time.Duration) ([]onchain.StreamFailureSummary, error) {
	return s.onchain.FailureReport(ctx, stream, window)
}

func (s *Service) DefenseReport() *defense.AuditReport {
	return s.defense.LastReport()
}

func (s *Service) ListParameters(ctx context.Context) ([]defense.FeeParameter, error) {
	return s.defense.ListParameters(ctx)
}

func (s *Service) RequestParameterChange(ctx context.Context, name string, value int64, requestedBy string) (*defense.FeeParameterChange, error) {
	return s.defense.RequestParameterChange(ctx, name, value, requestedBy)
}

func (s *Service) ExecuteParameterChange(ctx context.Context, id snowflake.ID) (*defense.FeeParameterChange, error) {
	return s.defense.ExecuteParameterChange(ctx, id)
}

func (s *Service) CancelParameterChange(ctx context.Context, id snowflake.ID) error {
	return s.defense.CancelParameterChange(ctx, id)
}
