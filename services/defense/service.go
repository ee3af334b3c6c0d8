package defense

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradecore-settlement/services/ledger"
	"tradecore-settlement/services/revenue"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Config struct {
	GiniWarn              float64
	TopOneWarnShare       float64
	TopFiveWarnShare      float64
	NegativeFlowThreshold decimal.Decimal
	TimelockDelay         time.Duration
}

func (c Config) withDefaults() Config {
	if c.GiniWarn <= 0 {
		c.GiniWarn = 0.8
	}
	if c.TopOneWarnShare <= 0 {
		c.TopOneWarnShare = 0.2
	}
	if c.TopFiveWarnShare <= 0 {
		c.TopFiveWarnShare = 0.5
	}
	if c.NegativeFlowThreshold.IsZero() {
		c.NegativeFlowThreshold = decimal.NewFromInt(100)
	}
	if c.TimelockDelay <= 0 {
		c.TimelockDelay = 48 * time.Hour
	}
	return c
}

// Service audits financial flows for concentration and integrity anomalies.
// Findings are reported, never auto-corrected.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  Config

	mu   sync.Mutex
	last *AuditReport
}

func NewService(db *gorm.DB, node *snowflake.Node, cfg Config) *Service {
	return &Service{db: db, node: node, cfg: cfg.withDefaults()}
}

// CalculateConcentration measures inequality of per-user revenue contribution
// over the ledger window [start, end].
func (s *Service) CalculateConcentration(ctx context.Context, start, end time.Time) (*ConcentrationReport, error) {
	var rows []ledger.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("period >= ? AND period <= ?", ledger.Period(start), ledger.Period(end)).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	byUser := make(map[string]decimal.Decimal)
	for _, r := range rows {
		byUser[r.UserID] = byUser[r.UserID].Add(r.GrossTotal)
	}

	values := make([]float64, 0, len(byUser))
	for _, v := range byUser {
		f, _ := v.Float64()
		if f > 0 {
			values = append(values, f)
		}
	}

	report := &ConcentrationReport{Start: start, End: end, Users: len(values)}
	if len(values) == 0 {
		return report, nil
	}

	sort.Float64s(values)

	total := 0.0
	weighted := 0.0
	for i, v := range values {
		total += v
		weighted += float64(i+1) * v
	}

	n := float64(len(values))
	report.Gini = (2*weighted)/(n*total) - (n+1)/n
	report.TopOneShare = values[len(values)-1] / total

	topFive := 0.0
	for i := len(values) - 1; i >= 0 && i >= len(values)-5; i-- {
		topFive += values[i]
	}
	report.TopFiveShare = topFive / total

	if report.Gini > s.cfg.GiniWarn {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("gini %.3f exceeds threshold %.3f", report.Gini, s.cfg.GiniWarn))
	}
	if report.TopOneShare > s.cfg.TopOneWarnShare {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("top earner holds %.1f%% of revenue", report.TopOneShare*100))
	}
	if report.TopFiveShare > s.cfg.TopFiveWarnShare {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("top five earners hold %.1f%% of revenue", report.TopFiveShare*100))
	}

	return report, nil
}

// DetectNegativeNetFlows flags users whose maker-rebate income exceeds their
// taker-fee expense beyond the threshold, a wash-trading signal.
func (s *Service) DetectNegativeNetFlows(ctx context.Context, days int) ([]NegativeFlowFinding, error) {
	since := ledger.Period(time.Now().UTC().AddDate(0, 0, -days))

	var rows []ledger.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("period >= ? AND stream_id IN ?", since,
			[]revenue.StreamID{revenue.StreamTradingFees, revenue.StreamMakerRebates}).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	type flows struct {
		rebates decimal.Decimal
		fees    decimal.Decimal
	}
	byUser := make(map[string]*flows)
	for _, r := range rows {
		f, ok := byUser[r.UserID]
		if !ok {
			f = &flows{}
			byUser[r.UserID] = f
		}
		switch r.StreamID {
		case revenue.StreamMakerRebates:
			f.rebates = f.rebates.Add(r.GrossTotal)
		case revenue.StreamTradingFees:
			f.fees = f.fees.Add(r.GrossTotal)
		}
	}

	var findings []NegativeFlowFinding
	for userID, f := range byUser {
		net := f.rebates.Sub(f.fees)
		if net.GreaterThan(s.cfg.NegativeFlowThreshold) {
			findings = append(findings, NegativeFlowFinding{
				UserID:      userID,
				RebateTotal: f.rebates,
				FeeTotal:    f.fees,
				NetFlow:     net,
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].NetFlow.GreaterThan(findings[j].NetFlow)
	})

	return findings, nil
}

// DetectMissingRevenueEvents cross-checks completed fee-distribution jobs
// against the revenue event table: every completed job must have produced a
// trading-fee event for its correlation id.
func (s *Service) DetectMissingRevenueEvents(ctx context.Context) ([]MissingEventFinding, error) {
	var findings []MissingEventFinding
	err := s.db.WithContext(ctx).Raw(`
		SELECT j.id AS job_id, j.correlation_id, j.processed_at
		FROM settlement_jobs j
		LEFT JOIN revenue_events e
			ON e.stream_id = ?
			AND e.source_type = 'trade'
			AND e.source_id = j.correlation_id
		WHERE j.type = 'fee_distribution'
			AND j.status = 'completed'
			AND e.id IS NULL
		ORDER BY j.id ASC`,
		revenue.StreamTradingFees,
	).Scan(&findings).Error
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// RunAudit runs the three checks over the trailing 30 days and caches the
// report for the operator surface. Anomalies are logged, not acted on.
func (s *Service) RunAudit(ctx context.Context) (*AuditReport, error) {
	now := time.Now().UTC()

	concentration, err := s.CalculateConcentration(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		return nil, fmt.Errorf("concentration check: %w", err)
	}

	negativeFlows, err := s.DetectNegativeNetFlows(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("negative flow check: %w", err)
	}

	missing, err := s.DetectMissingRevenueEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("missing event check: %w", err)
	}

	report := &AuditReport{
		RanAt:         now,
		Concentration: concentration,
		NegativeFlows: negativeFlows,
		MissingEvents: missing,
	}

	for _, warning := range concentration.Warnings {
		zap.L().Warn("revenue concentration warning", zap.String("warning", warning))
	}
	if len(negativeFlows) > 0 {
		zap.L().Warn("negative net flows detected", zap.Int("users", len(negativeFlows)))
	}
	if len(missing) > 0 {
		zap.L().Error("completed jobs without revenue events", zap.Int("count", len(missing)))
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	return report, nil
}

// LastReport returns the most recent audit, or nil before the first run.
func (s *Service) LastReport() *AuditReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
