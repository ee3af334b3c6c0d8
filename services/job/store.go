package job

import (
	"context"
	"time"

	"tradecore-settlement/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists settlement jobs. Claim exclusivity comes from the database,
// not from process-local locking.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewStore(db *gorm.DB, node *snowflake.Node) *Store {
	return &Store{db: db, node: node}
}

// WithTx returns a store bound to the given transaction so enqueues can share
// a transaction with their caller (e.g. intake committing per trade).
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, node: s.node}
}

type enqueueOptions struct {
	correlationID string
	maxAttempts   int
	delay         time.Duration
}

type EnqueueOption func(*enqueueOptions)

func WithCorrelationID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.correlationID = id }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func (s *Store) Enqueue(ctx context.Context, jobType Type, payload Payload, opts ...EnqueueOption) (snowflake.ID, error) {
	o := enqueueOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := EncodePayload(payload)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	row := Job{
		ID:            s.node.Generate(),
		Type:          jobType,
		Status:        StatusPending,
		CorrelationID: o.correlationID,
		Payload:       raw,
		MaxAttempts:   o.maxAttempts,
		ScheduledFor:  now.Add(o.delay),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}

	return row.ID, nil
}

// ClaimBatch atomically moves up to n due pending jobs to processing and
// returns them. On postgres the select takes row locks with SKIP LOCKED so
// concurrent workers never claim the same row; sqlite serialises writers and
// needs no locking clause.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]Job, error) {
	var claimed []Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		q := tx.
			Where("status = ? AND scheduled_for <= ?", StatusPending, now).
			Order("scheduled_for ASC").
			Limit(n)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(claimed))
		for _, j := range claimed {
			ids = append(ids, j.ID)
		}

		if err := tx.Model(&Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     StatusProcessing,
				"claimed_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range claimed {
			claimed[i].Status = StatusProcessing
			claimed[i].ClaimedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// RecoverStale returns processing jobs whose claim is older than window to
// pending. Covers workers that died between claim and outcome.
func (s *Store) RecoverStale(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND claimed_at < ?", StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"claimed_at": nil,
		})

	return res.RowsAffected, res.Error
}

// Apply persists the result of a Transition.
func (s *Store) Apply(ctx context.Context, j Job) error {
	return s.db.WithContext(ctx).Save(&j).Error
}

func (s *Store) Get(ctx context.Context, id snowflake.ID) (*Job, error) {
	var row Job
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errutil.NotFound("job not found", errutil.WithErr(err))
		}
		return nil, err
	}
	return &row, nil
}

type StatusCount struct {
	Status Status `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []StatusCount
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *Store) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	var rows []Job
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusDeadLetter).
		Order("processed_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Requeue replays a dead-lettered job. Operator action only.
func (s *Store) Requeue(ctx context.Context, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusDeadLetter).
		Updates(map[string]interface{}{
			"status":        StatusPending,
			"attempts":      0,
			"scheduled_for": time.Now().UTC(),
			"claimed_at":    nil,
			"processed_at":  nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("dead-lettered job not found")
	}
	return nil
}
