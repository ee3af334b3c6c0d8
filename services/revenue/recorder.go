package revenue

import (
	"context"
	"errors"
	"time"

	"tradecore-settlement/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder writes revenue events exactly once per (stream, source_type,
// source_id) and keeps the per-stream running totals in step.
type Recorder struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewRecorder(db *gorm.DB, node *snowflake.Node) *Recorder {
	return &Recorder{db: db, node: node}
}

type RecordInput struct {
	StreamID   StreamID
	SourceType string
	SourceID   string
	UserID     string
	Currency   string
	Amount     decimal.Decimal
	OccurredAt time.Time
	Metadata   datatypes.JSON
}

func (in RecordInput) validate() error {
	if !in.StreamID.Valid() {
		return errutil.ValidationFailed("unknown revenue stream")
	}
	if in.SourceType == "" {
		return errutil.ValidationFailed("source_type is required")
	}
	if in.SourceID == "" {
		return errutil.ValidationFailed("source_id is required")
	}
	if in.Currency == "" {
		return errutil.ValidationFailed("currency is required")
	}
	return nil
}

// Record creates the revenue event for the given source, splitting the gross
// amount into holder and reserve portions, and increments the stream total in
// the same transaction. A second call with the same (stream, source_type,
// source_id) returns the existing event with isNew=false and changes nothing.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*RevenueEvent, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("stream", in.StreamID.String()),
		zap.String("source_type", in.SourceType),
		zap.String("source_id", in.SourceID),
	)

	holder, reserve := ComputeSplit(in.Amount)

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := RevenueEvent{
		ID:            r.node.Generate(),
		StreamID:      in.StreamID,
		SourceType:    in.SourceType,
		SourceID:      in.SourceID,
		UserID:        in.UserID,
		Currency:      in.Currency,
		Gross:         in.Amount,
		Holder:        holder,
		Reserve:       reserve,
		Metadata:      in.Metadata,
		OccurredAt:    occurredAt,
		OnChainStatus: DeliveryUnattempted,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		return tx.Model(&RevenueStream{}).
			Where("id = ?", in.StreamID).
			Update("total_collected", gorm.Expr("total_collected + ?", in.Amount)).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := r.GetBySource(ctx, in.StreamID, in.SourceType, in.SourceID)
			if ferr != nil {
				return nil, false, ferr
			}
			zapLog.Info("revenue event already recorded", zap.Int64("event_id", int64(existing.ID)))
			return existing, false, nil
		}
		return nil, false, err
	}

	zapLog.Info("revenue event recorded",
		zap.Int64("event_id", int64(event.ID)),
		zap.String("gross", in.Amount.String()),
		zap.String("holder", holder.String()),
		zap.String("reserve", reserve.String()),
	)

	return &event, true, nil
}

func (r *Recorder) GetEvent(ctx context.Context, id snowflake.ID) (*RevenueEvent, error) {
	var event RevenueEvent
	if err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("revenue event not found", errutil.WithErr(err))
		}
		return nil, err
	}
	return &event, nil
}

func (r *Recorder) GetBySource(ctx context.Context, stream StreamID, sourceType, sourceID string) (*RevenueEvent, error) {
	var event RevenueEvent
	if err := r.db.WithContext(ctx).
		First(&event, "stream_id = ? AND source_type = ? AND source_id = ?", stream, sourceType, sourceID).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("revenue event not found", errutil.WithErr(err))
		}
		return nil, err
	}
	return &event, nil
}

func (r *Recorder) StreamTotals(ctx context.Context) ([]RevenueStream, error) {
	var streams []RevenueStream
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}

// SeedStreams inserts the fixed stream catalogue, leaving existing rows alone.
func (r *Recorder) SeedStreams(ctx context.Context) error {
	streams := make([]RevenueStream, 0, len(streamNames))
	for id := StreamTradingFees; id <= StreamOther; id++ {
		streams = append(streams, RevenueStream{
			ID:     id,
			Name:   id.String(),
			Active: true,
		})
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&streams).Error
}
