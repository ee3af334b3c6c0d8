package ledger

import (
	"time"

	"tradecore-settlement/services/revenue"

	"github.com/shopspring/decimal"
)

// LedgerEntry is the per-user daily rollup of revenue events. GrossTotal sums
// the signed gross amounts; NetTotal sums the reserve portion retained after
// the holder split. LastEventID is the fold watermark: events at or below it
// are already counted in this row.
type LedgerEntry struct {
	UserID      string           `gorm:"column:user_id;primaryKey" json:"user_id"`
	StreamID    revenue.StreamID `gorm:"column:stream_id;primaryKey;autoIncrement:false" json:"stream_id"`
	Period      string           `gorm:"column:period;primaryKey" json:"period"`
	Currency    string           `gorm:"column:currency;primaryKey" json:"currency"`
	GrossTotal  decimal.Decimal  `gorm:"column:gross_total;type:decimal(38,18)" json:"gross_total"`
	NetTotal    decimal.Decimal  `gorm:"column:net_total;type:decimal(38,18)" json:"net_total"`
	EventCount  int64            `gorm:"column:event_count" json:"event_count"`
	LastEventID int64            `gorm:"column:last_event_id" json:"last_event_id"`
	CreatedAt   time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (LedgerEntry) TableName() string {
	return "revenue_ledger_entries"
}

// Checkpoint is a named cursor over the event stream. It only narrows the
// candidate set for a run; row-level watermarks keep the fold idempotent even
// if the checkpoint is stale or lost.
type Checkpoint struct {
	Name          string    `gorm:"column:name;primaryKey" json:"name"`
	LastEventID   int64     `gorm:"column:last_event_id" json:"last_event_id"`
	LastRunAt     time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	LastProcessed int64     `gorm:"column:last_processed" json:"last_processed"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Checkpoint) TableName() string {
	return "worker_checkpoints"
}

// Period formats a timestamp as the UTC calendar-day bucket key.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
