package revenue

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// StreamID identifies one of the fixed platform revenue streams.
type StreamID int

const (
	StreamTradingFees StreamID = iota
	StreamWithdrawalFees
	StreamMakerRebates
	StreamSubscriptions
	StreamLendingInterest
	StreamListingFees
	StreamLiquidationFees
	StreamAPIFees
	StreamStakingFees
	StreamOther
)

var streamNames = map[StreamID]string{
	StreamTradingFees:     "trading_fees",
	StreamWithdrawalFees:  "withdrawal_fees",
	StreamMakerRebates:    "maker_rebates",
	StreamSubscriptions:   "subscriptions",
	StreamLendingInterest: "lending_interest",
	StreamListingFees:     "listing_fees",
	StreamLiquidationFees: "liquidation_fees",
	StreamAPIFees:         "api_fees",
	StreamStakingFees:     "staking_fees",
	StreamOther:           "other",
}

func (s StreamID) String() string {
	if name, ok := streamNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s StreamID) Valid() bool {
	_, ok := streamNames[s]
	return ok
}

// Revenue split between token holders and the platform reserve,
// in basis points of the gross amount.
const (
	HolderShareBps  = 1500
	ReserveShareBps = 8500
)

var holderRate = decimal.New(HolderShareBps, -4)

// ComputeSplit divides a gross amount into the holder and reserve portions.
// The reserve takes the remainder so the two always sum to the gross exactly.
// Negative amounts (refunds) split with the sign preserved.
func ComputeSplit(gross decimal.Decimal) (holder, reserve decimal.Decimal) {
	holder = gross.Mul(holderRate)
	reserve = gross.Sub(holder)
	return holder, reserve
}

// DeliveryStatus tracks the on-chain delivery sidecar state of an event.
type DeliveryStatus string

const (
	DeliveryUnattempted DeliveryStatus = "unattempted"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
)

type RevenueEvent struct {
	ID         snowflake.ID    `gorm:"column:id;primaryKey" json:"id"`
	StreamID   StreamID        `gorm:"column:stream_id;uniqueIndex:idx_revenue_events_source" json:"stream_id"`
	SourceType string          `gorm:"column:source_type;uniqueIndex:idx_revenue_events_source" json:"source_type"`
	SourceID   string          `gorm:"column:source_id;uniqueIndex:idx_revenue_events_source" json:"source_id"`
	UserID     string          `gorm:"column:user_id;index" json:"user_id,omitempty"`
	Currency   string          `gorm:"column:currency" json:"currency"`
	Gross      decimal.Decimal `gorm:"column:gross_amount;type:decimal(38,18)" json:"gross_amount"`
	Holder     decimal.Decimal `gorm:"column:holder_amount;type:decimal(38,18)" json:"holder_amount"`
	Reserve    decimal.Decimal `gorm:"column:reserve_amount;type:decimal(38,18)" json:"reserve_amount"`
	Metadata   datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	OccurredAt time.Time       `gorm:"column:occurred_at" json:"occurred_at"`

	OnChainStatus   DeliveryStatus `gorm:"column:onchain_status;index" json:"onchain_status"`
	OnChainAttempts int            `gorm:"column:onchain_attempts" json:"onchain_attempts"`
	NextRetryAt     *time.Time     `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	DeliveredAt     *time.Time     `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	OnChainTxHash   string         `gorm:"column:onchain_tx_hash" json:"onchain_tx_hash,omitempty"`
	OnChainError    string         `gorm:"column:onchain_error" json:"onchain_error,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (RevenueEvent) TableName() string {
	return "revenue_events"
}

type RevenueStream struct {
	ID               StreamID        `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Name             string          `gorm:"column:name" json:"name"`
	TotalCollected   decimal.Decimal `gorm:"column:total_collected;type:decimal(38,18)" json:"total_collected"`
	TotalDistributed decimal.Decimal `gorm:"column:total_distributed;type:decimal(38,18)" json:"total_distributed"`
	MonthlyTarget    decimal.Decimal `gorm:"column:monthly_target;type:decimal(38,18)" json:"monthly_target"`
	Active           bool            `gorm:"column:active" json:"active"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (RevenueStream) TableName() string {
	return "revenue_streams"
}
