package job

import (
	"encoding/json"
	"fmt"
	"time"

	"tradecore-settlement/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeFeeDistribution    Type = "fee_distribution"
	TypeRewardDistribution Type = "reward_distribution"
	TypeReferralUpdate     Type = "referral_update"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
)

const DefaultMaxAttempts = 5

type Job struct {
	ID            snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	Type          Type           `gorm:"column:type;index:idx_settlement_jobs_correlation" json:"type"`
	Status        Status         `gorm:"column:status;index:idx_settlement_jobs_claim" json:"status"`
	CorrelationID string         `gorm:"column:correlation_id;index:idx_settlement_jobs_correlation" json:"correlation_id"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"payload"`
	Attempts      int            `gorm:"column:attempts" json:"attempts"`
	MaxAttempts   int            `gorm:"column:max_attempts" json:"max_attempts"`
	LastError     string         `gorm:"column:last_error" json:"last_error,omitempty"`
	ScheduledFor  time.Time      `gorm:"column:scheduled_for;index:idx_settlement_jobs_claim" json:"scheduled_for"`
	ClaimedAt     *time.Time     `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Job) TableName() string {
	return "settlement_jobs"
}

// Payload is the tagged union carried in the settlement_jobs payload column.
// The job Type selects the concrete shape.
type Payload interface {
	Validate() error
}

type FeeDistributionPayload struct {
	TradeID     string          `json:"trade_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	TakerID     string          `json:"taker_id"`
	MakerID     string          `json:"maker_id"`
	Notional    decimal.Decimal `json:"notional"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	MakerRebate decimal.Decimal `json:"maker_rebate"`
	Currency    string          `json:"currency"`
}

func (p FeeDistributionPayload) Validate() error {
	if p.TradeID == "" {
		return errutil.ValidationFailed("trade_id is required")
	}
	if p.Currency == "" {
		return errutil.ValidationFailed("currency is required")
	}
	if p.FeeAmount.IsNegative() {
		return errutil.ValidationFailed("fee_amount must not be negative")
	}
	return nil
}

type RewardDistributionPayload struct {
	TradeID  string          `json:"trade_id"`
	UserID   string          `json:"user_id"`
	Role     string          `json:"role"`
	Notional decimal.Decimal `json:"notional"`
	Currency string          `json:"currency"`
}

func (p RewardDistributionPayload) Validate() error {
	if p.TradeID == "" {
		return errutil.ValidationFailed("trade_id is required")
	}
	if p.UserID == "" {
		return errutil.ValidationFailed("user_id is required")
	}
	if p.Role != "taker" && p.Role != "maker" {
		return errutil.ValidationFailed("role must be taker or maker")
	}
	return nil
}

type ReferralUpdatePayload struct {
	TradeID  string          `json:"trade_id"`
	UserID   string          `json:"user_id"`
	Notional decimal.Decimal `json:"notional"`
}

func (p ReferralUpdatePayload) Validate() error {
	if p.UserID == "" {
		return errutil.ValidationFailed("user_id is required")
	}
	return nil
}

func EncodePayload(p Payload) (datatypes.JSON, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// DecodePayload materialises the typed payload selected by the job type.
func (j *Job) DecodePayload() (Payload, error) {
	var p Payload
	switch j.Type {
	case TypeFeeDistribution:
		p = &FeeDistributionPayload{}
	case TypeRewardDistribution:
		p = &RewardDistributionPayload{}
	case TypeReferralUpdate:
		p = &ReferralUpdatePayload{}
	default:
		return nil, errutil.UnprocessableEntity(fmt.Sprintf("unknown job type %q", j.Type))
	}

	if err := json.Unmarshal(j.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Backoff returns the retry delay after the given number of failed attempts.
// The schedule doubles from one second and is capped at one minute.
func Backoff(attempts int) time.Duration {
	if attempts >= 6 {
		return time.Minute
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// Transition applies one processing outcome to a claimed job and returns the
// resulting row. It is a pure function: no storage, no clock reads.
//
// Success completes the job. Failure increments the attempt counter and either
// reschedules with backoff or, once attempts reach the cap, parks the job in
// dead_letter. Dead-lettered jobs are terminal until an operator requeues them.
func Transition(j Job, outcome error, now time.Time) Job {
	if outcome == nil {
		j.Status = StatusCompleted
		j.ProcessedAt = &now
		j.LastError = ""
		return j
	}

	j.Attempts++
	j.LastError = outcome.Error()
	j.ClaimedAt = nil

	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDeadLetter
		j.ProcessedAt = &now
		return j
	}

	j.Status = StatusPending
	j.ScheduledFor = now.Add(Backoff(j.Attempts))
	return j
}
