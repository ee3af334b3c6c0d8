package defense

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type FeeParameter struct {
	Name      string    `gorm:"column:name;primaryKey" json:"name"`
	Value     int64     `gorm:"column:value" json:"value"`
	HardCap   int64     `gorm:"column:hard_cap" json:"hard_cap"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (FeeParameter) TableName() string {
	return "fee_parameters"
}

type ChangeStatus string

const (
	ChangePending   ChangeStatus = "pending"
	ChangeApplied   ChangeStatus = "applied"
	ChangeCancelled ChangeStatus = "cancelled"
)

// FeeParameterChange stages a fee-parameter update behind the timelock.
type FeeParameterChange struct {
	ID               snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	Name             string       `gorm:"column:name;index" json:"name"`
	CurrentValue     int64        `gorm:"column:current_value" json:"current_value"`
	RequestedValue   int64        `gorm:"column:requested_value" json:"requested_value"`
	Status           ChangeStatus `gorm:"column:status" json:"status"`
	RequestedBy      string       `gorm:"column:requested_by" json:"requested_by"`
	ExecuteNotBefore time.Time    `gorm:"column:execute_not_before" json:"execute_not_before"`
	ExecutedAt       *time.Time   `gorm:"column:executed_at" json:"executed_at,omitempty"`
	CreatedAt        time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (FeeParameterChange) TableName() string {
	return "fee_parameter_changes"
}

type ConcentrationReport struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Users        int       `json:"users"`
	Gini         float64   `json:"gini"`
	TopOneShare  float64   `json:"top_one_share"`
	TopFiveShare float64   `json:"top_five_share"`
	Warnings     []string  `json:"warnings"`
}

type NegativeFlowFinding struct {
	UserID      string          `json:"user_id"`
	RebateTotal decimal.Decimal `json:"rebate_total"`
	FeeTotal    decimal.Decimal `json:"fee_total"`
	NetFlow     decimal.Decimal `json:"net_flow"`
}

type MissingEventFinding struct {
	JobID         int64      `gorm:"column:job_id" json:"job_id"`
	CorrelationID string     `gorm:"column:correlation_id" json:"correlation_id"`
	ProcessedAt   *time.Time `gorm:"column:processed_at" json:"processed_at"`
}

// AuditReport is the combined output of one periodic defense run.
type AuditReport struct {
	RanAt         time.Time             `json:"ran_at"`
	Concentration *ConcentrationReport  `json:"concentration"`
	NegativeFlows []NegativeFlowFinding `json:"negative_flows"`
	MissingEvents []MissingEventFinding `json:"missing_events"`
}
