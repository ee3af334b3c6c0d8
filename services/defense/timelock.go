package defense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecore-settlement/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var defaultParameters = []FeeParameter{
	{Name: "taker_fee_bps", Value: 100, HardCap: 500},
	{Name: "maker_rebate_bps", Value: 20, HardCap: 100},
	{Name: "holder_share_bps", Value: 1500, HardCap: 2000},
	{Name: "withdrawal_fee_bps", Value: 10, HardCap: 100},
}

// SeedParameters inserts the parameter catalogue, leaving existing rows alone.
func (s *Service) SeedParameters(ctx context.Context) error {
	params := make([]FeeParameter, len(defaultParameters))
	copy(params, defaultParameters)

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&params).Error
}

func (s *Service) GetParameter(ctx context.Context, name string) (*FeeParameter, error) {
	var param FeeParameter
	if err := s.db.WithContext(ctx).First(&param, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("unknown fee parameter %q", name))
		}
		return nil, err
	}
	return &param, nil
}

func (s *Service) ListParameters(ctx context.Context) ([]FeeParameter, error) {
	var params []FeeParameter
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&params).Error; err != nil {
		return nil, err
	}
	return params, nil
}

func validateAgainstCap(param *FeeParameter, value int64) error {
	if value < 0 {
		return errutil.ValidationFailed("parameter value must not be negative")
	}
	if value > param.HardCap {
		return errutil.Forbidden(fmt.Sprintf(
			"%s value %d exceeds hard cap %d", param.Name, value, param.HardCap))
	}
	return nil
}

// RequestParameterChange stages a change behind the timelock. Values beyond
// the hard cap are rejected at request time, not deferred.
func (s *Service) RequestParameterChange(ctx context.Context, name string, value int64, requestedBy string) (*FeeParameterChange, error) {
	param, err := s.GetParameter(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validateAgainstCap(param, value); err != nil {
		return nil, err
	}

	change := FeeParameterChange{
		ID:               s.node.Generate(),
		Name:             name,
		CurrentValue:     param.Value,
		RequestedValue:   value,
		Status:           ChangePending,
		RequestedBy:      requestedBy,
		ExecuteNotBefore: time.Now().UTC().Add(s.cfg.TimelockDelay),
	}

	if err := s.db.WithContext(ctx).Create(&change).Error; err != nil {
		return nil, err
	}

	zap.L().Info("fee parameter change staged",
		zap.String("parameter", name),
		zap.Int64("current", param.Value),
		zap.Int64("requested", value),
		zap.Time("execute_not_before", change.ExecuteNotBefore),
		zap.String("requested_by", requestedBy),
	)

	return &change, nil
}

// ExecuteParameterChange applies a staged change once the timelock has
// passed. The hard cap is re-validated at execution so a cap lowered in the
// meantime still wins.
func (s *Service) ExecuteParameterChange(ctx context.Context, id snowflake.ID) (*FeeParameterChange, error) {
	var change FeeParameterChange

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&change, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("parameter change not found")
			}
			return err
		}
		if change.Status != ChangePending {
			return errutil.Conflict(fmt.Sprintf("change is %s, not pending", change.Status))
		}

		now := time.Now().UTC()
		if now.Before(change.ExecuteNotBefore) {
			return errutil.Forbidden(fmt.Sprintf(
				"timelock active until %s", change.ExecuteNotBefore.Format(time.RFC3339)))
		}

		var param FeeParameter
		if err := tx.First(&param, "name = ?", change.Name).Error; err != nil {
			return err
		}
		if err := validateAgainstCap(&param, change.RequestedValue); err != nil {
			return err
		}

		if err := tx.Model(&FeeParameter{}).
			Where("name = ?", change.Name).
			Update("value", change.RequestedValue).Error; err != nil {
			return err
		}

		change.Status = ChangeApplied
		change.ExecutedAt = &now
		return tx.Save(&change).Error
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("fee parameter change applied",
		zap.String("parameter", change.Name),
		zap.Int64("value", change.RequestedValue),
	)

	return &change, nil
}

// CancelParameterChange withdraws a pending change.
func (s *Service) CancelParameterChange(ctx context.Context, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Model(&FeeParameterChange{}).
		Where("id = ? AND status = ?", id, ChangePending).
		Update("status", ChangeCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("pending parameter change not found")
	}
	return nil
}

func (s *Service) PendingChanges(ctx context.Context) ([]FeeParameterChange, error) {
	var changes []FeeParameterChange
	if err := s.db.WithContext(ctx).
		Where("status = ?", ChangePending).
		Order("created_at ASC").
		Find(&changes).Error; err != nil {
		return nil, err
	}
	return changes, nil
}
