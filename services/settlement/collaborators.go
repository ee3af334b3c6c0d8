package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// External side-effect collaborators. Each is called at least once per job
// attempt, so implementations must tolerate repeat calls for the same
// correlation id.

type FeeDistributor interface {
	DistributeFees(ctx context.Context, amount decimal.Decimal, correlationID string) error
}

type RewardGranter interface {
	GrantTradingReward(ctx context.Context, userID string, notional decimal.Decimal, tradeID string) error
}

type ReferralChecker interface {
	CheckReferralMilestones(ctx context.Context, userID string, notional decimal.Decimal) error
}

// Logging stand-ins used when no external collaborator is wired in.

type loggingFeeDistributor struct{}

func (loggingFeeDistributor) DistributeFees(ctx context.Context, amount decimal.Decimal, correlationID string) error {
	zap.L().Info("fee distribution requested",
		zap.String("amount", amount.String()),
		zap.String("correlation_id", correlationID),
	)
	return nil
}

type loggingRewardGranter struct{}

func (loggingRewardGranter) GrantTradingReward(ctx context.Context, userID string, notional decimal.Decimal, tradeID string) error {
	zap.L().Info("trading reward requested",
		zap.String("user_id", userID),
		zap.String("notional", notional.String()),
		zap.String("trade_id", tradeID),
	)
	return nil
}

type loggingReferralChecker struct{}

func (loggingReferralChecker) CheckReferralMilestones(ctx context.Context, userID string, notional decimal.Decimal) error {
	zap.L().Info("referral milestone check requested",
		zap.String("user_id", userID),
		zap.String("notional", notional.String()),
	)
	return nil
}
