package defense

import (
	"tradecore-settlement/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("defense",
	fx.Provide(provideService),
)

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func provideService(p Params) *Service {
	threshold := decimal.Zero
	if raw := p.Config.Defense.NegativeFlowThreshold; raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			zap.L().Warn("invalid negative flow threshold, using default", zap.String("value", raw))
		} else {
			threshold = parsed
		}
	}

	return NewService(p.DB, p.Node, Config{
		GiniWarn:              p.Config.Defense.GiniWarn,
		TopOneWarnShare:       p.Config.Defense.TopOneWarnShare,
		TopFiveWarnShare:      p.Config.Defense.TopFiveWarnShare,
		NegativeFlowThreshold: threshold,
		TimelockDelay:         p.Config.Defense.TimelockDelay,
	})
}
