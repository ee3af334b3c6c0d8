package ledger

import (
	"tradecore-settlement/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger",
	fx.Provide(func(db *gorm.DB, cfg *config.Config, reg *prometheus.Registry) *Aggregator {
		return NewAggregator(db, cfg.Aggregator.BatchSize, cfg.Aggregator.SafetyLag, NewMetrics(reg))
	}),
)
