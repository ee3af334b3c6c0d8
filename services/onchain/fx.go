package onchain

import (
	"tradecore-settlement/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("onchain",
	fx.Provide(provideWorker),
)

type Params struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Registry *prometheus.Registry
}

func provideWorker(p Params) *Worker {
	var deliverer Deliverer
	if p.Config.OnChain.Endpoint != "" {
		deliverer = NewHTTPDeliverer(p.Config.OnChain.Endpoint)
	} else {
		zap.L().Warn("no on-chain relay endpoint configured, delivery disabled")
	}

	return NewWorker(p.DB, deliverer, Config{
		BatchSize:      p.Config.OnChain.BatchSize,
		MaxAttempts:    p.Config.OnChain.MaxAttempts,
		GraceWindow:    p.Config.OnChain.GraceWindow,
		MaxBackoffMin:  p.Config.OnChain.MaxBackoffMin,
		ChainDecimals:  p.Config.OnChain.ChainDecimals,
		LogEveryFirstN: p.Config.OnChain.LogEveryFirstN,
	}, NewMetrics(p.Registry))
}
