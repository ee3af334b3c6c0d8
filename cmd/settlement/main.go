package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tradecore-settlement/pkg/config"
	"tradecore-settlement/pkg/db"
	"tradecore-settlement/pkg/health"
	"tradecore-settlement/pkg/logger"
	"tradecore-settlement/pkg/metrics"
	"tradecore-settlement/pkg/secretmanager"
	"tradecore-settlement/services/defense"
	"tradecore-settlement/services/intake"
	"tradecore-settlement/services/job"
	"tradecore-settlement/services/ledger"
	"tradecore-settlement/services/onchain"
	"tradecore-settlement/services/ops"
	"tradecore-settlement/services/revenue"
	"tradecore-settlement/services/settlement"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		metrics.Module,
		health.Module,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(
			db.Otel,
			db.Metric,
			migrate,
			seed,
		),
		job.Module,
		revenue.Module,
		ledger.Module,
		onchain.Module,
		defense.Module,
		settlement.Module,
		intake.Module,
		ops.Module,
		fxLogger,
	}
	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&job.Job{},
		&revenue.RevenueEvent{},
		&revenue.RevenueStream{},
		&ledger.LedgerEntry{},
		&ledger.Checkpoint{},
		&defense.FeeParameter{},
		&defense.FeeParameterChange{},
	)
}

func seed(recorder *revenue.Recorder, defenseService *defense.Service) error {
	ctx := context.Background()
	if err := recorder.SeedStreams(ctx); err != nil {
		return err
	}
	return defenseService.SeedParameters(ctx)
}
