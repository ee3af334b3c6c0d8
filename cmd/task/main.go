package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tradecore-settlement/pkg/config"
	"tradecore-settlement/pkg/db"
	"tradecore-settlement/pkg/logger"
	"tradecore-settlement/pkg/metrics"
	"tradecore-settlement/pkg/redis"
	"tradecore-settlement/pkg/secretmanager"
	"tradecore-settlement/pkg/task"
	"tradecore-settlement/pkg/taskname"
	"tradecore-settlement/services/defense"
	"tradecore-settlement/services/job"
	"tradecore-settlement/services/ledger"
	"tradecore-settlement/services/onchain"
	"tradecore-settlement/services/revenue"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		metrics.Module,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(
			db.Otel,
			migrate,
		),
		job.Module,
		revenue.Module,
		ledger.Module,
		onchain.Module,
		defense.Module,
		task.Client,
		task.Server,
		task.Scheduler,
		fx.Invoke(
			registerHandlers,
			registerSchedules,
			enqueueBootSweep,
		),
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

type handlerParams struct {
	fx.In
	Mux        *asynq.ServeMux
	Config     *config.Config
	Store      *job.Store
	Aggregator *ledger.Aggregator
	OnChain    *onchain.Worker
	Defense    *defense.Service
}

func registerHandlers(p handlerParams) {
	p.Mux.HandleFunc(taskname.LedgerAggregateRun, func(ctx context.Context, t *asynq.Task) error {
		_, err := p.Aggregator.Run(ctx)
		return err
	})

	p.Mux.HandleFunc(taskname.OnChainRetryRun, func(ctx context.Context, t *asynq.Task) error {
		_, err := p.OnChain.ProcessBatch(ctx)
		return err
	})

	p.Mux.HandleFunc(taskname.DefenseAuditRun, func(ctx context.Context, t *asynq.Task) error {
		_, err := p.Defense.RunAudit(ctx)
		return err
	})

	p.Mux.HandleFunc(taskname.JobsStaleSweep, func(ctx context.Context, t *asynq.Task) error {
		recovered, err := p.Store.RecoverStale(ctx, p.Config.Settlement.StaleAfter)
		if err != nil {
			return err
		}
		if recovered > 0 {
			zap.L().Warn("recovered stale settlement jobs", zap.Int64("count", recovered))
		}
		return nil
	})
}

// enqueueBootSweep queues one stale-claim sweep at startup so claims orphaned
// by a crash are recovered immediately instead of waiting for the schedule.
func enqueueBootSweep(lc fx.Lifecycle, client *asynq.Client) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			info, err := client.Enqueue(asynq.NewTask(taskname.JobsStaleSweep, nil), asynq.Queue("critical"))
			if err != nil {
				return err
			}
			zap.L().Info("enqueued startup stale sweep", zap.String("task_id", info.ID))
			return nil
		},
	})
}

func registerSchedules(scheduler *asynq.Scheduler) error {
	entries := []struct {
		spec string
		name string
	}{
		{"@every 1m", taskname.OnChainRetryRun},
		{"@every 5m", taskname.LedgerAggregateRun},
		{"@every 5m", taskname.JobsStaleSweep},
		{"@every 1h", taskname.DefenseAuditRun},
	}

	for _, e := range entries {
		if _, err := scheduler.Register(e.spec, asynq.NewTask(e.name, nil)); err != nil {
			return err
		}
		zap.L().Info("registered periodic task", zap.String("task", e.name), zap.String("spec", e.spec))
	}
	return nil
}
