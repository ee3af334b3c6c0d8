package settlement

import (
	"context"

	"tradecore-settlement/pkg/config"
	"tradecore-settlement/services/job"
	"tradecore-settlement/services/revenue"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(provideWorker),
	fx.Invoke(registerWorker),
)

type Params struct {
	fx.In
	Store     *job.Store
	Recorder  *revenue.Recorder
	Config    *config.Config
	Registry  *prometheus.Registry
	Fees      FeeDistributor  `optional:"true"`
	Rewards   RewardGranter   `optional:"true"`
	Referrals ReferralChecker `optional:"true"`
}

func provideWorker(p Params) *Worker {
	return NewWorker(
		p.Store,
		p.Recorder,
		Collaborators{
			Fees:      p.Fees,
			Rewards:   p.Rewards,
			Referrals: p.Referrals,
		},
		Config{
			PollInterval: p.Config.Settlement.PollInterval,
			BatchSize:    p.Config.Settlement.BatchSize,
			Concurrency:  p.Config.Settlement.Concurrency,
			StaleAfter:   p.Config.Settlement.StaleAfter,
		},
		NewMetrics(p.Registry),
	)
}

func registerWorker(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
