package scheduler

import (
	"context"

	"go.uber.org/fx"

	"github.com/paymeter/settle/internal/config"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewWorker),
	fx.Invoke(func(lc fx.Lifecycle, worker *Worker, cfg config.Config) {
		if !cfg.Schedule.Enabled {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go worker.RunForever(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
