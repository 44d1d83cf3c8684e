package attempt

import (
	"context"

	"go.uber.org/fx"
)

// Module wires the attempt repository, the start guard, and the stale
// attempt watchdog.
var Module = fx.Module("attempt",
	fx.Provide(NewRepository),
	fx.Provide(NewGuard),
	fx.Provide(NewWatchdog),
	fx.Invoke(func(lc fx.Lifecycle, w *Watchdog) {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go w.RunForever(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
