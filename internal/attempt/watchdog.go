package attempt

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
)

// Watchdog marks STARTED attempts that stopped reporting progress as
// INTERRUPTED. An interrupted attempt releases the period guard and becomes
// eligible for force resume.
type Watchdog struct {
	repo  *Repository
	cfg   config.WatchdogConfig
	clock clock.Clock
	log   *zap.Logger
}

func NewWatchdog(repo *Repository, cfg config.Config, clk clock.Clock, log *zap.Logger) *Watchdog {
	return &Watchdog{
		repo:  repo,
		cfg:   cfg.Watchdog,
		clock: clk,
		log:   log.Named("attempt.watchdog"),
	}
}

func (w *Watchdog) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("watchdog sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce interrupts every attempt older than the staleness cutoff and
// returns how many it closed.
func (w *Watchdog) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.StaleAfter)

	stalled, err := w.repo.ListStalledStarted(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	interrupted := 0
	for _, a := range stalled {
		updated, err := w.repo.MarkFinished(ctx, a.ID, StatusInterrupted, now, now.Sub(a.StartedAt).Milliseconds())
		if err != nil {
			return interrupted, err
		}
		if !updated {
			continue
		}
		interrupted++
		w.log.Warn("attempt interrupted",
			zap.String("attempt_id", a.ID.String()),
			zap.String("period", a.Period.String()),
			zap.Time("started_at", a.StartedAt),
		)
	}
	return interrupted, nil
}
