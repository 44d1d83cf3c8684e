package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/settlement"
	"github.com/paymeter/settle/internal/settlement/domain"
)

// Worker kicks off the monthly settlement run. It polls the clock and
// starts one SCHEDULED attempt for the previous billing month once the
// configured day and hour have passed. The attempt guard is the real
// duplicate protection; the worker only avoids hammering it.
type Worker struct {
	runner *settlement.Runner
	clock  clock.Clock
	cfg    config.ScheduleConfig
	log    *zap.Logger

	lastKicked domain.Period
}

func NewWorker(runner *settlement.Runner, clk clock.Clock, cfg config.Config, log *zap.Logger) *Worker {
	return &Worker{
		runner: runner,
		clock:  clk,
		cfg:    cfg.Schedule,
		log:    log.Named("scheduler"),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("scheduled settlement kick-off failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce starts the settlement run for the previous month when the
// schedule window has opened and this process has not kicked it yet.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.windowOpen() {
		return nil
	}

	period := domain.PreviousPeriod(w.clock.Now())
	if period == w.lastKicked {
		return nil
	}

	opened, err := w.runner.StartSettlement(ctx, period, attempt.KindScheduled)
	if err != nil {
		// another node or an operator got there first; the month is covered
		if errors.Is(err, domain.ErrAttemptConflict) {
			w.lastKicked = period
			return nil
		}
		return err
	}

	w.lastKicked = period
	w.log.Info("scheduled settlement started",
		zap.String("attempt_id", opened.ID.String()),
		zap.String("period", period.String()),
	)
	return nil
}

// windowOpen reports whether this month's kick-off time has passed.
func (w *Worker) windowOpen() bool {
	now := w.clock.Now()
	if now.Day() < w.cfg.RunDay {
		return false
	}
	if now.Day() == w.cfg.RunDay && now.Hour() < w.cfg.RunHour {
		return false
	}
	return true
}
