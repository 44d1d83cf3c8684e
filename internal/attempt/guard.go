package attempt

import (
	"context"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/settlement/domain"
)

// Guard serializes attempt starts. The conflict check and the STARTED
// insert commit in one transaction, so at most one live attempt exists per
// period and at most one retry attempt exists at a time.
type Guard struct {
	db    *gorm.DB
	repo  *Repository
	genID *snowflake.Node
	clock clock.Clock
	host  string
	log   *zap.Logger
}

func NewGuard(db *gorm.DB, repo *Repository, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) *Guard {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Guard{
		db:    db,
		repo:  repo,
		genID: genID,
		clock: clk,
		host:  host,
		log:   log.Named("attempt.guard"),
	}
}

// AcquireStart opens a STARTED attempt for one billing period. It fails
// with ErrAttemptConflict when a STARTED or COMPLETED attempt already
// covers the period; FAILED and INTERRUPTED attempts do not block.
func (g *Guard) AcquireStart(ctx context.Context, period domain.Period, kind Kind) (*Attempt, error) {
	if !period.Valid() {
		return nil, domain.ErrMissingPeriod
	}

	var opened Attempt
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		blocked, err := g.repo.ExistsBlocking(ctx, tx, period)
		if err != nil {
			return err
		}
		if blocked {
			return domain.ErrAttemptConflict
		}

		targets, err := g.repo.CountTargets(ctx, tx, period)
		if err != nil {
			return err
		}

		opened = Attempt{
			ID:          g.genID.Generate(),
			Period:      period,
			Kind:        kind,
			Status:      StatusStarted,
			TargetCount: targets,
			StartedAt:   g.clock.Now(),
			Host:        g.host,
		}
		return g.repo.InsertStarted(ctx, tx, opened)
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("attempt started",
		zap.String("attempt_id", opened.ID.String()),
		zap.String("period", period.String()),
		zap.String("kind", string(kind)),
		zap.Int64("target_count", opened.TargetCount),
	)
	return &opened, nil
}

// AcquireRetry opens a RETRY attempt. Retries span billing periods, so the
// attempt carries the sentinel period and blocks on any live retry.
func (g *Guard) AcquireRetry(ctx context.Context) (*Attempt, error) {
	var opened Attempt
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		running, err := g.repo.ExistsStartedRetry(ctx, tx)
		if err != nil {
			return err
		}
		if running {
			return domain.ErrAttemptConflict
		}

		targets, err := g.repo.CountFailedInvoices(ctx, tx)
		if err != nil {
			return err
		}

		opened = Attempt{
			ID:          g.genID.Generate(),
			Period:      domain.RetryPeriod,
			Kind:        KindRetry,
			Status:      StatusStarted,
			TargetCount: targets,
			StartedAt:   g.clock.Now(),
			Host:        g.host,
		}
		return g.repo.InsertStarted(ctx, tx, opened)
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("retry attempt started",
		zap.String("attempt_id", opened.ID.String()),
		zap.Int64("target_count", opened.TargetCount),
	)
	return &opened, nil
}

// AcquireForce opens a FORCE attempt seeded with the counters of an
// interrupted one, so the resumed run keeps the progress already committed.
func (g *Guard) AcquireForce(ctx context.Context, stalled *Attempt) (*Attempt, error) {
	opened := Attempt{
		ID:           g.genID.Generate(),
		Period:       stalled.Period,
		Kind:         KindForce,
		Status:       StatusStarted,
		TargetCount:  stalled.TargetCount,
		SuccessCount: stalled.SuccessCount,
		FailCount:    stalled.FailCount,
		StartedAt:    g.clock.Now(),
		Host:         g.host,
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return g.repo.InsertStarted(ctx, tx, opened)
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("force attempt started",
		zap.String("attempt_id", opened.ID.String()),
		zap.String("resumed_from", stalled.ID.String()),
		zap.String("period", stalled.Period.String()),
	)
	return &opened, nil
}
