package settlement

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/events"
	"github.com/paymeter/settle/internal/settlement/domain"
	"github.com/paymeter/settle/internal/settlement/reader"
	"github.com/paymeter/settle/internal/settlement/retry"
	"github.com/paymeter/settle/internal/settlement/store"
	"github.com/paymeter/settle/internal/settlement/writer"
)

// Runner drives whole settlement jobs: it opens the attempt through the
// guard, streams chunks from the cursor to the writer sequentially, folds
// chunk results into the attempt counters, and closes the attempt exactly
// once.
type Runner struct {
	guard    *attempt.Guard
	attempts *attempt.Repository
	reader   *reader.TargetReader
	writer   *writer.Writer
	retry    *retry.Engine
	store    *store.Store
	outbox   *events.Outbox
	clock    clock.Clock
	cfg      config.Config
	tracer   trace.Tracer
	log      *zap.Logger
}

func NewRunner(
	guard *attempt.Guard,
	attempts *attempt.Repository,
	rd *reader.TargetReader,
	wr *writer.Writer,
	re *retry.Engine,
	st *store.Store,
	outbox *events.Outbox,
	clk clock.Clock,
	cfg config.Config,
	log *zap.Logger,
) *Runner {
	return &Runner{
		guard:    guard,
		attempts: attempts,
		reader:   rd,
		writer:   wr,
		retry:    re,
		store:    st,
		outbox:   outbox,
		clock:    clk,
		cfg:      cfg,
		tracer:   otel.Tracer("settle/settlement"),
		log:      log.Named("settlement.runner"),
	}
}

// StartSettlement opens an attempt for the period and runs the pipeline in
// the background. Conflicts and precondition failures surface to the
// caller before anything runs.
func (r *Runner) StartSettlement(ctx context.Context, period domain.Period, kind attempt.Kind) (*attempt.Attempt, error) {
	if !r.cfg.Batch.Valid() {
		return nil, domain.ErrInvalidBatchConfig
	}
	opened, err := r.guard.AcquireStart(ctx, period, kind)
	if err != nil {
		return nil, err
	}
	go r.runSettlement(opened, 0)
	return opened, nil
}

// StartRetry opens the global retry attempt and re-drives failed invoices
// in the background.
func (r *Runner) StartRetry(ctx context.Context) (*attempt.Attempt, error) {
	if !r.cfg.Batch.Valid() {
		return nil, domain.ErrInvalidBatchConfig
	}
	opened, err := r.guard.AcquireRetry(ctx)
	if err != nil {
		return nil, err
	}
	go r.runRetry(opened)
	return opened, nil
}

// ResumeStalled interrupts the oldest stalled settlement attempt and opens
// a FORCE attempt that continues from its persisted cursor. It refuses to
// act while any attempt younger than the staleness cutoff is running.
func (r *Runner) ResumeStalled(ctx context.Context) (*attempt.Attempt, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.Watchdog.StaleAfter)

	stalled, err := r.attempts.ListStalledStarted(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var candidate *attempt.Attempt
	for i := range stalled {
		if stalled[i].Period.Valid() {
			candidate = &stalled[i]
			break
		}
	}
	if candidate == nil {
		return nil, domain.ErrNoStalledAttempt
	}

	young, err := r.attempts.ExistsStartedAfter(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if young {
		return nil, domain.ErrYoungAttemptRunning
	}

	updated, err := r.attempts.MarkFinished(ctx, candidate.ID, attempt.StatusInterrupted, now, now.Sub(candidate.StartedAt).Milliseconds())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrNoStalledAttempt
	}
	r.publishAttemptEvent(context.Background(), events.EventAttemptInterrupted, candidate)

	cursor, err := r.store.LoadCursor(ctx, candidate.ID)
	if err != nil {
		return nil, err
	}
	forced, err := r.guard.AcquireForce(ctx, candidate)
	if err != nil {
		return nil, err
	}

	go r.runSettlement(forced, cursor)
	return forced, nil
}

// runSettlement is the sequential chunk loop: one chunk is read, written,
// and committed before the next is requested.
func (r *Runner) runSettlement(a *attempt.Attempt, cursor int64) {
	ctx, span := r.tracer.Start(context.Background(), "settlement.run",
		trace.WithAttributes(
			attribute.String("attempt.id", a.ID.String()),
			attribute.String("attempt.kind", string(a.Kind)),
			attribute.Int("period", int(a.Period)),
		))
	defer span.End()

	for {
		targets, err := r.reader.NextChunk(ctx, a.Period, cursor)
		if err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		if len(targets) == 0 {
			r.finish(ctx, a, attempt.StatusCompleted, nil)
			return
		}

		result, err := r.writeOneChunk(ctx, a, targets)
		if err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		if err := r.attempts.ApplyChunkResult(ctx, a.ID, result); err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		cursor = targets[len(targets)-1].CustomerID
	}
}

func (r *Runner) writeOneChunk(ctx context.Context, a *attempt.Attempt, targets []domain.TargetCustomer) (attempt.ChunkResult, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.chunk",
		trace.WithAttributes(attribute.Int("chunk.customers", len(targets))))
	defer span.End()

	result, err := r.writer.WriteChunk(ctx, a.ID, a.Period, targets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk write failed")
		return result, err
	}
	span.SetAttributes(
		attribute.Int64("chunk.success", result.SuccessCount),
		attribute.Int64("chunk.fail", result.FailCount),
	)
	return result, nil
}

func (r *Runner) abort(ctx context.Context, span trace.Span, a *attempt.Attempt, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "attempt failed")
	r.finish(ctx, a, attempt.StatusFailed, cause)
}

func (r *Runner) runRetry(a *attempt.Attempt) {
	ctx, span := r.tracer.Start(context.Background(), "settlement.retry",
		trace.WithAttributes(attribute.String("attempt.id", a.ID.String())))
	defer span.End()

	lastSeen := snowflake.ID(0)
	for {
		ids, err := r.store.ListFailedInvoiceIDs(ctx, r.store.DB(), lastSeen, r.cfg.Batch.ChunkSize)
		if err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		if len(ids) == 0 {
			r.finish(ctx, a, attempt.StatusCompleted, nil)
			return
		}

		result, err := r.retryOneChunk(ctx, a, ids)
		if err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		if err := r.attempts.ApplyChunkResult(ctx, a.ID, result); err != nil {
			r.abort(ctx, span, a, err)
			return
		}
		lastSeen = ids[len(ids)-1]
	}
}

func (r *Runner) retryOneChunk(ctx context.Context, a *attempt.Attempt, ids []snowflake.ID) (attempt.ChunkResult, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.retry.chunk",
		trace.WithAttributes(attribute.Int("chunk.invoices", len(ids))))
	defer span.End()

	result, err := r.retry.RetryChunk(ctx, a.ID, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry chunk failed")
		return result, err
	}
	span.SetAttributes(
		attribute.Int64("chunk.recovered", result.SuccessCount),
		attribute.Int64("chunk.still_failed", result.FailCount),
	)
	return result, nil
}

// finish closes the attempt exactly once. When the watchdog interrupted it
// first, the guarded update is a no-op and no event is published.
func (r *Runner) finish(ctx context.Context, a *attempt.Attempt, status attempt.Status, cause error) {
	now := r.clock.Now()
	updated, err := r.attempts.MarkFinished(ctx, a.ID, status, now, now.Sub(a.StartedAt).Milliseconds())
	if err != nil {
		r.log.Error("failed to close attempt",
			zap.String("attempt_id", a.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !updated {
		r.log.Warn("attempt already closed elsewhere", zap.String("attempt_id", a.ID.String()))
		return
	}

	if cause != nil {
		r.log.Error("attempt failed",
			zap.String("attempt_id", a.ID.String()),
			zap.String("period", a.Period.String()),
			zap.Error(cause),
		)
	}

	eventType := events.EventAttemptCompleted
	if status != attempt.StatusCompleted {
		eventType = events.EventAttemptFailed
	}
	final, err := r.attempts.FindByID(ctx, a.ID)
	if err != nil {
		final = a
	}
	r.publishAttemptEvent(ctx, eventType, final)

	r.log.Info("attempt closed",
		zap.String("attempt_id", a.ID.String()),
		zap.String("status", string(status)),
		zap.String("period", a.Period.String()),
		zap.Int64("target_count", final.TargetCount),
		zap.Int64("success_count", final.SuccessCount),
		zap.Int64("fail_count", final.FailCount),
		zap.Duration("duration", now.Sub(a.StartedAt)),
	)
}

func (r *Runner) publishAttemptEvent(ctx context.Context, eventType string, a *attempt.Attempt) {
	err := r.outbox.Publish(ctx, events.Event{
		Type:      eventType,
		DedupeKey: a.ID.String() + ":" + eventType,
		Payload: events.AttemptPayload{
			AttemptID:    a.ID,
			Period:       int(a.Period),
			Kind:         string(a.Kind),
			TargetCount:  a.TargetCount,
			SuccessCount: a.SuccessCount,
			FailCount:    a.FailCount,
		}.ToMap(),
	})
	if err != nil {
		r.log.Warn("failed to publish attempt event", zap.Error(err))
	}
}
