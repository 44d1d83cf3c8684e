package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/category"
	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/events"
	"github.com/paymeter/settle/internal/settlement/domain"
	"github.com/paymeter/settle/internal/settlement/segment"
	"github.com/paymeter/settle/internal/settlement/store"
)

const invoiceExpiry = 5 // years

// Engine re-settles invoices left in FAILED status. It reconstructs only
// the (category, source) pairs recorded as failure records; everything that
// already settled stays untouched thanks to the detail idempotency key.
type Engine struct {
	store  *store.Store
	cats   *category.Registry
	outbox *events.Outbox
	clock  clock.Clock
	cfg    config.BatchConfig
	log    *zap.Logger
}

func New(st *store.Store, cats *category.Registry, outbox *events.Outbox, clk clock.Clock, cfg config.Config, log *zap.Logger) (*Engine, error) {
	if !cfg.Batch.Valid() {
		return nil, domain.ErrInvalidBatchConfig
	}
	return &Engine{
		store:  st,
		cats:   cats,
		outbox: outbox,
		clock:  clk,
		cfg:    cfg.Batch,
		log:    log.Named("settlement.retry"),
	}, nil
}

// retryHeader tracks one invoice through a retry chunk. Totals accumulate
// this run's newly inserted amounts only.
type retryHeader struct {
	header  domain.InvoiceHeader
	exists  bool
	retried bool
}

type retryState struct {
	attemptID snowflake.ID
	now       time.Time
	order     []snowflake.ID
	headers   map[snowflake.ID]*retryHeader
	failures  []domain.FailureRecord
}

func (s *retryState) fail(id, invoiceID snowflake.ID, categoryID int, sourceID int64, code, message string) {
	if h, ok := s.headers[invoiceID]; ok && h.exists {
		h.header.SettlementSuccess = false
	}
	s.failures = append(s.failures, domain.FailureRecord{
		ID:           id,
		AttemptID:    s.attemptID,
		ErrorCode:    code,
		ErrorMessage: message,
		CategoryID:   categoryID,
		SourceID:     sourceID,
		InvoiceID:    invoiceID,
		CreatedAt:    s.now,
	})
}

// RetryChunk re-drives one chunk of failed invoices in a single
// transaction and reports per-invoice outcome deltas.
func (e *Engine) RetryChunk(ctx context.Context, attemptID snowflake.ID, invoiceIDs []snowflake.ID) (attempt.ChunkResult, error) {
	if attemptID == 0 {
		return attempt.ChunkResult{}, domain.ErrMissingAttempt
	}
	if len(invoiceIDs) == 0 {
		return attempt.ChunkResult{}, nil
	}

	now := e.clock.Now()
	var result attempt.ChunkResult
	err := e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := e.loadHeaders(ctx, tx, attemptID, invoiceIDs, now)
		if err != nil {
			return err
		}
		if err := e.retrySubscriptions(ctx, tx, state); err != nil {
			return err
		}
		if err := e.retryMicroPayments(ctx, tx, state); err != nil {
			return err
		}
		if err := e.closeChunk(ctx, tx, state); err != nil {
			return err
		}
		result = e.resultOf(state)
		return nil
	})
	if err != nil {
		return attempt.ChunkResult{}, err
	}

	e.log.Info("retry chunk settled",
		zap.String("attempt_id", attemptID.String()),
		zap.Int("invoices", len(invoiceIDs)),
		zap.Int64("recovered", result.SuccessCount),
		zap.Int64("still_failed", result.FailCount),
	)
	return result, nil
}

// loadHeaders resolves headers for the chunk. An id with no stored header
// becomes a synthetic permanently-failed entry so the chunk still accounts
// for it.
func (e *Engine) loadHeaders(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, invoiceIDs []snowflake.ID, now time.Time) (*retryState, error) {
	state := &retryState{
		attemptID: attemptID,
		now:       now,
		headers:   make(map[snowflake.ID]*retryHeader, len(invoiceIDs)),
	}
	summaries, err := e.store.FindHeadersByIDs(ctx, tx, invoiceIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range invoiceIDs {
		state.order = append(state.order, id)
		if sum, ok := summaries[id]; ok {
			state.headers[id] = &retryHeader{
				exists: true,
				header: domain.InvoiceHeader{
					ID:                id,
					CustomerID:        sum.CustomerID,
					Period:            domain.Period(sum.Period),
					SettlementSuccess: true,
				},
			}
			continue
		}
		state.headers[id] = &retryHeader{exists: false}
		state.fail(e.store.NewID(), id, 0, 0,
			domain.ErrCodeInvoiceNotFound, fmt.Sprintf("missing header for invoice %d", id))
	}
	return state, nil
}

// retrySubscriptions reconstructs subscription-side failures. The segment
// calculation needs a device's complete month, so sources are re-fetched
// per customer and re-partitioned, then filtered down to the pairs this
// retry actually targets.
func (e *Engine) retrySubscriptions(ctx context.Context, tx *gorm.DB, state *retryState) error {
	subFails, err := e.store.FindFailuresByCategories(ctx, tx, state.order, e.cats.SubscriptionIDs())
	if err != nil {
		return err
	}
	if len(subFails) == 0 {
		return nil
	}

	targets := make(map[snowflake.ID]map[int64]bool)
	for _, f := range subFails {
		h, ok := state.headers[f.InvoiceID]
		if !ok || !h.exists {
			continue
		}
		h.retried = true
		if targets[f.InvoiceID] == nil {
			targets[f.InvoiceID] = make(map[int64]bool)
		}
		targets[f.InvoiceID][f.SourceID] = true
	}

	// group targeted invoices by billing period; a retry run spans months
	byPeriod := make(map[domain.Period][]*retryHeader)
	for invoiceID := range targets {
		h := state.headers[invoiceID]
		byPeriod[h.header.Period] = append(byPeriod[h.header.Period], h)
	}

	for period, headers := range byPeriod {
		customerIDs := make([]int64, 0, len(headers))
		byCustomer := make(map[int64]*retryHeader, len(headers))
		for _, h := range headers {
			customerIDs = append(customerIDs, h.header.CustomerID)
			byCustomer[h.header.CustomerID] = h
		}

		rows, err := e.store.FetchSubscriptions(ctx, tx, period, customerIDs)
		if err != nil {
			return err
		}
		res := segment.Calculate(period, e.cats.AddonID(), rows)

		for _, failed := range res.Failed {
			h, ok := byCustomer[failed.CustomerID]
			if !ok || !targets[h.header.ID][failed.ID] {
				continue
			}
			state.fail(e.store.NewID(), h.header.ID, failed.CategoryID, failed.ID,
				domain.ErrCodeSegmentCalc, "subscription segment calculation failed")
		}

		lines := make([]domain.DetailLine, 0, len(res.Segments))
		for _, seg := range res.Segments {
			h, ok := byCustomer[seg.CustomerID]
			if !ok || !targets[h.header.ID][seg.SourceID] {
				continue
			}
			lines = append(lines, domain.DetailLine{
				ID:             e.store.NewID(),
				InvoiceID:      h.header.ID,
				CategoryID:     seg.CategoryID,
				SourceID:       seg.SourceID,
				ServiceName:    seg.ServiceName,
				OriginAmount:   seg.OriginAmount,
				DiscountAmount: seg.DiscountAmount,
				TotalAmount:    seg.TotalAmount,
				UsageStart:     seg.Start,
				UsageEnd:       seg.End,
				CreatedAt:      state.now,
				ExpiredAt:      state.now.AddDate(invoiceExpiry, 0, 0),
			})
		}
		e.flushDetails(ctx, tx, state, lines)
	}
	return nil
}

// retryMicroPayments re-drives micro payment failures, paging the failure
// table by fail id and reloading the referenced source rows.
func (e *Engine) retryMicroPayments(ctx context.Context, tx *gorm.DB, state *retryState) error {
	microCat := e.cats.MicroID()
	lastFailID := snowflake.ID(0)

	for {
		fails, err := e.store.FindMicroFailurePage(ctx, tx, state.order, microCat, lastFailID, e.cfg.MicroPageSize)
		if err != nil {
			return err
		}
		if len(fails) == 0 {
			return nil
		}
		lastFailID = fails[len(fails)-1].ID

		sourceIDs := make([]int64, 0, len(fails))
		for _, f := range fails {
			if h, ok := state.headers[f.InvoiceID]; ok && h.exists {
				h.retried = true
			}
			sourceIDs = append(sourceIDs, f.SourceID)
		}
		sources, err := e.store.FindMicroPaymentsByIDs(ctx, tx, sourceIDs)
		if err != nil {
			return err
		}

		lines := make([]domain.DetailLine, 0, len(fails))
		for _, f := range fails {
			h, ok := state.headers[f.InvoiceID]
			if !ok || !h.exists {
				state.fail(e.store.NewID(), f.InvoiceID, microCat, f.SourceID,
					domain.ErrCodeInvoiceNotFound, fmt.Sprintf("missing header for invoice %d", f.InvoiceID))
				continue
			}
			raw, ok := sources[f.SourceID]
			if !ok {
				state.fail(e.store.NewID(), f.InvoiceID, microCat, f.SourceID,
					domain.ErrCodeMicroSourceGone, "missing micro payment data")
				continue
			}
			day := time.Date(raw.CreatedAt.Year(), raw.CreatedAt.Month(), raw.CreatedAt.Day(), 0, 0, 0, 0, time.UTC)
			lines = append(lines, domain.DetailLine{
				ID:             e.store.NewID(),
				InvoiceID:      h.header.ID,
				CategoryID:     microCat,
				SourceID:       raw.ID,
				ServiceName:    raw.ServiceName,
				OriginAmount:   raw.OriginAmount,
				DiscountAmount: raw.DiscountAmount,
				TotalAmount:    raw.TotalAmount,
				UsageStart:     day,
				UsageEnd:       day,
				CreatedAt:      state.now,
				ExpiredAt:      state.now.AddDate(invoiceExpiry, 0, 0),
			})
		}
		e.flushDetails(ctx, tx, state, lines)
	}
}

// flushDetails mirrors the monthly writer's bounded flush: insert-if-absent
// per sub-batch, fold amounts only for rows actually inserted, convert a
// failed flush into failure records for every row in it.
func (e *Engine) flushDetails(ctx context.Context, tx *gorm.DB, state *retryState, lines []domain.DetailLine) {
	for start := 0; start < len(lines); start += e.cfg.DetailBatchSize {
		end := min(start+e.cfg.DetailBatchSize, len(lines))
		batch := lines[start:end]

		var inserted map[domain.DetailKey]bool
		err := tx.Transaction(func(sub *gorm.DB) error {
			var err error
			inserted, err = e.store.InsertDetails(ctx, sub, batch)
			return err
		})
		if err != nil {
			e.log.Warn("retry detail flush failed", zap.Int("rows", len(batch)), zap.Error(err))
			for _, line := range batch {
				state.fail(e.store.NewID(), line.InvoiceID, line.CategoryID, line.SourceID,
					domain.ErrCodeDetailInsert, err.Error())
			}
			continue
		}
		for _, line := range batch {
			if !inserted[line.Key()] {
				continue
			}
			if h, ok := state.headers[line.InvoiceID]; ok && h.exists {
				h.header.AddDetail(line.CategoryID, e.cats.PlanID(), e.cats.AddonID(),
					line.OriginAmount, line.DiscountAmount, line.TotalAmount)
			}
		}
	}
}

// closeChunk applies status transitions and totals. Invoices with no
// failure record at all stay failed; retries only close gaps explicitly
// recorded as failures.
func (e *Engine) closeChunk(ctx context.Context, tx *gorm.DB, state *retryState) error {
	headers := make([]domain.InvoiceHeader, 0, len(state.headers))
	for _, id := range state.order {
		h := state.headers[id]
		if !h.exists {
			continue
		}
		if !h.retried {
			h.header.SettlementSuccess = false
		}
		headers = append(headers, h.header)
	}

	if err := e.store.InsertFailures(ctx, tx, state.failures); err != nil {
		return err
	}
	if err := e.store.AddHeaderTotals(ctx, tx, headers); err != nil {
		return err
	}

	for _, id := range state.order {
		h := state.headers[id]
		if h.exists && h.header.SettlementSuccess {
			if err := e.store.RecordOutcome(ctx, tx, state.attemptID, id,
				domain.SettlementFailed, domain.SettlementCompleted, "", state.now); err != nil {
				return err
			}
			event := events.Event{
				Type:      events.EventInvoiceSettled,
				DedupeKey: id.String(),
				Payload: events.InvoicePayload{
					InvoiceID:   id,
					CustomerID:  h.header.CustomerID,
					Period:      int(h.header.Period),
					TotalAmount: h.header.TotalAmount,
				}.ToMap(),
			}
			if err := e.outbox.PublishTx(ctx, tx, event); err != nil {
				return err
			}
			continue
		}
		// status stays FAILED; only the transition is recorded
		if err := e.store.AppendHistory(ctx, tx, state.attemptID, id,
			domain.SettlementFailed, domain.SettlementFailed, domain.ReasonRetryFailed, state.now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resultOf(state *retryState) attempt.ChunkResult {
	var r attempt.ChunkResult
	for _, id := range state.order {
		h := state.headers[id]
		if h.exists && h.header.SettlementSuccess {
			r.SuccessCount++
		} else {
			r.FailCount++
		}
	}
	return r
}
