package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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

// invoiceExpiry is how long invoice rows stay queryable after creation.
const invoiceExpiry = 5 // years

// Writer settles one chunk of customers at a time. Everything a chunk
// writes, headers, details, failures, status rows, outbox events, and the
// cursor, commits or rolls back as one transaction.
type Writer struct {
	store  *store.Store
	cats   *category.Registry
	outbox *events.Outbox
	clock  clock.Clock
	cfg    config.BatchConfig
	log    *zap.Logger
}

func New(st *store.Store, cats *category.Registry, outbox *events.Outbox, clk clock.Clock, cfg config.Config, log *zap.Logger) (*Writer, error) {
	if !cfg.Batch.Valid() {
		return nil, domain.ErrInvalidBatchConfig
	}
	return &Writer{
		store:  st,
		cats:   cats,
		outbox: outbox,
		clock:  clk,
		cfg:    cfg.Batch,
		log:    log.Named("settlement.writer"),
	}, nil
}

// WriteChunk settles one chunk and reports the per-customer outcome. A
// returned error means the chunk transaction rolled back entirely; row and
// flush level problems are absorbed into failure records instead.
func (w *Writer) WriteChunk(ctx context.Context, attemptID snowflake.ID, period domain.Period, targets []domain.TargetCustomer) (attempt.ChunkResult, error) {
	if attemptID == 0 {
		return attempt.ChunkResult{}, domain.ErrMissingAttempt
	}
	if !period.Valid() {
		return attempt.ChunkResult{}, domain.ErrMissingPeriod
	}
	if len(targets) == 0 {
		return attempt.ChunkResult{}, nil
	}

	now := w.clock.Now()
	var result attempt.ChunkResult
	err := w.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := w.openHeaders(ctx, tx, attemptID, period, targets, now)
		if err != nil {
			return err
		}
		if err := w.settleSubscriptions(ctx, tx, state); err != nil {
			return err
		}
		if err := w.settleMicroPayments(ctx, tx, state); err != nil {
			return err
		}
		if err := w.closeChunk(ctx, tx, state); err != nil {
			return err
		}
		if err := w.store.SaveCursor(ctx, tx, attemptID, state.lastCustomerID(), now); err != nil {
			return err
		}
		result = state.result()
		return nil
	})
	if err != nil {
		return attempt.ChunkResult{}, err
	}

	w.log.Info("chunk settled",
		zap.String("attempt_id", attemptID.String()),
		zap.String("period", period.String()),
		zap.Int("customers", len(targets)),
		zap.Int64("success", result.SuccessCount),
		zap.Int64("fail", result.FailCount),
	)
	return result, nil
}

// chunkState accumulates one chunk's in-flight headers and failures. Header
// totals collected here are this run's delta only; the persisted columns
// are updated additively at close.
type chunkState struct {
	attemptID snowflake.ID
	period    domain.Period
	now       time.Time

	order     []int64
	headers   map[int64]*domain.InvoiceHeader
	byInvoice map[snowflake.ID]*domain.InvoiceHeader
	orphaned  int64
	failures  []domain.FailureRecord
}

func (s *chunkState) lastCustomerID() int64 {
	return s.order[len(s.order)-1]
}

func (s *chunkState) result() attempt.ChunkResult {
	var r attempt.ChunkResult
	r.FailCount += s.orphaned
	for _, customerID := range s.order {
		h, ok := s.headers[customerID]
		if !ok {
			continue
		}
		if h.SettlementSuccess {
			r.SuccessCount++
		} else {
			r.FailCount++
		}
	}
	return r
}

// fail records one source row's failure and taints its header.
func (s *chunkState) fail(id snowflake.ID, invoiceID snowflake.ID, categoryID int, sourceID int64, code, message string, ctx datatypes.JSONMap) {
	if h, ok := s.byInvoice[invoiceID]; ok {
		h.SettlementSuccess = false
	}
	s.failures = append(s.failures, domain.FailureRecord{
		ID:           id,
		AttemptID:    s.attemptID,
		ErrorCode:    code,
		ErrorMessage: message,
		CategoryID:   categoryID,
		SourceID:     sourceID,
		InvoiceID:    invoiceID,
		Context:      ctx,
		CreatedAt:    s.now,
	})
}

// openHeaders inserts the chunk's invoice headers, tolerating rows a
// previous run already created, then resolves the authoritative invoice ids
// from storage.
func (w *Writer) openHeaders(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, period domain.Period, targets []domain.TargetCustomer, now time.Time) (*chunkState, error) {
	state := &chunkState{
		attemptID: attemptID,
		period:    period,
		now:       now,
		headers:   make(map[int64]*domain.InvoiceHeader, len(targets)),
		byInvoice: make(map[snowflake.ID]*domain.InvoiceHeader, len(targets)),
	}

	fresh := make([]domain.InvoiceHeader, 0, len(targets))
	customerIDs := make([]int64, 0, len(targets))
	for _, t := range targets {
		state.order = append(state.order, t.CustomerID)
		customerIDs = append(customerIDs, t.CustomerID)
		fresh = append(fresh, domain.InvoiceHeader{
			ID:         w.store.NewID(),
			CustomerID: t.CustomerID,
			Period:     period,
			DueDate:    period.DueDate(t.BillingDay),
			CreatedAt:  now,
			ExpiredAt:  now.AddDate(invoiceExpiry, 0, 0),
		})
	}
	if err := w.store.InsertHeaders(ctx, tx, fresh); err != nil {
		return nil, err
	}

	persisted, err := w.store.FindHeaderIDs(ctx, tx, period, customerIDs)
	if err != nil {
		return nil, err
	}
	for i := range fresh {
		h := fresh[i]
		invoiceID, ok := persisted[h.CustomerID]
		if !ok {
			// header neither inserted nor found; nothing to attach
			// status or a retry to, so the customer just counts failed
			state.orphaned++
			w.log.Error("invoice header missing after insert",
				zap.Int64("customer_id", h.CustomerID),
				zap.String("period", period.String()),
			)
			continue
		}
		h.ID = invoiceID
		h.SettlementSuccess = true
		state.headers[h.CustomerID] = &h
		state.byInvoice[invoiceID] = &h
	}
	return state, nil
}

func (w *Writer) settleSubscriptions(ctx context.Context, tx *gorm.DB, state *chunkState) error {
	customerIDs := make([]int64, 0, len(state.headers))
	for _, id := range state.order {
		if _, ok := state.headers[id]; ok {
			customerIDs = append(customerIDs, id)
		}
	}
	rows, err := w.store.FetchSubscriptions(ctx, tx, state.period, customerIDs)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	res := segment.Calculate(state.period, w.cats.AddonID(), rows)
	for _, failed := range res.Failed {
		invoiceID := snowflake.ID(0)
		if h, ok := state.headers[failed.CustomerID]; ok {
			invoiceID = h.ID
		}
		state.fail(w.store.NewID(), invoiceID, failed.CategoryID, failed.ID,
			domain.ErrCodeSegmentCalc, "subscription segment calculation failed",
			datatypes.JSONMap{"device_id": failed.DeviceID, "period": int(state.period)},
		)
	}

	lines := make([]domain.DetailLine, 0, len(res.Segments))
	for _, seg := range res.Segments {
		h, ok := state.headers[seg.CustomerID]
		if !ok {
			state.fail(w.store.NewID(), 0, seg.CategoryID, seg.SourceID,
				domain.ErrCodeSubDetailBuild, "no invoice header for customer", nil)
			continue
		}
		lines = append(lines, domain.DetailLine{
			ID:             w.store.NewID(),
			InvoiceID:      h.ID,
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
	w.flushDetails(ctx, tx, state, lines)
	return nil
}

func (w *Writer) settleMicroPayments(ctx context.Context, tx *gorm.DB, state *chunkState) error {
	customerIDs := make([]int64, 0, len(state.headers))
	for _, id := range state.order {
		if _, ok := state.headers[id]; ok {
			customerIDs = append(customerIDs, id)
		}
	}

	lastSeenID := int64(0)
	for {
		page, err := w.store.FetchMicroPaymentPage(ctx, tx, state.period, customerIDs, lastSeenID, w.cfg.MicroPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		lastSeenID = page[len(page)-1].ID

		lines := make([]domain.DetailLine, 0, len(page))
		for _, rec := range page {
			h, ok := state.headers[rec.CustomerID]
			if !ok {
				state.fail(w.store.NewID(), 0, w.cats.MicroID(), rec.ID,
					domain.ErrCodeMicroDetailBuild, "no invoice header for customer", nil)
				continue
			}
			line, err := w.buildMicroLine(h.ID, rec, state.now)
			if err != nil {
				state.fail(w.store.NewID(), h.ID, w.cats.MicroID(), rec.ID,
					domain.ErrCodeMicroDetailBuild, err.Error(), nil)
				continue
			}
			lines = append(lines, line)
		}
		w.flushDetails(ctx, tx, state, lines)
	}
}

// buildMicroLine converts one purchase event into a detail line. Purchases
// are point-in-time, so usage start and end are both the purchase date.
func (w *Writer) buildMicroLine(invoiceID snowflake.ID, rec domain.MicroPaymentRecord, now time.Time) (domain.DetailLine, error) {
	if rec.CreatedAt.IsZero() {
		return domain.DetailLine{}, fmt.Errorf("micro payment %d has no purchase timestamp", rec.ID)
	}
	day := time.Date(rec.CreatedAt.Year(), rec.CreatedAt.Month(), rec.CreatedAt.Day(), 0, 0, 0, 0, time.UTC)
	return domain.DetailLine{
		ID:             w.store.NewID(),
		InvoiceID:      invoiceID,
		CategoryID:     w.cats.MicroID(),
		SourceID:       rec.ID,
		ServiceName:    rec.ServiceName,
		OriginAmount:   rec.OriginAmount,
		DiscountAmount: rec.DiscountAmount,
		TotalAmount:    rec.TotalAmount,
		UsageStart:     day,
		UsageEnd:       day,
		CreatedAt:      now,
		ExpiredAt:      now.AddDate(invoiceExpiry, 0, 0),
	}, nil
}

// flushDetails writes lines in bounded sub-batches. Each flush runs in a
// savepoint: when the insert fails, every line of that flush is recorded
// failed and the chunk carries on. Amounts are folded into header totals
// only for lines the store reports as actually inserted, so a duplicate
// from an earlier run never double counts.
func (w *Writer) flushDetails(ctx context.Context, tx *gorm.DB, state *chunkState, lines []domain.DetailLine) {
	for start := 0; start < len(lines); start += w.cfg.DetailBatchSize {
		end := min(start+w.cfg.DetailBatchSize, len(lines))
		batch := lines[start:end]

		var inserted map[domain.DetailKey]bool
		err := tx.Transaction(func(sub *gorm.DB) error {
			var err error
			inserted, err = w.store.InsertDetails(ctx, sub, batch)
			return err
		})
		if err != nil {
			w.log.Warn("detail flush failed", zap.Int("rows", len(batch)), zap.Error(err))
			for _, line := range batch {
				state.fail(w.store.NewID(), line.InvoiceID, line.CategoryID, line.SourceID,
					domain.ErrCodeDetailInsert, err.Error(), nil)
			}
			continue
		}

		for _, line := range batch {
			if !inserted[line.Key()] {
				continue
			}
			if h, ok := state.byInvoice[line.InvoiceID]; ok {
				h.AddDetail(line.CategoryID, w.cats.PlanID(), w.cats.AddonID(),
					line.OriginAmount, line.DiscountAmount, line.TotalAmount)
			}
		}
	}
}

// closeChunk records per-invoice outcomes, folds this run's totals into the
// headers, persists failure records, and queues downstream events.
func (w *Writer) closeChunk(ctx context.Context, tx *gorm.DB, state *chunkState) error {
	headers := make([]domain.InvoiceHeader, 0, len(state.headers))
	for _, customerID := range state.order {
		h, ok := state.headers[customerID]
		if !ok {
			continue
		}
		headers = append(headers, *h)

		to := domain.SettlementCompleted
		if !h.SettlementSuccess {
			to = domain.SettlementFailed
		}
		if err := w.store.RecordOutcome(ctx, tx, state.attemptID, h.ID, domain.SettlementNone, to, "", state.now); err != nil {
			return err
		}

		event := events.Event{
			Type:      events.EventInvoiceSettled,
			DedupeKey: h.ID.String(),
			Payload: events.InvoicePayload{
				InvoiceID:   h.ID,
				CustomerID:  h.CustomerID,
				Period:      int(h.Period),
				TotalAmount: h.TotalAmount,
			}.ToMap(),
		}
		if to == domain.SettlementFailed {
			event.Type = events.EventInvoiceSettleFailed
			event.DedupeKey = fmt.Sprintf("%s:%s", h.ID, state.attemptID)
		}
		if err := w.outbox.PublishTx(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := w.store.AddHeaderTotals(ctx, tx, headers); err != nil {
		return err
	}
	return w.store.InsertFailures(ctx, tx, state.failures)
}
