package attempt

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// Repository persists settlement attempts with raw SQL so every guard and
// counter update is explicit about its locking and conditions.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// lockSuffix returns the row-locking clause for the active dialect. The
// SQLite databases used in tests serialize writers and reject FOR UPDATE.
func (r *Repository) lockSuffix() string {
	if r.db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

// InsertStarted writes a new STARTED attempt inside the caller's
// transaction so the guard check and the insert commit atomically. The
// existence check reads zero rows for the first attempt of a period and a
// FOR UPDATE over zero rows locks nothing, so two concurrent starters can
// both reach the insert. The partial unique indexes on live attempts catch
// that race; the violation surfaces as the same conflict the check reports.
func (r *Repository) InsertStarted(ctx context.Context, tx *gorm.DB, a Attempt) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_attempt (
			attempt_id, period, kind, status, target_count,
			success_count, fail_count, started_at, host, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		int(a.Period),
		a.Kind,
		StatusStarted,
		a.TargetCount,
		a.SuccessCount,
		a.FailCount,
		a.StartedAt,
		a.Host,
		a.StartedAt,
	).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAttemptConflict
	}
	return err
}

// ExistsBlocking reports whether a STARTED or COMPLETED attempt already
// covers the period. Matching rows are locked until the transaction ends.
func (r *Repository) ExistsBlocking(ctx context.Context, tx *gorm.DB, period domain.Period) (bool, error) {
	var ids []int64
	err := tx.WithContext(ctx).Raw(
		`SELECT attempt_id FROM settlement_attempt
		 WHERE period = ? AND status IN (?, ?)`+r.lockSuffix(),
		int(period),
		StatusStarted,
		StatusCompleted,
	).Scan(&ids).Error
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// ExistsStartedRetry reports whether any retry attempt is live. Retry runs
// span periods, so the check is global rather than period-scoped.
func (r *Repository) ExistsStartedRetry(ctx context.Context, tx *gorm.DB) (bool, error) {
	var ids []int64
	err := tx.WithContext(ctx).Raw(
		`SELECT attempt_id FROM settlement_attempt
		 WHERE kind = ? AND status = ?`+r.lockSuffix(),
		KindRetry,
		StatusStarted,
	).Scan(&ids).Error
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// CountTargets counts customers that still need an invoice for the period:
// no header yet and at least one billable source row.
func (r *Repository) CountTargets(ctx context.Context, tx *gorm.DB, period domain.Period) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM customers c
		 WHERE NOT EXISTS (
			SELECT 1 FROM monthly_invoice mi
			WHERE mi.customer_id = c.customer_id AND mi.period = ?
		 )
		 AND (
			EXISTS (
				SELECT 1 FROM subscription_billing_history s
				WHERE s.customer_id = c.customer_id AND s.period = ?
			)
			OR EXISTS (
				SELECT 1 FROM micro_payment_billing_history m
				WHERE m.customer_id = c.customer_id AND m.period = ?
			)
		 )`,
		int(period),
		int(period),
		int(period),
	).Scan(&count).Error
	return count, err
}

// CountFailedInvoices counts invoices whose latest settlement outcome is
// FAILED. This is the retry attempt's target population.
func (r *Repository) CountFailedInvoices(ctx context.Context, tx *gorm.DB) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM settlement_status WHERE status = ?`,
		domain.SettlementFailed,
	).Scan(&count).Error
	return count, err
}

// ApplyChunkResult folds one committed chunk into the counters. The update
// is additive so concurrent watchers never observe a counter move backwards.
func (r *Repository) ApplyChunkResult(ctx context.Context, attemptID snowflake.ID, result ChunkResult) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE settlement_attempt
		 SET success_count = success_count + ?,
		     fail_count = fail_count + ?
		 WHERE attempt_id = ?`,
		result.SuccessCount,
		result.FailCount,
		attemptID,
	).Error
}

// MarkFinished transitions a STARTED attempt to a terminal status. Returns
// false when the attempt already left STARTED, e.g. the watchdog got there
// first.
func (r *Repository) MarkFinished(ctx context.Context, attemptID snowflake.ID, status Status, endedAt time.Time, durationMS int64) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE settlement_attempt
		 SET status = ?, ended_at = ?, duration_ms = ?
		 WHERE attempt_id = ? AND status = ?`,
		status,
		endedAt,
		durationMS,
		attemptID,
		StatusStarted,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindByID(ctx context.Context, attemptID snowflake.ID) (*Attempt, error) {
	var a Attempt
	err := r.db.WithContext(ctx).Raw(
		`SELECT attempt_id, period, kind, status, target_count, success_count,
		        fail_count, started_at, ended_at, duration_ms, host, created_at
		 FROM settlement_attempt
		 WHERE attempt_id = ?`,
		attemptID,
	).Scan(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == 0 {
		return nil, domain.ErrAttemptNotFound
	}
	return &a, nil
}

// ListStalledStarted returns every STARTED attempt that began before the
// cutoff, oldest first.
func (r *Repository) ListStalledStarted(ctx context.Context, cutoff time.Time) ([]Attempt, error) {
	var attempts []Attempt
	err := r.db.WithContext(ctx).Raw(
		`SELECT attempt_id, period, kind, status, target_count, success_count,
		        fail_count, started_at, ended_at, duration_ms, host, created_at
		 FROM settlement_attempt
		 WHERE status = ? AND started_at < ?
		 ORDER BY started_at ASC`,
		StatusStarted,
		cutoff,
	).Scan(&attempts).Error
	return attempts, err
}

// ExistsStartedAfter reports whether a STARTED attempt began at or after
// the cutoff. Force resume refuses to act while one may still be working.
func (r *Repository) ExistsStartedAfter(ctx context.Context, cutoff time.Time) (bool, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT attempt_id FROM settlement_attempt
		 WHERE status = ? AND started_at >= ?`,
		StatusStarted,
		cutoff,
	).Scan(&ids).Error
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
