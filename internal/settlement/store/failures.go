package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// InsertFailures appends failure records for rows that could not be
// settled. The table is append-only; retries add fresh rows under their own
// attempt instead of mutating old ones.
func (s *Store) InsertFailures(ctx context.Context, tx *gorm.DB, failures []domain.FailureRecord) error {
	for _, f := range failures {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO settlement_batch_fail (
				fail_id, attempt_id, invoice_id, category_id, source_id,
				error_code, error_message, context, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID,
			f.AttemptID,
			f.InvoiceID,
			f.CategoryID,
			f.SourceID,
			f.ErrorCode,
			f.ErrorMessage,
			f.Context,
			f.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// FindFailuresByCategories loads failure records for a set of invoices
// limited to the given categories. Retry uses this for the subscription
// side, which is small enough to load at once.
func (s *Store) FindFailuresByCategories(ctx context.Context, tx *gorm.DB, invoiceIDs []snowflake.ID, categoryIDs []int) ([]domain.FailureRecord, error) {
	if len(invoiceIDs) == 0 || len(categoryIDs) == 0 {
		return nil, nil
	}
	var rows []domain.FailureRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT fail_id AS id, attempt_id, invoice_id, category_id, source_id,
		        error_code, error_message, context, created_at
		 FROM settlement_batch_fail
		 WHERE invoice_id IN ? AND category_id IN ?
		 ORDER BY fail_id ASC`,
		invoiceIDs,
		categoryIDs,
	).Scan(&rows).Error
	return rows, err
}

// FindMicroFailurePage loads one keyset page of micro payment failures for
// a set of invoices, advancing on fail_id.
func (s *Store) FindMicroFailurePage(ctx context.Context, tx *gorm.DB, invoiceIDs []snowflake.ID, microCategoryID int, lastFailID snowflake.ID, limit int) ([]domain.FailureRecord, error) {
	if len(invoiceIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	var rows []domain.FailureRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT fail_id AS id, attempt_id, invoice_id, category_id, source_id,
		        error_code, error_message, context, created_at
		 FROM settlement_batch_fail
		 WHERE invoice_id IN ? AND category_id = ? AND fail_id > ?
		 ORDER BY fail_id ASC
		 LIMIT ?`,
		invoiceIDs,
		microCategoryID,
		lastFailID,
		limit,
	).Scan(&rows).Error
	return rows, err
}

// CountFailuresByAttempt reports how many failure rows an attempt recorded.
func (s *Store) CountFailuresByAttempt(ctx context.Context, attemptID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM settlement_batch_fail WHERE attempt_id = ?`,
		attemptID,
	).Scan(&count).Error
	return count, err
}
