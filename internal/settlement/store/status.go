package store

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// RecordOutcome upserts the invoice's settlement status and appends the
// matching history transition in the same transaction.
func (s *Store) RecordOutcome(ctx context.Context, tx *gorm.DB, attemptID, invoiceID snowflake.ID, from, to domain.SettlementState, reason string, now time.Time) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_status (invoice_id, status, last_attempt_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (invoice_id) DO UPDATE
		 SET status = excluded.status, last_attempt_at = excluded.last_attempt_at`,
		invoiceID,
		to,
		now,
		now,
	).Error
	if err != nil {
		return err
	}
	return s.AppendHistory(ctx, tx, attemptID, invoiceID, from, to, reason, now)
}

// AppendHistory writes one transition row without moving the status itself.
// Retry keeps a FAILED invoice's status untouched but still records the
// FAILED to FAILED transition.
func (s *Store) AppendHistory(ctx context.Context, tx *gorm.DB, attemptID, invoiceID snowflake.ID, from, to domain.SettlementState, reason string, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_status_history (
			id, invoice_id, attempt_id, from_status, to_status, changed_at, reason_code
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		invoiceID,
		attemptID,
		from,
		to,
		now,
		reason,
	).Error
}

// FindStatus returns the invoice's current settlement state, NONE when no
// attempt has touched it yet.
func (s *Store) FindStatus(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (domain.SettlementState, error) {
	var status string
	err := tx.WithContext(ctx).Raw(
		`SELECT status FROM settlement_status WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&status).Error
	if err != nil {
		return "", err
	}
	if status == "" {
		return domain.SettlementNone, nil
	}
	return domain.SettlementState(status), nil
}

// ListFailedInvoiceIDs pages through invoices whose latest outcome is
// FAILED, keyset ordered by invoice id.
func (s *Store) ListFailedInvoiceIDs(ctx context.Context, tx *gorm.DB, lastSeenID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT invoice_id FROM settlement_status
		 WHERE status = ? AND invoice_id > ?
		 ORDER BY invoice_id ASC
		 LIMIT ?`,
		domain.SettlementFailed,
		lastSeenID,
		limit,
	).Scan(&ids).Error
	return ids, err
}

// StatusHistory lists an invoice's transitions oldest first.
func (s *Store) StatusHistory(ctx context.Context, invoiceID snowflake.ID) ([]domain.StatusHistoryRow, error) {
	var rows []domain.StatusHistoryRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, attempt_id, from_status, to_status, changed_at, reason_code
		 FROM settlement_status_history
		 WHERE invoice_id = ?
		 ORDER BY changed_at ASC, id ASC`,
		invoiceID,
	).Scan(&rows).Error
	return rows, err
}
