package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// FetchSubscriptions loads every subscription ledger row for the chunk's
// customers in one period. Ordering by customer, device, and start date is
// what lets the segment pass run as a single scan.
func (s *Store) FetchSubscriptions(ctx context.Context, tx *gorm.DB, period domain.Period, customerIDs []int64) ([]domain.SubscriptionRecord, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}
	var rows []domain.SubscriptionRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, device_id, service_id, category_id,
		        service_name, start_date, origin_amount, discount_amount,
		        total_amount, period
		 FROM subscription_billing_history
		 WHERE period = ? AND customer_id IN ?
		 ORDER BY customer_id ASC, device_id ASC, start_date ASC, id ASC`,
		int(period),
		customerIDs,
	).Scan(&rows).Error
	return rows, err
}

// FetchMicroPaymentPage loads one keyset page of micro payment rows for the
// chunk's customers. Pages advance on the last seen row id so the scan is
// stable regardless of page size.
func (s *Store) FetchMicroPaymentPage(ctx context.Context, tx *gorm.DB, period domain.Period, customerIDs []int64, lastSeenID int64, limit int) ([]domain.MicroPaymentRecord, error) {
	if len(customerIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	var rows []domain.MicroPaymentRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, service_id, service_name,
		        origin_amount, discount_amount, total_amount, period, created_at
		 FROM micro_payment_billing_history
		 WHERE period = ? AND customer_id IN ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		int(period),
		customerIDs,
		lastSeenID,
		limit,
	).Scan(&rows).Error
	return rows, err
}

// FindMicroPaymentsByIDs reloads specific micro payment rows during retry.
// A missing row means the source disappeared since the failure was recorded.
func (s *Store) FindMicroPaymentsByIDs(ctx context.Context, tx *gorm.DB, ids []int64) (map[int64]domain.MicroPaymentRecord, error) {
	if len(ids) == 0 {
		return map[int64]domain.MicroPaymentRecord{}, nil
	}
	var rows []domain.MicroPaymentRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, service_id, service_name,
		        origin_amount, discount_amount, total_amount, period, created_at
		 FROM micro_payment_billing_history
		 WHERE id IN ?`,
		ids,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.MicroPaymentRecord, len(rows))
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}
