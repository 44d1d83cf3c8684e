package reader

import (
	"context"

	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// TargetReader pages through customers still owing an invoice for a
// period. Pagination is keyset on customer_id, so a resumed attempt can
// continue from any committed cursor position without re-reading.
type TargetReader struct {
	db        *gorm.DB
	chunkSize int
}

func New(db *gorm.DB, chunkSize int) *TargetReader {
	return &TargetReader{db: db, chunkSize: chunkSize}
}

// NextChunk returns up to chunkSize target customers with ids greater than
// afterCustomerID. Customers already holding an invoice for the period are
// excluded, which is what makes re-runs skip settled work.
func (r *TargetReader) NextChunk(ctx context.Context, period domain.Period, afterCustomerID int64) ([]domain.TargetCustomer, error) {
	var targets []domain.TargetCustomer
	err := r.db.WithContext(ctx).Raw(
		`SELECT c.customer_id, c.billing_day
		 FROM customers c
		 WHERE c.customer_id > ?
		 AND NOT EXISTS (
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
		 )
		 ORDER BY c.customer_id ASC
		 LIMIT ?`,
		afterCustomerID,
		int(period),
		int(period),
		int(period),
		r.chunkSize,
	).Scan(&targets).Error
	return targets, err
}
