package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// InsertHeaders writes invoice headers for a chunk, skipping customers that
// already have one for the period. Re-runs and force resumes pass through
// here without error.
func (s *Store) InsertHeaders(ctx context.Context, tx *gorm.DB, headers []domain.InvoiceHeader) error {
	for _, h := range headers {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO monthly_invoice (
				invoice_id, customer_id, period,
				total_plan_amount, total_addon_amount, total_etc_amount,
				total_discount_amount, total_amount,
				due_date, created_at, expired_at
			) VALUES (?, ?, ?, 0, 0, 0, 0, 0, ?, ?, ?)
			ON CONFLICT (customer_id, period) DO NOTHING`,
			h.ID,
			h.CustomerID,
			int(h.Period),
			h.DueDate,
			h.CreatedAt,
			h.ExpiredAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// FindHeaderIDs resolves the persisted invoice id per customer for one
// period. Ids generated before a duplicate-skipping insert are not
// authoritative; the table is.
func (s *Store) FindHeaderIDs(ctx context.Context, tx *gorm.DB, period domain.Period, customerIDs []int64) (map[int64]snowflake.ID, error) {
	if len(customerIDs) == 0 {
		return map[int64]snowflake.ID{}, nil
	}
	var rows []struct {
		InvoiceID  snowflake.ID `gorm:"column:invoice_id"`
		CustomerID int64        `gorm:"column:customer_id"`
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT invoice_id, customer_id FROM monthly_invoice
		 WHERE period = ? AND customer_id IN ?`,
		int(period),
		customerIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]snowflake.ID, len(rows))
	for _, row := range rows {
		ids[row.CustomerID] = row.InvoiceID
	}
	return ids, nil
}

// AddHeaderTotals folds freshly inserted detail amounts into the header
// columns. Updates are additive; a retry adding new lines never rewrites
// amounts settled earlier.
func (s *Store) AddHeaderTotals(ctx context.Context, tx *gorm.DB, headers []domain.InvoiceHeader) error {
	for _, h := range headers {
		if h.TotalAmount == 0 && h.TotalDiscountAmount == 0 &&
			h.TotalPlanAmount == 0 && h.TotalAddonAmount == 0 && h.TotalEtcAmount == 0 {
			continue
		}
		err := tx.WithContext(ctx).Exec(
			`UPDATE monthly_invoice
			 SET total_plan_amount = total_plan_amount + ?,
			     total_addon_amount = total_addon_amount + ?,
			     total_etc_amount = total_etc_amount + ?,
			     total_discount_amount = total_discount_amount + ?,
			     total_amount = total_amount + ?
			 WHERE invoice_id = ?`,
			h.TotalPlanAmount,
			h.TotalAddonAmount,
			h.TotalEtcAmount,
			h.TotalDiscountAmount,
			h.TotalAmount,
			h.ID,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// HeaderSummary is a read model for the API surface.
type HeaderSummary struct {
	InvoiceID   snowflake.ID `gorm:"column:invoice_id"`
	CustomerID  int64        `gorm:"column:customer_id"`
	Period      int          `gorm:"column:period"`
	TotalAmount int64        `gorm:"column:total_amount"`
	Status      string       `gorm:"column:status"`
}

// FindHeadersByIDs loads headers with their settlement status, for retry
// runs and the inspection API.
func (s *Store) FindHeadersByIDs(ctx context.Context, tx *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID]HeaderSummary, error) {
	if len(invoiceIDs) == 0 {
		return map[snowflake.ID]HeaderSummary{}, nil
	}
	var rows []HeaderSummary
	err := tx.WithContext(ctx).Raw(
		`SELECT mi.invoice_id, mi.customer_id, mi.period, mi.total_amount,
		        COALESCE(ss.status, ?) AS status
		 FROM monthly_invoice mi
		 LEFT JOIN settlement_status ss ON ss.invoice_id = mi.invoice_id
		 WHERE mi.invoice_id IN ?`,
		domain.SettlementNone,
		invoiceIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]HeaderSummary, len(rows))
	for _, row := range rows {
		out[row.InvoiceID] = row
	}
	return out, nil
}
