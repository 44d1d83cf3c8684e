package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// InsertDetails writes detail lines, skipping any (invoice, category,
// source) key that already exists, and reports which keys were actually
// inserted. Header totals must count each line exactly once, so callers
// fold amounts only for the returned keys.
func (s *Store) InsertDetails(ctx context.Context, tx *gorm.DB, lines []domain.DetailLine) (map[domain.DetailKey]bool, error) {
	inserted := make(map[domain.DetailKey]bool, len(lines))
	for _, line := range lines {
		var rows []struct {
			InvoiceID  snowflake.ID `gorm:"column:invoice_id"`
			CategoryID int          `gorm:"column:category_id"`
			SourceID   int64        `gorm:"column:source_id"`
		}
		err := tx.WithContext(ctx).Raw(
			`INSERT INTO monthly_invoice_detail (
				detail_id, invoice_id, category_id, source_id, service_name,
				origin_amount, discount_amount, total_amount,
				usage_start, usage_end, created_at, expired_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (invoice_id, category_id, source_id) DO NOTHING
			RETURNING invoice_id, category_id, source_id`,
			line.ID,
			line.InvoiceID,
			line.CategoryID,
			line.SourceID,
			line.ServiceName,
			line.OriginAmount,
			line.DiscountAmount,
			line.TotalAmount,
			line.UsageStart,
			line.UsageEnd,
			line.CreatedAt,
			line.ExpiredAt,
		).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			inserted[domain.DetailKey{
				InvoiceID:  row.InvoiceID,
				CategoryID: row.CategoryID,
				SourceID:   row.SourceID,
			}] = true
		}
	}
	return inserted, nil
}

// CountDetails reports how many lines an invoice carries, split by category.
func (s *Store) CountDetails(ctx context.Context, invoiceID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM monthly_invoice_detail WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&count).Error
	return count, err
}
