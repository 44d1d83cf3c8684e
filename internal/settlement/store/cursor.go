package store

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SaveCursor persists the chunk cursor inside the chunk transaction, so a
// crash never leaves the cursor ahead of committed work.
func (s *Store) SaveCursor(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, lastCustomerID int64, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_cursor (attempt_id, last_customer_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET last_customer_id = excluded.last_customer_id,
		     updated_at = excluded.updated_at`,
		attemptID,
		lastCustomerID,
		now,
	).Error
}

// LoadCursor returns the last committed cursor position for an attempt,
// zero when the attempt never finished a chunk.
func (s *Store) LoadCursor(ctx context.Context, attemptID snowflake.ID) (int64, error) {
	var last int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT last_customer_id FROM settlement_cursor WHERE attempt_id = ?`,
		attemptID,
	).Scan(&last).Error
	return last, err
}
