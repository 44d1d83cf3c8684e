package seed

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// defaultCategoryIDs provisions a fresh database. Existing rows always win;
// an operator who renumbered categories keeps their ids.
var defaultCategoryIDs = map[domain.ServiceCategory]int{
	domain.CategoryPlan:    1,
	domain.CategoryAddon:   2,
	domain.CategoryEtcPlan: 3,
	domain.CategoryMicro:   4,
}

// EnsureCategories seeds the invoice categories the engine requires. The
// registry refuses to boot without them, so this runs right after
// migrations.
func EnsureCategories(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range domain.RequiredCategories() {
			err := tx.WithContext(ctx).Exec(
				`INSERT INTO invoice_category (invoice_category_id, name)
				 VALUES (?, ?)
				 ON CONFLICT (name) DO NOTHING`,
				defaultCategoryIDs[name],
				string(name),
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
