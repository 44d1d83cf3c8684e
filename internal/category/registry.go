package category

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// Registry resolves category names to their storage ids. It is loaded once
// at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	ids map[domain.ServiceCategory]int
}

// Load reads the invoice_category table and fails when a required category
// is missing. A half-provisioned schema must stop the process before any
// attempt is opened.
func Load(ctx context.Context, gdb *gorm.DB) (*Registry, error) {
	rows := []struct {
		InvoiceCategoryID int    `gorm:"column:invoice_category_id"`
		Name              string `gorm:"column:name"`
	}{}
	err := gdb.WithContext(ctx).
		Raw(`SELECT invoice_category_id, name FROM invoice_category`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load invoice categories: %w", err)
	}

	ids := make(map[domain.ServiceCategory]int, len(rows))
	for _, row := range rows {
		ids[domain.ServiceCategory(row.Name)] = row.InvoiceCategoryID
	}
	for _, required := range domain.RequiredCategories() {
		if _, ok := ids[required]; !ok {
			return nil, fmt.Errorf("invoice category %q not provisioned", required)
		}
	}
	return &Registry{ids: ids}, nil
}

// ID returns the storage id for a category. Load guarantees every required
// category resolves, so a miss here is a programming error.
func (r *Registry) ID(c domain.ServiceCategory) int {
	id, ok := r.ids[c]
	if !ok {
		panic(fmt.Sprintf("unknown invoice category %q", c))
	}
	return id
}

func (r *Registry) PlanID() int    { return r.ID(domain.CategoryPlan) }
func (r *Registry) AddonID() int   { return r.ID(domain.CategoryAddon) }
func (r *Registry) EtcPlanID() int { return r.ID(domain.CategoryEtcPlan) }
func (r *Registry) MicroID() int   { return r.ID(domain.CategoryMicro) }

// SubscriptionIDs lists the categories billed from the subscription ledger.
func (r *Registry) SubscriptionIDs() []int {
	return []int{r.PlanID(), r.AddonID(), r.EtcPlanID()}
}
