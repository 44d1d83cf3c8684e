package reader

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/settlement/domain"
)

func TestNextChunkPagesEligibleCustomers(t *testing.T) {
	db := setupReaderTestDB(t)
	period := domain.Period(202512)

	// five billable customers, one already invoiced, one idle this month
	for id := int64(1); id <= 5; id++ {
		insertCustomer(t, db, id, int(id))
		insertSubRow(t, db, id*10, id, period)
	}
	insertCustomer(t, db, 6, 6)
	insertSubRow(t, db, 60, 6, period)
	insertInvoice(t, db, 600, 6, period)
	insertCustomer(t, db, 7, 7)

	r := New(db, 3)
	first, err := r.NextChunk(context.Background(), period, 0)
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if len(first) != 3 || first[0].CustomerID != 1 || first[2].CustomerID != 3 {
		t.Fatalf("first chunk = %+v, want customers 1..3", first)
	}
	if first[1].BillingDay != 2 {
		t.Fatalf("billing day = %d, want 2", first[1].BillingDay)
	}

	second, err := r.NextChunk(context.Background(), period, first[len(first)-1].CustomerID)
	if err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if len(second) != 2 || second[0].CustomerID != 4 || second[1].CustomerID != 5 {
		t.Fatalf("second chunk = %+v, want customers 4 and 5", second)
	}

	third, err := r.NextChunk(context.Background(), period, second[len(second)-1].CustomerID)
	if err != nil {
		t.Fatalf("third chunk: %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("third chunk = %+v, want empty", third)
	}
}

func TestNextChunkPicksUpMicroOnlyCustomers(t *testing.T) {
	db := setupReaderTestDB(t)
	period := domain.Period(202512)

	insertCustomer(t, db, 1, 5)
	insertMicroRow(t, db, 11, 1, period)
	// rows from another month do not qualify
	insertCustomer(t, db, 2, 5)
	insertMicroRow(t, db, 21, 2, domain.Period(202511))

	r := New(db, 10)
	targets, err := r.NextChunk(context.Background(), period, 0)
	if err != nil {
		t.Fatalf("next chunk: %v", err)
	}
	if len(targets) != 1 || targets[0].CustomerID != 1 {
		t.Fatalf("targets = %+v, want customer 1 only", targets)
	}
}

func setupReaderTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			customer_id BIGINT PRIMARY KEY,
			billing_day INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS monthly_invoice (
			invoice_id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			period INTEGER NOT NULL,
			UNIQUE (customer_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_billing_history (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			period INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS micro_payment_billing_history (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			period INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

func insertCustomer(t *testing.T, db *gorm.DB, id int64, billingDay int) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO customers (customer_id, billing_day) VALUES (?, ?)`,
		id, billingDay,
	).Error; err != nil {
		t.Fatalf("insert customer: %v", err)
	}
}

func insertSubRow(t *testing.T, db *gorm.DB, id, customerID int64, period domain.Period) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO subscription_billing_history (id, customer_id, period) VALUES (?, ?, ?)`,
		id, customerID, int(period),
	).Error; err != nil {
		t.Fatalf("insert subscription row: %v", err)
	}
}

func insertMicroRow(t *testing.T, db *gorm.DB, id, customerID int64, period domain.Period) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO micro_payment_billing_history (id, customer_id, period) VALUES (?, ?, ?)`,
		id, customerID, int(period),
	).Error; err != nil {
		t.Fatalf("insert micro row: %v", err)
	}
}

func insertInvoice(t *testing.T, db *gorm.DB, invoiceID, customerID int64, period domain.Period) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO monthly_invoice (invoice_id, customer_id, period) VALUES (?, ?, ?)`,
		invoiceID, customerID, int(period),
	).Error; err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
}
