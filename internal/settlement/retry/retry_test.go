package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/category"
	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/events"
	"github.com/paymeter/settle/internal/settlement/domain"
	"github.com/paymeter/settle/internal/settlement/store"
)

const (
	planCat  = 101
	addonCat = 102
	etcCat   = 103
	microCat = 104
)

var testNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestRetryRecoversMicroFailure(t *testing.T) {
	db := setupRetryTestDB(t)
	e, st := newTestEngine(t, db)
	period := domain.Period(202512)

	invoiceID := snowflake.ID(5001)
	insertInvoice(t, db, invoiceID, 5, period)
	insertStatus(t, db, invoiceID, domain.SettlementFailed)
	// the source row was unreadable during the monthly run; it is fine now
	execSQL(t, db, `INSERT INTO micro_payment_billing_history
		(id, customer_id, service_id, service_name, origin_amount, discount_amount, total_amount, period, created_at)
		VALUES (51, 5, 900, 'ringtone', 500, 0, 500, 202512, '2025-12-14 10:00:00+00:00')`)
	insertFailure(t, db, 9001, 8001, invoiceID, microCat, 51, domain.ErrCodeMicroDetailBuild)

	result, err := e.RetryChunk(context.Background(), snowflake.ID(8002), []snowflake.ID{invoiceID})
	if err != nil {
		t.Fatalf("retry chunk: %v", err)
	}
	if result.SuccessCount != 1 || result.FailCount != 0 {
		t.Fatalf("result = %d/%d, want 1/0", result.SuccessCount, result.FailCount)
	}

	if got := queryStatus(t, db, invoiceID); got != domain.SettlementCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	count, err := st.CountDetails(context.Background(), invoiceID)
	if err != nil {
		t.Fatalf("count details: %v", err)
	}
	if count != 1 {
		t.Fatalf("detail rows = %d, want 1", count)
	}
	if got := queryTotal(t, db, invoiceID); got != 500 {
		t.Fatalf("total_amount = %d, want 500", got)
	}

	history := queryHistory(t, db, invoiceID)
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].From != string(domain.SettlementFailed) || history[0].To != string(domain.SettlementCompleted) {
		t.Fatalf("history transition = %s -> %s", history[0].From, history[0].To)
	}
}

func TestRetryRunsTwiceWithoutDuplicating(t *testing.T) {
	db := setupRetryTestDB(t)
	e, st := newTestEngine(t, db)
	period := domain.Period(202512)

	invoiceID := snowflake.ID(5002)
	insertInvoice(t, db, invoiceID, 6, period)
	insertStatus(t, db, invoiceID, domain.SettlementFailed)
	insertSubSource(t, db, 61, 6, 7, planCat, date(2025, 12, 1), 10000, period)
	insertFailure(t, db, 9002, 8001, invoiceID, planCat, 61, domain.ErrCodeSegmentCalc)

	if _, err := e.RetryChunk(context.Background(), snowflake.ID(8003), []snowflake.ID{invoiceID}); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	firstTotal := queryTotal(t, db, invoiceID)
	if firstTotal != 10000 {
		t.Fatalf("total after first retry = %d, want 10000", firstTotal)
	}

	// the failure record is still there; replaying the chunk must not add
	// rows or amounts
	result, err := e.RetryChunk(context.Background(), snowflake.ID(8004), []snowflake.ID{invoiceID})
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("second retry result = %+v, want success", result)
	}
	if got := queryTotal(t, db, invoiceID); got != firstTotal {
		t.Fatalf("total changed on replay: %d -> %d", firstTotal, got)
	}
	count, err := st.CountDetails(context.Background(), invoiceID)
	if err != nil {
		t.Fatalf("count details: %v", err)
	}
	if count != 1 {
		t.Fatalf("detail rows = %d, want 1", count)
	}
	if got := countEvents(t, db, events.EventInvoiceSettled); got != 1 {
		t.Fatalf("settled events = %d, want 1", got)
	}
}

func TestRetryMissingSourceStaysFailed(t *testing.T) {
	db := setupRetryTestDB(t)
	e, _ := newTestEngine(t, db)
	period := domain.Period(202512)

	invoiceID := snowflake.ID(5003)
	insertInvoice(t, db, invoiceID, 7, period)
	insertStatus(t, db, invoiceID, domain.SettlementFailed)
	// failure references micro source 71, which no longer exists
	insertFailure(t, db, 9003, 8001, invoiceID, microCat, 71, domain.ErrCodeMicroDetailBuild)

	result, err := e.RetryChunk(context.Background(), snowflake.ID(8005), []snowflake.ID{invoiceID})
	if err != nil {
		t.Fatalf("retry chunk: %v", err)
	}
	if result.SuccessCount != 0 || result.FailCount != 1 {
		t.Fatalf("result = %d/%d, want 0/1", result.SuccessCount, result.FailCount)
	}

	if got := queryStatus(t, db, invoiceID); got != domain.SettlementFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}

	var codes []string
	if err := db.Raw(
		`SELECT error_code FROM settlement_batch_fail WHERE attempt_id = ?`, snowflake.ID(8005),
	).Scan(&codes).Error; err != nil {
		t.Fatalf("load failures: %v", err)
	}
	if len(codes) != 1 || codes[0] != domain.ErrCodeMicroSourceGone {
		t.Fatalf("failure codes = %v, want [%s]", codes, domain.ErrCodeMicroSourceGone)
	}

	history := queryHistory(t, db, invoiceID)
	if len(history) != 1 || history[0].To != string(domain.SettlementFailed) || history[0].Reason != domain.ReasonRetryFailed {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRetrySkipsInvoiceWithoutFailureRecords(t *testing.T) {
	db := setupRetryTestDB(t)
	e, _ := newTestEngine(t, db)
	period := domain.Period(202512)

	invoiceID := snowflake.ID(5004)
	insertInvoice(t, db, invoiceID, 8, period)
	insertStatus(t, db, invoiceID, domain.SettlementFailed)

	result, err := e.RetryChunk(context.Background(), snowflake.ID(8006), []snowflake.ID{invoiceID})
	if err != nil {
		t.Fatalf("retry chunk: %v", err)
	}
	if result.FailCount != 1 {
		t.Fatalf("result = %+v, want 1 fail", result)
	}
	if got := queryStatus(t, db, invoiceID); got != domain.SettlementFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestRetryMissingHeaderIsPermanentFailure(t *testing.T) {
	db := setupRetryTestDB(t)
	e, _ := newTestEngine(t, db)

	ghost := snowflake.ID(5005)
	result, err := e.RetryChunk(context.Background(), snowflake.ID(8007), []snowflake.ID{ghost})
	if err != nil {
		t.Fatalf("retry chunk: %v", err)
	}
	if result.SuccessCount != 0 || result.FailCount != 1 {
		t.Fatalf("result = %d/%d, want 0/1", result.SuccessCount, result.FailCount)
	}

	var codes []string
	if err := db.Raw(
		`SELECT error_code FROM settlement_batch_fail WHERE invoice_id = ?`, ghost,
	).Scan(&codes).Error; err != nil {
		t.Fatalf("load failures: %v", err)
	}
	if len(codes) != 1 || codes[0] != domain.ErrCodeInvoiceNotFound {
		t.Fatalf("failure codes = %v, want [%s]", codes, domain.ErrCodeInvoiceNotFound)
	}
}

func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, *store.Store) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new snowflake node: %v", err)
	}
	cats, err := category.Load(context.Background(), db)
	if err != nil {
		t.Fatalf("load categories: %v", err)
	}
	st := store.New(db, node)
	cfg := config.Config{Batch: config.BatchConfig{ChunkSize: 100, DetailBatchSize: 50, MicroPageSize: 2}}
	e, err := New(st, cats, events.NewOutbox(db, node), clock.Fixed{T: testNow}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, st
}

func setupRetryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoice_category (
			invoice_category_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_billing_history (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			device_id BIGINT NOT NULL,
			service_id BIGINT NOT NULL,
			category_id INTEGER NOT NULL,
			service_name TEXT NOT NULL,
			start_date DATETIME,
			origin_amount BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL,
			total_amount BIGINT NOT NULL,
			period INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS micro_payment_billing_history (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			service_id BIGINT NOT NULL,
			service_name TEXT NOT NULL,
			origin_amount BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL,
			total_amount BIGINT NOT NULL,
			period INTEGER NOT NULL,
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS monthly_invoice (
			invoice_id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			period INTEGER NOT NULL,
			total_plan_amount BIGINT NOT NULL DEFAULT 0,
			total_addon_amount BIGINT NOT NULL DEFAULT 0,
			total_etc_amount BIGINT NOT NULL DEFAULT 0,
			total_discount_amount BIGINT NOT NULL DEFAULT 0,
			total_amount BIGINT NOT NULL DEFAULT 0,
			due_date DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			expired_at DATETIME NOT NULL,
			UNIQUE (customer_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS monthly_invoice_detail (
			detail_id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			category_id INTEGER NOT NULL,
			source_id BIGINT NOT NULL,
			service_name TEXT NOT NULL,
			origin_amount BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL,
			total_amount BIGINT NOT NULL,
			usage_start DATETIME NOT NULL,
			usage_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			expired_at DATETIME NOT NULL,
			UNIQUE (invoice_id, category_id, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_batch_fail (
			fail_id BIGINT PRIMARY KEY,
			attempt_id BIGINT NOT NULL,
			invoice_id BIGINT NOT NULL,
			category_id INTEGER NOT NULL,
			source_id BIGINT NOT NULL,
			error_code TEXT NOT NULL,
			error_message TEXT,
			context TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_status (
			invoice_id BIGINT PRIMARY KEY,
			status TEXT NOT NULL,
			last_attempt_at DATETIME NOT NULL,
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_status_history (
			id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			attempt_id BIGINT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			changed_at DATETIME NOT NULL,
			reason_code TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id BIGINT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload TEXT,
			dedupe_key TEXT,
			published BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL,
			UNIQUE (event_type, dedupe_key)
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	for name, id := range map[string]int{
		"plan": planCat, "addon": addonCat, "etc_plan": etcCat, "micro_payment": microCat,
	} {
		execSQL(t, db, fmt.Sprintf(
			`INSERT INTO invoice_category (invoice_category_id, name) VALUES (%d, '%s')`, id, name))
	}
	return db
}

func execSQL(t *testing.T, db *gorm.DB, sql string) {
	t.Helper()
	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

func insertInvoice(t *testing.T, db *gorm.DB, invoiceID snowflake.ID, customerID int64, period domain.Period) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO monthly_invoice
		 (invoice_id, customer_id, period, due_date, created_at, expired_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		invoiceID, customerID, int(period),
		date(2025, 12, 5), testNow.AddDate(0, 0, -2), testNow.AddDate(5, 0, 0),
	).Error; err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
}

func insertStatus(t *testing.T, db *gorm.DB, invoiceID snowflake.ID, status domain.SettlementState) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO settlement_status (invoice_id, status, last_attempt_at, created_at)
		 VALUES (?, ?, ?, ?)`,
		invoiceID, status, testNow.AddDate(0, 0, -2), testNow.AddDate(0, 0, -2),
	).Error; err != nil {
		t.Fatalf("insert status: %v", err)
	}
}

func insertFailure(t *testing.T, db *gorm.DB, failID, attemptID int64, invoiceID snowflake.ID, categoryID int, sourceID int64, code string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO settlement_batch_fail
		 (fail_id, attempt_id, invoice_id, category_id, source_id, error_code, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
		failID, attemptID, invoiceID, categoryID, sourceID, code, testNow.AddDate(0, 0, -2),
	).Error; err != nil {
		t.Fatalf("insert failure: %v", err)
	}
}

func insertSubSource(t *testing.T, db *gorm.DB, id, customerID, deviceID int64, categoryID int, start time.Time, amount int64, period domain.Period) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO subscription_billing_history
		 (id, customer_id, device_id, service_id, category_id, service_name, start_date,
		  origin_amount, discount_amount, total_amount, period)
		 VALUES (?, ?, ?, ?, ?, 'Plan A', ?, ?, 0, ?, ?)`,
		id, customerID, deviceID, id*10, categoryID, start, amount, amount, int(period),
	).Error; err != nil {
		t.Fatalf("insert subscription source: %v", err)
	}
}

func queryStatus(t *testing.T, db *gorm.DB, invoiceID snowflake.ID) domain.SettlementState {
	t.Helper()
	var status string
	if err := db.Raw(
		`SELECT status FROM settlement_status WHERE invoice_id = ?`, invoiceID,
	).Scan(&status).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	return domain.SettlementState(status)
}

func queryTotal(t *testing.T, db *gorm.DB, invoiceID snowflake.ID) int64 {
	t.Helper()
	var total int64
	if err := db.Raw(
		`SELECT total_amount FROM monthly_invoice WHERE invoice_id = ?`, invoiceID,
	).Scan(&total).Error; err != nil {
		t.Fatalf("load total: %v", err)
	}
	return total
}

type historyRow struct {
	From   string `gorm:"column:from_status"`
	To     string `gorm:"column:to_status"`
	Reason string `gorm:"column:reason_code"`
}

func queryHistory(t *testing.T, db *gorm.DB, invoiceID snowflake.ID) []historyRow {
	t.Helper()
	var rows []historyRow
	if err := db.Raw(
		`SELECT from_status, to_status, reason_code FROM settlement_status_history
		 WHERE invoice_id = ? ORDER BY id ASC`,
		invoiceID,
	).Scan(&rows).Error; err != nil {
		t.Fatalf("load history: %v", err)
	}
	return rows
}

func countEvents(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM billing_events WHERE event_type = ?`, eventType,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
