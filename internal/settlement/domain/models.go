package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ServiceCategory is the logical charge classification resolved to a storage
// id through the category registry at startup.
type ServiceCategory string

const (
	CategoryPlan    ServiceCategory = "plan"
	CategoryAddon   ServiceCategory = "addon"
	CategoryEtcPlan ServiceCategory = "etc_plan"
	CategoryMicro   ServiceCategory = "micro_payment"
)

// RequiredCategories lists every category the engine resolves during boot.
func RequiredCategories() []ServiceCategory {
	return []ServiceCategory{CategoryPlan, CategoryAddon, CategoryEtcPlan, CategoryMicro}
}

// SettlementState is the per-invoice outcome of the most recent attempt.
type SettlementState string

const (
	SettlementNone       SettlementState = "NONE"
	SettlementReady      SettlementState = "READY"
	SettlementProcessing SettlementState = "PROCESSING"
	SettlementCompleted  SettlementState = "COMPLETED"
	SettlementFailed     SettlementState = "FAILED"
)

// TargetCustomer is one cursor row: a customer eligible for settlement plus
// the billing day the invoice due date derives from.
type TargetCustomer struct {
	CustomerID int64
	BillingDay int
}

// SubscriptionRecord is an immutable source row from the subscription ledger.
type SubscriptionRecord struct {
	ID             int64
	CustomerID     int64
	DeviceID       int64
	ServiceID      int64
	CategoryID     int
	ServiceName    string
	StartDate      time.Time
	OriginAmount   int64
	DiscountAmount int64
	TotalAmount    int64
	Period         Period
}

// MicroPaymentRecord is an immutable source row, one per purchase event.
type MicroPaymentRecord struct {
	ID             int64
	CustomerID     int64
	ServiceID      int64
	ServiceName    string
	OriginAmount   int64
	DiscountAmount int64
	TotalAmount    int64
	Period         Period
	CreatedAt      time.Time
}

// Segment is a derived, non-overlapping date interval of subscription
// coverage for one device. Segments are never persisted; they become detail
// lines.
type Segment struct {
	CustomerID     int64
	DeviceID       int64
	SourceID       int64
	ServiceID      int64
	CategoryID     int
	ServiceName    string
	Start          time.Time
	End            time.Time
	OriginAmount   int64
	DiscountAmount int64
	TotalAmount    int64
}

// InvoiceHeader is the monthly_invoice row. Totals are accumulated
// additively as detail lines are written and never decremented.
type InvoiceHeader struct {
	ID         snowflake.ID
	CustomerID int64
	Period     Period

	TotalPlanAmount     int64
	TotalAddonAmount    int64
	TotalEtcAmount      int64
	TotalDiscountAmount int64
	TotalAmount         int64

	DueDate   time.Time
	CreatedAt time.Time
	ExpiredAt time.Time

	// SettlementSuccess tracks the outcome of the current run only. It is
	// not persisted on the header row; it drives the status transition.
	SettlementSuccess bool
}

// AddDetail folds one inserted detail line into the header totals. The
// category buckets follow the registry: plan and addon have dedicated
// columns, everything else lands in the etc bucket.
func (h *InvoiceHeader) AddDetail(categoryID, planID, addonID int, origin, discount, total int64) {
	h.TotalDiscountAmount += discount
	h.TotalAmount += total
	switch categoryID {
	case planID:
		h.TotalPlanAmount += origin
	case addonID:
		h.TotalAddonAmount += origin
	default:
		h.TotalEtcAmount += origin
	}
}

// DetailLine is one monthly_invoice_detail row. (InvoiceID, CategoryID,
// SourceID) is the idempotency key that makes re-runs and retries safe.
type DetailLine struct {
	ID             snowflake.ID
	InvoiceID      snowflake.ID
	CategoryID     int
	SourceID       int64
	ServiceName    string
	OriginAmount   int64
	DiscountAmount int64
	TotalAmount    int64
	UsageStart     time.Time
	UsageEnd       time.Time
	CreatedAt      time.Time
	ExpiredAt      time.Time
}

// DetailKey identifies one detail line by its unique key.
type DetailKey struct {
	InvoiceID  snowflake.ID
	CategoryID int
	SourceID   int64
}

func (d DetailLine) Key() DetailKey {
	return DetailKey{InvoiceID: d.InvoiceID, CategoryID: d.CategoryID, SourceID: d.SourceID}
}

// FailureRecord is the append-only audit of a source row that could not be
// settled. It is the sole input to the retry engine.
type FailureRecord struct {
	ID           snowflake.ID
	AttemptID    snowflake.ID
	ErrorCode    string
	ErrorMessage string
	CategoryID   int
	SourceID     int64
	InvoiceID    snowflake.ID
	Context      datatypes.JSONMap
	CreatedAt    time.Time
}

// StatusRow is the 1:1 settlement_status row per invoice.
type StatusRow struct {
	InvoiceID     snowflake.ID
	Status        SettlementState
	LastAttemptAt time.Time
	CreatedAt     time.Time
}

// StatusHistoryRow is one append-only settlement_status_history transition.
type StatusHistoryRow struct {
	ID         snowflake.ID
	InvoiceID  snowflake.ID
	AttemptID  snowflake.ID
	FromStatus SettlementState
	ToStatus   SettlementState
	ChangedAt  time.Time
	ReasonCode string
}

// Error codes recorded on failure rows.
const (
	ErrCodeSegmentCalc      = "SUB_SEGMENT_CALC_FAIL"
	ErrCodeSubDetailBuild   = "SUB_DETAIL_BUILD_FAIL"
	ErrCodeMicroDetailBuild = "MICRO_DETAIL_BUILD_FAIL"
	ErrCodeDetailInsert     = "DETAIL_INSERT_FAIL"
	ErrCodeMicroSourceGone  = "MICRO_SOURCE_NOT_FOUND"
	ErrCodeInvoiceNotFound  = "INVOICE_NOT_FOUND"
)

// ReasonRetryFailed is the history reason code stamped on FAILED->FAILED
// retry transitions.
const ReasonRetryFailed = "retry_failed"
