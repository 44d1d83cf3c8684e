package domain

import (
	"testing"
	"time"
)

func TestPeriodBounds(t *testing.T) {
	p := Period(202512)
	if got := p.Start(); !got.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", got)
	}
	if got := p.End(); !got.Equal(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %v", got)
	}
	if got := p.Days(); got != 31 {
		t.Fatalf("days = %d, want 31", got)
	}

	// leap February
	feb := Period(202402)
	if got := feb.Days(); got != 29 {
		t.Fatalf("feb 2024 days = %d, want 29", got)
	}
}

func TestPeriodValid(t *testing.T) {
	cases := []struct {
		p    Period
		want bool
	}{
		{Period(202512), true},
		{Period(202401), true},
		{RetryPeriod, false},
		{Period(202500), false},
		{Period(202513), false},
		{Period(12), false},
	}
	for _, tc := range cases {
		if got := tc.p.Valid(); got != tc.want {
			t.Errorf("Valid(%d) = %v, want %v", int(tc.p), got, tc.want)
		}
	}
}

func TestDueDateClampsToMonthLength(t *testing.T) {
	p := Period(202502)
	if got := p.DueDate(15); got.Day() != 15 {
		t.Fatalf("due day = %d, want 15", got.Day())
	}
	// february has no 31st; clamp to the last day
	if got := p.DueDate(31); got.Day() != 28 {
		t.Fatalf("due day = %d, want 28", got.Day())
	}
	// non-positive means bill on the last day
	if got := p.DueDate(0); got.Day() != 28 {
		t.Fatalf("due day = %d, want 28", got.Day())
	}
}

func TestPreviousPeriodCrossesYear(t *testing.T) {
	jan := time.Date(2026, 1, 3, 7, 0, 0, 0, time.UTC)
	if got := PreviousPeriod(jan); got != Period(202512) {
		t.Fatalf("previous period = %d, want 202512", int(got))
	}
	jul := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)
	if got := PreviousPeriod(jul); got != Period(202506) {
		t.Fatalf("previous period = %d, want 202506", int(got))
	}
}

// Month-end days past the previous month's length must still resolve to
// the previous month; date normalization would push Mar 29..31 minus one
// month into March itself.
func TestPreviousPeriodAtMonthEnd(t *testing.T) {
	cases := []struct {
		now  time.Time
		want Period
	}{
		{time.Date(2026, 3, 29, 8, 0, 0, 0, time.UTC), Period(202602)},
		{time.Date(2026, 3, 30, 8, 0, 0, 0, time.UTC), Period(202602)},
		{time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC), Period(202602)},
		{time.Date(2025, 5, 31, 23, 59, 0, 0, time.UTC), Period(202504)},
		{time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC), Period(202402)},
		{time.Date(2025, 7, 31, 12, 0, 0, 0, time.UTC), Period(202506)},
	}
	for _, tc := range cases {
		if got := PreviousPeriod(tc.now); got != tc.want {
			t.Errorf("PreviousPeriod(%s) = %d, want %d", tc.now.Format("2006-01-02"), int(got), int(tc.want))
		}
	}
}

func TestAddDetailBucketsByCategory(t *testing.T) {
	h := InvoiceHeader{}
	h.AddDetail(1, 1, 2, 10000, 1000, 9000) // plan
	h.AddDetail(2, 1, 2, 3000, 0, 3000)     // addon
	h.AddDetail(4, 1, 2, 500, 0, 500)       // anything else lands in etc

	if h.TotalPlanAmount != 10000 || h.TotalAddonAmount != 3000 || h.TotalEtcAmount != 500 {
		t.Fatalf("buckets = %d/%d/%d", h.TotalPlanAmount, h.TotalAddonAmount, h.TotalEtcAmount)
	}
	if h.TotalDiscountAmount != 1000 {
		t.Fatalf("discount = %d, want 1000", h.TotalDiscountAmount)
	}
	if h.TotalAmount != 12500 {
		t.Fatalf("total = %d, want 12500", h.TotalAmount)
	}
}
