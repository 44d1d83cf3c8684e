package domain

import (
	"fmt"
	"time"
)

// Period identifies a billing month as YYYYMM, e.g. 202512.
// The zero value is the sentinel recorded on period-less retry attempts.
type Period int

// RetryPeriod is stamped on attempts that span multiple billing months.
const RetryPeriod Period = 0

func PeriodOf(t time.Time) Period {
	return Period(t.Year()*100 + int(t.Month()))
}

// PreviousPeriod returns the billing month preceding t's month. Scheduled
// runs settle the month that just closed. Subtracting a month from t
// directly would normalize month-end dates forward (Mar 31 minus one month
// is Mar 3), so the previous month is reached through the first of t's
// month instead.
func PreviousPeriod(t time.Time) Period {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return PeriodOf(firstOfMonth.AddDate(0, 0, -1))
}

func (p Period) Year() int         { return int(p) / 100 }
func (p Period) Month() time.Month { return time.Month(int(p) % 100) }

func (p Period) Valid() bool {
	m := int(p) % 100
	return int(p) >= 190001 && m >= 1 && m <= 12
}

// Start returns the first day of the billing month at UTC midnight.
func (p Period) Start() time.Time {
	return time.Date(p.Year(), p.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the billing month at UTC midnight.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Days returns the number of days in the billing month.
func (p Period) Days() int {
	return p.End().Day()
}

// DueDate clamps a customer's preferred billing day to the month length.
// A day below 1 means "bill on the last day".
func (p Period) DueDate(billingDay int) time.Time {
	last := p.Days()
	day := billingDay
	if day < 1 || day > last {
		day = last
	}
	return time.Date(p.Year(), p.Month(), day, 0, 0, 0, 0, time.UTC)
}

func (p Period) String() string {
	return fmt.Sprintf("%06d", int(p))
}
