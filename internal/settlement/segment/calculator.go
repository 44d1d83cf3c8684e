package segment

import (
	"sort"
	"time"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// Result is one chunk's segmentation outcome. Failed rows carry enough
// source identity for the writer to turn them into failure records.
type Result struct {
	Segments []domain.Segment
	Failed   []domain.SubscriptionRecord
}

// Calculate partitions subscription coverage into non-overlapping date
// segments per (customer, device) for one billing month.
//
// Plan rows are segmented: each runs from max(period start, its start date)
// until the day before the next plan row on the same device, or the period
// end when none follows. Add-on rows bill the whole remaining month and do
// not participate in the plan chain. Amounts pass through unmodified; the
// calculator partitions time, it does not recompute money.
//
// A plan row that cannot be settled fails every plan row of its device,
// already-built segments included, so a later retry reconstructs the device
// as one unit. Add-on failures stay row-local.
func Calculate(period domain.Period, addonCategoryID int, rows []domain.SubscriptionRecord) Result {
	var out Result
	if len(rows) == 0 {
		return out
	}

	periodStart := period.Start()
	periodEnd := period.End()

	var (
		buffer        []domain.SubscriptionRecord
		curCustomerID int64
		curDeviceID   int64
		started       bool
	)
	flush := func() {
		flushDevice(&out, buffer, periodStart, periodEnd, addonCategoryID)
		buffer = buffer[:0]
	}
	for _, row := range rows {
		if !started {
			curCustomerID, curDeviceID = row.CustomerID, row.DeviceID
			started = true
		}
		if row.CustomerID != curCustomerID || row.DeviceID != curDeviceID {
			flush()
			curCustomerID, curDeviceID = row.CustomerID, row.DeviceID
		}
		buffer = append(buffer, row)
	}
	flush()

	return out
}

// flushDevice segments one device's buffered rows. The chunk query orders
// by customer and device but not by start date, so the buffer is sorted
// here before the scan.
func flushDevice(out *Result, buffer []domain.SubscriptionRecord, periodStart, periodEnd time.Time, addonCategoryID int) {
	if len(buffer) == 0 {
		return
	}

	sort.SliceStable(buffer, func(i, j int) bool {
		if !buffer[i].StartDate.Equal(buffer[j].StartDate) {
			return buffer[i].StartDate.Before(buffer[j].StartDate)
		}
		return buffer[i].ID < buffer[j].ID
	})

	temp := make([]domain.Segment, 0, len(buffer))
	planOK := true

	for i, cur := range buffer {
		segStart := cur.StartDate
		if segStart.Before(periodStart) {
			segStart = periodStart
		}

		if cur.CategoryID == addonCategoryID {
			if cur.StartDate.IsZero() {
				out.Failed = append(out.Failed, cur)
				continue
			}
			out.Segments = append(out.Segments, toSegment(cur, segStart, periodEnd))
			continue
		}

		if !planOK {
			out.Failed = append(out.Failed, cur)
			continue
		}
		if cur.StartDate.IsZero() {
			planOK = false
			for _, seg := range temp {
				out.Failed = append(out.Failed, segmentSource(seg, cur.Period))
			}
			temp = temp[:0]
			out.Failed = append(out.Failed, cur)
			continue
		}

		segEnd := periodEnd
		for j := i + 1; j < len(buffer); j++ {
			if buffer[j].CategoryID == addonCategoryID {
				continue
			}
			next := buffer[j].StartDate.AddDate(0, 0, -1)
			if next.Before(periodEnd) {
				segEnd = next
			}
			break
		}

		// a next-period row surfacing early yields an inverted segment
		if segStart.After(segEnd) {
			continue
		}
		temp = append(temp, toSegment(cur, segStart, segEnd))
	}

	if planOK {
		out.Segments = append(out.Segments, temp...)
	}
}

func toSegment(row domain.SubscriptionRecord, start, end time.Time) domain.Segment {
	return domain.Segment{
		CustomerID:     row.CustomerID,
		DeviceID:       row.DeviceID,
		SourceID:       row.ID,
		ServiceID:      row.ServiceID,
		CategoryID:     row.CategoryID,
		ServiceName:    row.ServiceName,
		Start:          start,
		End:            end,
		OriginAmount:   row.OriginAmount,
		DiscountAmount: row.DiscountAmount,
		TotalAmount:    row.TotalAmount,
	}
}

// segmentSource rebuilds the source identity of a rolled-back segment so it
// can be recorded as a failure.
func segmentSource(seg domain.Segment, period domain.Period) domain.SubscriptionRecord {
	return domain.SubscriptionRecord{
		ID:             seg.SourceID,
		CustomerID:     seg.CustomerID,
		DeviceID:       seg.DeviceID,
		ServiceID:      seg.ServiceID,
		CategoryID:     seg.CategoryID,
		ServiceName:    seg.ServiceName,
		StartDate:      seg.Start,
		OriginAmount:   seg.OriginAmount,
		DiscountAmount: seg.DiscountAmount,
		TotalAmount:    seg.TotalAmount,
		Period:         period,
	}
}
