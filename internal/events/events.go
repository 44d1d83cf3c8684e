package events

import "github.com/bwmarrin/snowflake"

// Billing event types emitted by settlement runs. The delivery subsystem
// consumes these from the outbox; the engine never calls it directly.
const (
	EventInvoiceSettled      = "invoice.settled"
	EventInvoiceSettleFailed = "invoice.settle_failed"
	EventAttemptCompleted    = "settlement.attempt_completed"
	EventAttemptFailed       = "settlement.attempt_failed"
	EventAttemptInterrupted  = "settlement.attempt_interrupted"
)

// InvoicePayload is the minimal data a notification sender needs to pick up
// a settled invoice.
type InvoicePayload struct {
	InvoiceID   snowflake.ID `json:"invoice_id"`
	CustomerID  int64        `json:"customer_id"`
	Period      int          `json:"period"`
	TotalAmount int64        `json:"total_amount"`
}

func (p InvoicePayload) ToMap() map[string]any {
	return map[string]any{
		"invoice_id":   p.InvoiceID.String(),
		"customer_id":  p.CustomerID,
		"period":       p.Period,
		"total_amount": p.TotalAmount,
	}
}

// AttemptPayload summarizes a finished attempt for operational consumers.
type AttemptPayload struct {
	AttemptID    snowflake.ID `json:"attempt_id"`
	Period       int          `json:"period"`
	Kind         string       `json:"kind"`
	TargetCount  int64        `json:"target_count"`
	SuccessCount int64        `json:"success_count"`
	FailCount    int64        `json:"fail_count"`
}

func (p AttemptPayload) ToMap() map[string]any {
	return map[string]any{
		"attempt_id":    p.AttemptID.String(),
		"period":        p.Period,
		"kind":          p.Kind,
		"target_count":  p.TargetCount,
		"success_count": p.SuccessCount,
		"fail_count":    p.FailCount,
	}
}
