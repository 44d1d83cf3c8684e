package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/settlement/domain"
)

type startSettlementRequest struct {
	Period int `json:"period"`
}

type attemptResponse struct {
	AttemptID    string     `json:"attempt_id"`
	Period       string     `json:"period"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	TargetCount  int64      `json:"target_count"`
	SuccessCount int64      `json:"success_count"`
	FailCount    int64      `json:"fail_count"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
	Host         string     `json:"host,omitempty"`

	// populated on single-attempt reads only
	FailureRecords int64 `json:"failure_records,omitempty"`
}

func toAttemptResponse(a *attempt.Attempt) attemptResponse {
	return attemptResponse{
		AttemptID:    a.ID.String(),
		Period:       a.Period.String(),
		Kind:         string(a.Kind),
		Status:       string(a.Status),
		TargetCount:  a.TargetCount,
		SuccessCount: a.SuccessCount,
		FailCount:    a.FailCount,
		StartedAt:    a.StartedAt,
		EndedAt:      a.EndedAt,
		DurationMS:   a.DurationMS,
		Host:         a.Host,
	}
}

// StartSettlement opens a MANUAL settlement run for one billing month. The
// run itself proceeds in the background; the response carries the attempt
// to poll.
func (s *Server) StartSettlement(c *gin.Context) {
	var req startSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestError(c, "body must carry a period as YYYYMM")
		return
	}

	period := domain.Period(req.Period)
	if !period.Valid() {
		AbortWithError(c, domain.ErrMissingPeriod)
		return
	}

	opened, err := s.runner.StartSettlement(c.Request.Context(), period, attempt.KindManual)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": toAttemptResponse(opened)})
}

// StartRetry opens the global retry run over every FAILED invoice.
func (s *Server) StartRetry(c *gin.Context) {
	opened, err := s.runner.StartRetry(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": toAttemptResponse(opened)})
}

// ResumeSettlement interrupts the oldest stalled attempt and continues it
// from its last committed cursor under a FORCE attempt.
func (s *Server) ResumeSettlement(c *gin.Context) {
	opened, err := s.runner.ResumeStalled(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": toAttemptResponse(opened)})
}

func (s *Server) GetAttempt(c *gin.Context) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		invalidRequestError(c, "attempt id must be numeric")
		return
	}

	found, err := s.attempts.FindByID(c.Request.Context(), snowflake.ID(raw))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	failures, err := s.store.CountFailuresByAttempt(c.Request.Context(), found.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := toAttemptResponse(found)
	resp.FailureRecords = failures
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type statusHistoryResponse struct {
	AttemptID  string    `json:"attempt_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedAt  time.Time `json:"changed_at"`
	ReasonCode string    `json:"reason_code,omitempty"`
}

// GetInvoiceStatus reports an invoice's current settlement state with its
// full transition history.
func (s *Server) GetInvoiceStatus(c *gin.Context) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		invalidRequestError(c, "invoice id must be numeric")
		return
	}
	invoiceID := snowflake.ID(raw)

	status, err := s.store.FindStatus(c.Request.Context(), s.store.DB(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	history, err := s.store.StatusHistory(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transitions := make([]statusHistoryResponse, 0, len(history))
	for _, row := range history {
		transitions = append(transitions, statusHistoryResponse{
			AttemptID:  row.AttemptID.String(),
			FromStatus: string(row.FromStatus),
			ToStatus:   string(row.ToStatus),
			ChangedAt:  row.ChangedAt,
			ReasonCode: row.ReasonCode,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"invoice_id": invoiceID.String(),
		"status":     string(status),
		"history":    transitions,
	}})
}
