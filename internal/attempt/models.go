package attempt

import (
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// Kind records how an attempt was started.
type Kind string

const (
	KindScheduled Kind = "SCHEDULED"
	KindManual    Kind = "MANUAL"
	KindForce     Kind = "FORCE"
	KindRetry     Kind = "RETRY"
)

// Status is the attempt lifecycle state. STARTED is the only live state;
// every finished attempt carries exactly one terminal status.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Attempt is one settlement_attempt row. Counters only ever grow and
// success_count + fail_count never exceeds target_count.
type Attempt struct {
	ID           snowflake.ID  `gorm:"column:attempt_id"`
	Period       domain.Period `gorm:"column:period"`
	Kind         Kind          `gorm:"column:kind"`
	Status       Status        `gorm:"column:status"`
	TargetCount  int64         `gorm:"column:target_count"`
	SuccessCount int64         `gorm:"column:success_count"`
	FailCount    int64         `gorm:"column:fail_count"`
	StartedAt    time.Time     `gorm:"column:started_at"`
	EndedAt      *time.Time    `gorm:"column:ended_at"`
	DurationMS   *int64        `gorm:"column:duration_ms"`
	Host         string        `gorm:"column:host"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
}

// ChunkResult is the per-chunk delta folded into the attempt counters after
// each chunk transaction commits.
type ChunkResult struct {
	SuccessCount int64
	FailCount    int64
}

func (c ChunkResult) Add(other ChunkResult) ChunkResult {
	return ChunkResult{
		SuccessCount: c.SuccessCount + other.SuccessCount,
		FailCount:    c.FailCount + other.FailCount,
	}
}
