package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// QueueTask is one durable work-queue entry. Each pipeline stage has its
// own task; a stage enqueues the next stage's task only after it has
// established the handle/reference the next stage needs.
type QueueTask struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Stage       string         `gorm:"column:stage;not null;index" json:"stage"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	VideoID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"video_id"`
	OrgID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"org_id"`
	Status      TaskStatus     `gorm:"column:status;not null;index" json:"status"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextRunAt   time.Time      `gorm:"column:next_run_at;not null;index" json:"next_run_at"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (QueueTask) TableName() string { return "queue_task" }
