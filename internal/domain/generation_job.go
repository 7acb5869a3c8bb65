package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"

	Resolution720p  = "720p"
	Resolution1080p = "1080p"

	ModelStable = "stable"
	ModelFast   = "fast"
)

// GenerationJob is one generation attempt for a Video. A video can
// accumulate several jobs across retries and re-renders; each attempt
// starts queued with progress 0 and ends ready or failed.
type GenerationJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	VideoID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"video_id"`
	OrgID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"org_id"`
	Prompt          string         `gorm:"column:prompt;not null" json:"prompt"`
	Style           string         `gorm:"column:style" json:"style,omitempty"`
	NegativePrompt  string         `gorm:"column:negative_prompt" json:"negative_prompt,omitempty"`
	AspectRatio     string         `gorm:"column:aspect_ratio;not null;default:16:9" json:"aspect_ratio"`
	Resolution      string         `gorm:"column:resolution;not null;default:720p" json:"resolution"`
	Model           string         `gorm:"column:model;not null;default:stable" json:"model"`
	ReferenceImage  []byte         `gorm:"column:reference_image" json:"-"`
	ReferenceMime   string         `gorm:"column:reference_mime" json:"reference_mime,omitempty"`
	Status          Status         `gorm:"column:status;not null;index" json:"status"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress"`
	OperationHandle string         `gorm:"column:operation_handle" json:"operation_handle,omitempty"`
	Error           string         `gorm:"column:error" json:"error,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationJob) TableName() string { return "generation_job" }
