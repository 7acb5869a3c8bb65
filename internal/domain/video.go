package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type VideoSource string

const (
	VideoSourceGenerated VideoSource = "generated"
	VideoSourceUploaded  VideoSource = "uploaded"
)

type Video struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OrgID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"org_id"`
	ProjectID       *uuid.UUID     `gorm:"type:uuid;index" json:"project_id,omitempty"`
	Title           string         `gorm:"column:title;not null" json:"title"`
	Status          Status         `gorm:"column:status;not null;index" json:"status"`
	Source          VideoSource    `gorm:"column:source;not null;default:generated" json:"source"`
	DurationSeconds float64        `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`
	AspectRatio     string         `gorm:"column:aspect_ratio" json:"aspect_ratio,omitempty"`
	Version         int            `gorm:"column:version;not null;default:1" json:"version"`
	URLs            datatypes.JSON `gorm:"column:urls;type:jsonb" json:"urls,omitempty"`
	Score           datatypes.JSON `gorm:"column:score;type:jsonb" json:"score,omitempty"`
	Metadata        datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Video) TableName() string { return "video" }

// VideoURLs is the decoded shape of Video.URLs.
type VideoURLs struct {
	MP4       string `json:"mp4,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	HLS       string `json:"hls,omitempty"`
	Captions  string `json:"captions,omitempty"`
}

// QualityScore is the decoded shape of Video.Score. Each dimension is 0-100.
type QualityScore struct {
	Overall     int `json:"overall"`
	Hook        int `json:"hook"`
	Pacing      int `json:"pacing"`
	Clarity     int `json:"clarity"`
	BrandSafety int `json:"brand_safety"`
	DurationFit int `json:"duration_fit"`
	VisualQoe   int `json:"visual_qoe"`
	AudioQoe    int `json:"audio_qoe"`
}
