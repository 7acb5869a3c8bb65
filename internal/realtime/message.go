package realtime

import (
	"time"

	"github.com/google/uuid"
)

type SSEEvent string

const (
	SSEEventVideoStatusUpdate SSEEvent = "video_status_update"
	SSEEventJobProgress       SSEEvent = "job_progress"
	SSEEventJobComplete       SSEEvent = "job_complete"
	SSEEventJobFailed         SSEEvent = "job_failed"
	SSEEventHeartbeat         SSEEvent = "heartbeat"
)

type SSEMessage struct {
	Channel   string    `json:"channel"`
	Event     SSEEvent  `json:"type"`
	ID        string    `json:"id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OrgChannel is the per-organization fan-out channel name.
func OrgChannel(orgID uuid.UUID) string { return "org:" + orgID.String() }

// UserChannel is the per-user fan-out channel name.
func UserChannel(userID uuid.UUID) string { return "user:" + userID.String() }
