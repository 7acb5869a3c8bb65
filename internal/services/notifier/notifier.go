package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/realtime"
	"github.com/reelgen/reelgen-backend/internal/realtime/bus"
)

// PipelineNotifier pushes pipeline state changes onto the event bus,
// which fans them out to every node's SSE hub. Delivery is best effort:
// a publish failure is logged and swallowed, it never blocks or fails a
// status transition.
type PipelineNotifier interface {
	JobProgress(ctx context.Context, orgID, jobID, videoID uuid.UUID, status domain.Status, progress int)
	JobComplete(ctx context.Context, orgID, jobID, videoID uuid.UUID, urls *domain.VideoURLs, score *domain.QualityScore)
	JobFailed(ctx context.Context, orgID, jobID, videoID uuid.UUID, status domain.Status, message string)
	VideoStatusUpdate(ctx context.Context, orgID, videoID uuid.UUID, status domain.Status)
}

type pipelineNotifier struct {
	bus bus.Bus
	log *logger.Logger
}

func NewPipelineNotifier(b bus.Bus, baseLog *logger.Logger) PipelineNotifier {
	return &pipelineNotifier{
		bus: b,
		log: baseLog.With("service", "PipelineNotifier"),
	}
}

func (n *pipelineNotifier) publish(ctx context.Context, orgID uuid.UUID, event realtime.SSEEvent, data map[string]any) {
	msg := realtime.SSEMessage{
		Channel:   realtime.OrgChannel(orgID),
		Event:     event,
		ID:        uuid.NewString(),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := n.bus.Publish(ctx, msg); err != nil {
		n.log.Warn("Publish failed", "event", event, "org_id", orgID, "error", err)
	}
}

func (n *pipelineNotifier) JobProgress(ctx context.Context, orgID, jobID, videoID uuid.UUID, status domain.Status, progress int) {
	n.publish(ctx, orgID, realtime.SSEEventJobProgress, map[string]any{
		"job_id":   jobID,
		"video_id": videoID,
		"status":   status,
		"progress": progress,
	})
}

func (n *pipelineNotifier) JobComplete(ctx context.Context, orgID, jobID, videoID uuid.UUID, urls *domain.VideoURLs, score *domain.QualityScore) {
	data := map[string]any{
		"job_id":   jobID,
		"video_id": videoID,
		"status":   domain.StatusReady,
	}
	if urls != nil {
		data["urls"] = urls
	}
	if score != nil {
		data["score"] = score
	}
	n.publish(ctx, orgID, realtime.SSEEventJobComplete, data)
}

func (n *pipelineNotifier) JobFailed(ctx context.Context, orgID, jobID, videoID uuid.UUID, status domain.Status, message string) {
	n.publish(ctx, orgID, realtime.SSEEventJobFailed, map[string]any{
		"job_id":   jobID,
		"video_id": videoID,
		"status":   status,
		"error":    message,
	})
}

func (n *pipelineNotifier) VideoStatusUpdate(ctx context.Context, orgID, videoID uuid.UUID, status domain.Status) {
	n.publish(ctx, orgID, realtime.SSEEventVideoStatusUpdate, map[string]any{
		"video_id": videoID,
		"status":   status,
	})
}
