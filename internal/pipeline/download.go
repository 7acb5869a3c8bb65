package pipeline

import (
	"context"
	"fmt"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
)

// downloadHandler pulls the finished artifact from the provider and
// re-homes it in our own bucket; provider URLs expire, ours don't.
type downloadHandler struct {
	p *Pipeline
}

func (h *downloadHandler) Stage() string { return queue.StageDownload }

func (h *downloadHandler) Run(ctx context.Context, task *queue.Task) error {
	p := h.p

	ref := veo.ArtifactRef{
		Kind:   veo.ArtifactRefKind(task.PayloadString(payloadArtifactKind)),
		URL:    task.PayloadString(payloadArtifactURL),
		Handle: task.PayloadString(payloadArtifactHandle),
	}
	switch ref.Kind {
	case veo.ArtifactDirectURL:
		if ref.URL == "" {
			return queue.Terminal(fmt.Errorf("download task %s: url ref without url", task.ID))
		}
	case veo.ArtifactFileHandle:
		if ref.Handle == "" {
			return queue.Terminal(fmt.Errorf("download task %s: file ref without handle", task.ID))
		}
	default:
		return queue.Terminal(fmt.Errorf("download task %s: unknown artifact kind %q", task.ID, ref.Kind))
	}

	if err := p.projector.Progress(ctx, task.JobID, domain.StatusDownloading, 85); err != nil {
		return err
	}

	data, err := p.provider.DownloadArtifact(ctx, ref)
	if err != nil {
		return &TransientProviderError{Op: "download", Err: err}
	}

	key := fmt.Sprintf("generated/%s/%s/video.mp4", task.OrgID, task.VideoID)
	publicURL, err := p.store.Put(ctx, key, data, "video/mp4", map[string]string{
		"job_id":   task.JobID.String(),
		"video_id": task.VideoID.String(),
	})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	p.log.Info("Artifact stored", "job_id", task.JobID, "key", key, "bytes", len(data))

	thumbURL := h.storeThumbnail(ctx, task)

	if err := p.projector.Progress(ctx, task.JobID, domain.StatusTranscoding, 90); err != nil {
		return err
	}

	_, err = p.queue.Enqueue(p.dbc(ctx), queue.StageScoring, task.JobID, task.VideoID, task.OrgID, map[string]any{
		payloadPublicURL:    publicURL,
		payloadThumbnailURL: thumbURL,
	})
	return err
}

// storeThumbnail re-homes the provider's preview frame next to the video.
// Best effort: a missing or unreachable thumbnail never fails the job.
func (h *downloadHandler) storeThumbnail(ctx context.Context, task *queue.Task) string {
	p := h.p
	src := task.PayloadString(payloadThumbnailSrc)
	if src == "" {
		return ""
	}
	data, err := p.provider.DownloadArtifact(ctx, veo.ArtifactRef{Kind: veo.ArtifactDirectURL, URL: src})
	if err != nil {
		p.log.Warn("Thumbnail download failed", "job_id", task.JobID, "error", err)
		return ""
	}
	key := fmt.Sprintf("generated/%s/%s/thumbnail.jpg", task.OrgID, task.VideoID)
	url, err := p.store.Put(ctx, key, data, "image/jpeg", map[string]string{
		"job_id":   task.JobID.String(),
		"video_id": task.VideoID.String(),
	})
	if err != nil {
		p.log.Warn("Thumbnail store failed", "job_id", task.JobID, "key", key, "error", err)
		return ""
	}
	return url
}
