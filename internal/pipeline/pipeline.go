package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/data/repos/videos"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/platform/gcs"
	"github.com/reelgen/reelgen-backend/internal/platform/scorer"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
	srvprojector "github.com/reelgen/reelgen-backend/internal/services/projector"
)

// Payload keys passed between stages.
const (
	payloadOperationHandle = "operation_handle"
	payloadArtifactKind    = "artifact_kind"
	payloadArtifactURL     = "artifact_url"
	payloadArtifactHandle  = "artifact_handle"
	payloadThumbnailSrc    = "thumbnail_src"
	payloadPublicURL       = "public_url"
	payloadThumbnailURL    = "thumbnail_url"
)

const (
	maxPromptLen         = 2000
	maxNegativePromptLen = 1000
)

// Pipeline owns the four stage handlers and their shared dependencies.
type Pipeline struct {
	jobs      jobs.GenerationJobRepo
	videos    videos.VideoRepo
	projector srvprojector.StatusProjector
	provider  veo.Client
	store     gcs.ArtifactStore
	scorer    scorer.Client
	queue     queue.Queue
	log       *logger.Logger

	// sleep is swapped in tests; production uses a real wait.
	sleep func(ctx context.Context) error
}

func New(
	jobRepo jobs.GenerationJobRepo,
	videoRepo videos.VideoRepo,
	proj srvprojector.StatusProjector,
	provider veo.Client,
	store gcs.ArtifactStore,
	score scorer.Client,
	q queue.Queue,
	baseLog *logger.Logger,
) *Pipeline {
	return &Pipeline{
		jobs:      jobRepo,
		videos:    videoRepo,
		projector: proj,
		provider:  provider,
		store:     store,
		scorer:    score,
		queue:     q,
		log:       baseLog.With("component", "Pipeline"),
		sleep:     sleepFor(pollInterval),
	}
}

// Register wires every stage handler into the queue registry.
func (p *Pipeline) Register(reg *queue.Registry) error {
	for _, h := range []queue.Handler{
		&generationHandler{p},
		&pollingHandler{p},
		&downloadHandler{p},
		&scoringHandler{p},
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// OnExhausted is the queue's last-word callback: the stage is out of
// attempts (or failed terminally), so the job goes failed. The scoring
// stage is the exception; its exhaustion still ends in a ready video.
func (p *Pipeline) OnExhausted(ctx context.Context, task *queue.Task, err error) {
	if task.Stage == queue.StageScoring {
		p.finishWithoutScore(ctx, task)
		return
	}
	msg := failureMessage(err)
	if pErr := p.projector.Failed(ctx, task.JobID, msg); pErr != nil {
		p.log.Error("Failed to project job failure", "job_id", task.JobID, "error", pErr)
	}
}

func (p *Pipeline) finishWithoutScore(ctx context.Context, task *queue.Task) {
	urls := p.urlsFromPayload(task)
	if err := p.projector.Ready(ctx, task.JobID, urls, nil); err != nil {
		p.log.Error("Failed to project ready after scoring gave up", "job_id", task.JobID, "error", err)
	}
}

func (p *Pipeline) urlsFromPayload(task *queue.Task) *domain.VideoURLs {
	u := task.PayloadString(payloadPublicURL)
	if u == "" {
		return nil
	}
	return &domain.VideoURLs{MP4: u, Thumbnail: task.PayloadString(payloadThumbnailURL)}
}

// failureMessage strips wrapper noise down to what a user should see.
func failureMessage(err error) string {
	var (
		vErr *ValidationError
		tErr *RenderTimeoutError
		fErr *RenderFailedError
	)
	switch {
	case errors.As(err, &vErr):
		return vErr.Error()
	case errors.As(err, &tErr):
		return tErr.Error()
	case errors.As(err, &fErr):
		return fErr.Error()
	}
	return err.Error()
}

func (p *Pipeline) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

// ValidateParams rejects bad submissions before anything is persisted or
// any provider call is made.
func ValidateParams(params veo.GenerationParams) error {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(params.Prompt) > maxPromptLen {
		return &ValidationError{Field: "prompt", Reason: "exceeds 2000 characters"}
	}
	if len(params.NegativePrompt) > maxNegativePromptLen {
		return &ValidationError{Field: "negative_prompt", Reason: "exceeds 1000 characters"}
	}
	switch params.AspectRatio {
	case domain.AspectLandscape, domain.AspectPortrait:
	default:
		return &ValidationError{Field: "aspect_ratio", Reason: `must be "16:9" or "9:16"`}
	}
	switch params.Resolution {
	case domain.Resolution720p, domain.Resolution1080p:
	default:
		return &ValidationError{Field: "resolution", Reason: `must be "720p" or "1080p"`}
	}
	switch params.Model {
	case domain.ModelStable, domain.ModelFast:
	default:
		return &ValidationError{Field: "model", Reason: `must be "stable" or "fast"`}
	}
	if len(params.ReferenceImage) > 0 && !strings.HasPrefix(params.ReferenceMime, "image/") {
		return &ValidationError{Field: "reference_image", Reason: "mime type must be image/*"}
	}
	if len(params.ReferenceImage) == 0 && params.ReferenceMime != "" {
		return &ValidationError{Field: "reference_image", Reason: "mime type given without image data"}
	}
	return nil
}
