package jobsvc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/data/repos/videos"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pipeline"
	"github.com/reelgen/reelgen-backend/internal/pkg/apperr"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
	"github.com/reelgen/reelgen-backend/internal/services/projector"
)

// SubmitInput is a generation request as it arrives from the API layer.
type SubmitInput struct {
	Title          string
	ProjectID      *uuid.UUID
	Prompt         string
	Style          string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	Model          string
	ReferenceImage []byte
	ReferenceMime  string
}

// SubmitResult pairs the created rows so the handler can return both IDs.
type SubmitResult struct {
	Video *domain.Video
	Job   *domain.GenerationJob
}

// JobService is the control surface over generation jobs: submit,
// cancel, retry and the read paths the API exposes.
type JobService interface {
	Submit(ctx context.Context, orgID uuid.UUID, in SubmitInput) (*SubmitResult, error)
	Cancel(ctx context.Context, orgID, jobID uuid.UUID) error
	// Retry starts a fresh attempt for a failed job. The old attempt's row
	// is left as history; the new job starts queued at progress 0.
	Retry(ctx context.Context, orgID, jobID uuid.UUID) (*domain.GenerationJob, error)
	Get(ctx context.Context, orgID, jobID uuid.UUID) (*domain.GenerationJob, error)
	// GetVideo returns the video plus its newest generation attempt, so a
	// client reconnecting after an SSE gap resyncs both in one read.
	GetVideo(ctx context.Context, orgID, videoID uuid.UUID) (*domain.Video, *domain.GenerationJob, error)
	ListVideos(ctx context.Context, orgID uuid.UUID, limit int) ([]*domain.Video, error)
}

type jobService struct {
	db        *gorm.DB
	jobs      jobs.GenerationJobRepo
	videos    videos.VideoRepo
	queue     queue.Queue
	projector projector.StatusProjector
	log       *logger.Logger
}

func NewJobService(
	db *gorm.DB,
	jobRepo jobs.GenerationJobRepo,
	videoRepo videos.VideoRepo,
	q queue.Queue,
	proj projector.StatusProjector,
	baseLog *logger.Logger,
) JobService {
	return &jobService{
		db:        db,
		jobs:      jobRepo,
		videos:    videoRepo,
		queue:     q,
		projector: proj,
		log:       baseLog.With("service", "JobService"),
	}
}

func (s *jobService) Submit(ctx context.Context, orgID uuid.UUID, in SubmitInput) (*SubmitResult, error) {
	if orgID == uuid.Nil {
		return nil, apperr.ErrUnauthorized
	}
	in = applyDefaults(in)
	params := veo.GenerationParams{
		Prompt:         in.Prompt,
		Style:          in.Style,
		NegativePrompt: in.NegativePrompt,
		AspectRatio:    in.AspectRatio,
		Resolution:     in.Resolution,
		Model:          in.Model,
		ReferenceImage: in.ReferenceImage,
		ReferenceMime:  in.ReferenceMime,
	}
	// Reject bad input before any row exists or the provider hears of it.
	if err := pipeline.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, err.Error())
	}

	title := in.Title
	if title == "" {
		title = truncate(in.Prompt, 80)
	}

	var result SubmitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		version := 1
		if in.ProjectID != nil {
			latest, err := s.videos.LatestVersionForProject(dbc, orgID, *in.ProjectID, title)
			if err != nil {
				return err
			}
			version = latest + 1
		}

		video := &domain.Video{
			OrgID:       orgID,
			ProjectID:   in.ProjectID,
			Title:       title,
			Status:      domain.StatusQueued,
			Source:      domain.VideoSourceGenerated,
			AspectRatio: in.AspectRatio,
			Version:     version,
		}
		created, err := s.videos.Create(dbc, []*domain.Video{video})
		if err != nil {
			return err
		}
		video = created[0]

		job := &domain.GenerationJob{
			VideoID:        video.ID,
			OrgID:          orgID,
			Prompt:         in.Prompt,
			Style:          in.Style,
			NegativePrompt: in.NegativePrompt,
			AspectRatio:    in.AspectRatio,
			Resolution:     in.Resolution,
			Model:          in.Model,
			ReferenceImage: in.ReferenceImage,
			ReferenceMime:  in.ReferenceMime,
			Status:         domain.StatusQueued,
			Progress:       0,
		}
		createdJobs, err := s.jobs.Create(dbc, []*domain.GenerationJob{job})
		if err != nil {
			return err
		}
		job = createdJobs[0]

		if _, err := s.queue.Enqueue(dbc, queue.StageGeneration, job.ID, video.ID, orgID, nil); err != nil {
			return err
		}

		result.Video = video
		result.Job = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Job submitted", "job_id", result.Job.ID, "video_id", result.Video.ID, "org_id", orgID)
	return &result, nil
}

func (s *jobService) Cancel(ctx context.Context, orgID, jobID uuid.UUID) error {
	job, err := s.ownedJob(ctx, orgID, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Cancelable() {
		return fmt.Errorf("%w: job is %s", apperr.ErrConflict, job.Status)
	}
	// Drop waiting queue positions first so no further stage starts, then
	// project the cancel. A stage already running loses its next guarded
	// status write.
	if err := s.queue.CancelJob(ctx, job.ID); err != nil {
		return err
	}
	if err := s.projector.Cancelled(ctx, job.ID); err != nil {
		return err
	}
	s.log.Info("Job cancelled", "job_id", job.ID, "org_id", orgID)
	return nil
}

func (s *jobService) Retry(ctx context.Context, orgID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	old, err := s.ownedJob(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", apperr.ErrConflict, old.Status)
	}

	var fresh *domain.GenerationJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		job := &domain.GenerationJob{
			VideoID:        old.VideoID,
			OrgID:          old.OrgID,
			Prompt:         old.Prompt,
			Style:          old.Style,
			NegativePrompt: old.NegativePrompt,
			AspectRatio:    old.AspectRatio,
			Resolution:     old.Resolution,
			Model:          old.Model,
			ReferenceImage: old.ReferenceImage,
			ReferenceMime:  old.ReferenceMime,
			Status:         domain.StatusQueued,
			Progress:       0,
		}
		createdJobs, err := s.jobs.Create(dbc, []*domain.GenerationJob{job})
		if err != nil {
			return err
		}
		job = createdJobs[0]
		if err := s.videos.UpdateFields(dbc, old.VideoID, map[string]interface{}{
			"status": domain.StatusQueued,
		}); err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(dbc, queue.StageGeneration, job.ID, old.VideoID, old.OrgID, nil); err != nil {
			return err
		}
		fresh = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Job retried", "old_job_id", old.ID, "job_id", fresh.ID, "org_id", orgID)
	return fresh, nil
}

func (s *jobService) Get(ctx context.Context, orgID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	return s.ownedJob(ctx, orgID, jobID)
}

func (s *jobService) GetVideo(ctx context.Context, orgID, videoID uuid.UUID) (*domain.Video, *domain.GenerationJob, error) {
	dbc := dbctx.Context{Ctx: ctx}
	video, err := s.videos.GetByID(dbc, videoID)
	if err != nil {
		return nil, nil, err
	}
	if video == nil || video.OrgID != orgID {
		return nil, nil, apperr.ErrNotFound
	}
	latest, err := s.jobs.GetLatestForVideo(dbc, videoID)
	if err != nil {
		return nil, nil, err
	}
	return video, latest, nil
}

func (s *jobService) ListVideos(ctx context.Context, orgID uuid.UUID, limit int) ([]*domain.Video, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.videos.ListByOrg(dbctx.Context{Ctx: ctx}, orgID, limit)
}

func (s *jobService) ownedJob(ctx context.Context, orgID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := s.jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OrgID != orgID {
		return nil, apperr.ErrNotFound
	}
	return job, nil
}

func applyDefaults(in SubmitInput) SubmitInput {
	if in.AspectRatio == "" {
		in.AspectRatio = domain.AspectLandscape
	}
	if in.Resolution == "" {
		in.Resolution = domain.Resolution720p
	}
	if in.Model == "" {
		in.Model = domain.ModelStable
	}
	return in
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
