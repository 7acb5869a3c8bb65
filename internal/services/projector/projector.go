package projector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/data/repos/videos"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/services/notifier"
)

// StatusProjector is the only writer of job and video status. Every
// pipeline stage reports through it, and each report lands as one
// transaction over both rows so readers never see the pair disagree.
//
// Writes against a terminal job (ready, failed, cancelled) are silent
// no-ops, which is what makes cancellation safe: a stage that lost the
// race just has its report dropped. Progress never moves backwards.
type StatusProjector interface {
	Progress(ctx context.Context, jobID uuid.UUID, status domain.Status, progress int) error
	Ready(ctx context.Context, jobID uuid.UUID, urls *domain.VideoURLs, score *domain.QualityScore) error
	Failed(ctx context.Context, jobID uuid.UUID, message string) error
	Cancelled(ctx context.Context, jobID uuid.UUID) error
}

type statusProjector struct {
	db     *gorm.DB
	jobs   jobs.GenerationJobRepo
	videos videos.VideoRepo
	notify notifier.PipelineNotifier
	log    *logger.Logger
}

func NewStatusProjector(
	db *gorm.DB,
	jobRepo jobs.GenerationJobRepo,
	videoRepo videos.VideoRepo,
	notify notifier.PipelineNotifier,
	baseLog *logger.Logger,
) StatusProjector {
	return &statusProjector{
		db:     db,
		jobs:   jobRepo,
		videos: videoRepo,
		notify: notify,
		log:    baseLog.With("service", "StatusProjector"),
	}
}

// project applies jobUpdates/videoUpdates in one transaction, skipping
// everything when the job is already terminal or when progress would
// regress. Returns the job as read inside the transaction, and whether
// the write actually happened.
func (p *statusProjector) project(ctx context.Context, jobID uuid.UUID, progress int, jobUpdates, videoUpdates map[string]interface{}) (*domain.GenerationJob, bool, error) {
	var job *domain.GenerationJob
	applied := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		current, err := p.jobs.GetByID(dbc, jobID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		job = current
		if current.Status.Terminal() {
			return nil
		}
		if progress >= 0 && progress < current.Progress {
			p.log.Warn("Dropping regressing progress", "job_id", jobID, "have", current.Progress, "got", progress)
			return nil
		}
		// The read above takes no row lock, so the guard is re-checked at
		// write time: a job that went terminal since the read absorbs the
		// update as zero rows.
		ok, err := p.jobs.UpdateFieldsUnlessStatus(dbc, jobID, domain.TerminalStatuses(), jobUpdates)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(videoUpdates) > 0 {
			if _, err := p.videos.UpdateFieldsUnlessStatus(dbc, current.VideoID, domain.TerminalStatuses(), videoUpdates); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, applied, nil
}

func (p *statusProjector) Progress(ctx context.Context, jobID uuid.UUID, status domain.Status, progress int) error {
	now := time.Now()
	job, applied, err := p.project(ctx, jobID, progress,
		map[string]interface{}{"status": status, "progress": progress, "updated_at": now},
		map[string]interface{}{"status": status, "updated_at": now},
	)
	if err != nil || !applied {
		return err
	}
	p.notify.JobProgress(ctx, job.OrgID, job.ID, job.VideoID, status, progress)
	p.notify.VideoStatusUpdate(ctx, job.OrgID, job.VideoID, status)
	return nil
}

func (p *statusProjector) Ready(ctx context.Context, jobID uuid.UUID, urls *domain.VideoURLs, score *domain.QualityScore) error {
	now := time.Now()
	videoUpdates := map[string]interface{}{
		"status":     domain.StatusReady,
		"updated_at": now,
	}
	if urls != nil {
		raw, err := json.Marshal(urls)
		if err != nil {
			return err
		}
		videoUpdates["urls"] = raw
	}
	if score != nil {
		raw, err := json.Marshal(score)
		if err != nil {
			return err
		}
		videoUpdates["score"] = raw
	}
	job, applied, err := p.project(ctx, jobID, 100,
		map[string]interface{}{
			"status":       domain.StatusReady,
			"progress":     100,
			"error":        "",
			"completed_at": now,
			"updated_at":   now,
		},
		videoUpdates,
	)
	if err != nil || !applied {
		return err
	}
	p.log.Info("Job ready", "job_id", job.ID, "video_id", job.VideoID)
	p.notify.JobComplete(ctx, job.OrgID, job.ID, job.VideoID, urls, score)
	p.notify.VideoStatusUpdate(ctx, job.OrgID, job.VideoID, domain.StatusReady)
	return nil
}

func (p *statusProjector) Failed(ctx context.Context, jobID uuid.UUID, message string) error {
	now := time.Now()
	job, applied, err := p.project(ctx, jobID, -1,
		map[string]interface{}{
			"status":       domain.StatusFailed,
			"error":        message,
			"completed_at": now,
			"updated_at":   now,
		},
		map[string]interface{}{"status": domain.StatusFailed, "updated_at": now},
	)
	if err != nil || !applied {
		return err
	}
	p.log.Warn("Job failed", "job_id", job.ID, "video_id", job.VideoID, "error", message)
	p.notify.JobFailed(ctx, job.OrgID, job.ID, job.VideoID, domain.StatusFailed, message)
	p.notify.VideoStatusUpdate(ctx, job.OrgID, job.VideoID, domain.StatusFailed)
	return nil
}

func (p *statusProjector) Cancelled(ctx context.Context, jobID uuid.UUID) error {
	return p.Failed(ctx, jobID, domain.CancelMessage)
}
