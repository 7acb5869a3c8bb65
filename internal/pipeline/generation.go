package pipeline

import (
	"context"
	"fmt"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
)

// generationHandler starts the remote render. Idempotent across retries:
// the operation handle is recorded at most once, and a retry that finds
// one already recorded skips straight to enqueueing the poll.
type generationHandler struct {
	p *Pipeline
}

func (h *generationHandler) Stage() string { return queue.StageGeneration }

func (h *generationHandler) Run(ctx context.Context, task *queue.Task) error {
	p := h.p
	dbc := p.dbc(ctx)

	job, err := p.jobs.GetByID(dbc, task.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		// The enqueue can outrun the submitting transaction's commit when
		// the queue runs in-process; the row shows up on a later attempt.
		return fmt.Errorf("job %s not visible yet", task.JobID)
	}
	if job.Status.Terminal() {
		return nil
	}

	params := veo.GenerationParams{
		Prompt:         job.Prompt,
		Style:          job.Style,
		NegativePrompt: job.NegativePrompt,
		AspectRatio:    job.AspectRatio,
		Resolution:     job.Resolution,
		Model:          job.Model,
		ReferenceImage: job.ReferenceImage,
		ReferenceMime:  job.ReferenceMime,
	}
	if err := ValidateParams(params); err != nil {
		return queue.Terminal(err)
	}

	if err := p.projector.Progress(ctx, job.ID, domain.StatusRunning, 10); err != nil {
		return err
	}

	handle := job.OperationHandle
	if handle == "" {
		started, err := p.provider.StartGeneration(ctx, params)
		if err != nil {
			return &TransientProviderError{Op: "start", Err: err}
		}
		recorded, err := p.jobs.SetOperationHandleOnce(dbc, job.ID, started)
		if err != nil {
			return err
		}
		if !recorded {
			// A concurrent attempt won the race; use its handle.
			fresh, err := p.jobs.GetByID(dbc, job.ID)
			if err != nil {
				return err
			}
			if fresh != nil && fresh.OperationHandle != "" {
				started = fresh.OperationHandle
			}
		}
		handle = started
		p.log.Info("Render started", "job_id", job.ID, "operation", handle)
	}

	if err := p.projector.Progress(ctx, job.ID, domain.StatusPolling, 20); err != nil {
		return err
	}

	_, err = p.queue.Enqueue(dbc, queue.StagePolling, job.ID, job.VideoID, job.OrgID, map[string]any{
		payloadOperationHandle: handle,
	})
	return err
}
