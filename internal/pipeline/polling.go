package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/queue"
)

const (
	pollInterval = 10 * time.Second
	maxPolls     = 60
)

func sleepFor(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// pollingHandler watches one render until it finishes. It holds its
// worker slot for the whole watch, so the stage's concurrency bound is
// the cap on simultaneously watched renders. Progress walks 20 to 80
// across the poll budget; blowing the budget is a timeout distinct from
// a provider-reported failure.
type pollingHandler struct {
	p *Pipeline
}

func (h *pollingHandler) Stage() string { return queue.StagePolling }

func (h *pollingHandler) Run(ctx context.Context, task *queue.Task) error {
	p := h.p
	handle := task.PayloadString(payloadOperationHandle)
	if handle == "" {
		return queue.Terminal(fmt.Errorf("polling task %s has no operation handle", task.ID))
	}

	for i := 1; i <= maxPolls; i++ {
		st, err := p.provider.PollOperation(ctx, handle)
		if err != nil {
			return &TransientProviderError{Op: "poll", Err: err}
		}
		if st.Done {
			if st.Error != "" {
				return queue.Terminal(&RenderFailedError{Handle: handle, Reason: st.Error})
			}
			if st.Artifact == nil {
				return queue.Terminal(&RenderFailedError{Handle: handle, Reason: "operation done without artifact"})
			}
			_, err = p.queue.Enqueue(p.dbc(ctx), queue.StageDownload, task.JobID, task.VideoID, task.OrgID, map[string]any{
				payloadArtifactKind:   string(st.Artifact.Kind),
				payloadArtifactURL:    st.Artifact.URL,
				payloadArtifactHandle: st.Artifact.Handle,
				payloadThumbnailSrc:   st.Thumbnail,
			})
			return err
		}

		// 20 -> 80 linearly over the poll budget.
		progress := 20 + (60*i)/maxPolls
		if progress > 80 {
			progress = 80
		}
		if err := p.projector.Progress(ctx, task.JobID, domain.StatusPolling, progress); err != nil {
			return err
		}
		if err := p.sleep(ctx); err != nil {
			return err
		}
	}

	return queue.Terminal(&RenderTimeoutError{Handle: handle, Attempts: maxPolls})
}
