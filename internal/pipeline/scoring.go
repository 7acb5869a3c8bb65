package pipeline

import (
	"context"
	"fmt"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/queue"
)

// scoringHandler asks the quality model to grade the finished video and
// then marks it ready. Scoring is decoration, not a gate: if the scorer
// is down past its retry budget the video still goes ready, just
// unscored.
type scoringHandler struct {
	p *Pipeline
}

func (h *scoringHandler) Stage() string { return queue.StageScoring }

func (h *scoringHandler) Run(ctx context.Context, task *queue.Task) error {
	p := h.p
	publicURL := task.PayloadString(payloadPublicURL)
	if publicURL == "" {
		return queue.Terminal(fmt.Errorf("scoring task %s has no artifact url", task.ID))
	}

	if err := p.projector.Progress(ctx, task.JobID, domain.StatusScoring, 95); err != nil {
		return err
	}

	score, err := p.scorer.Score(ctx, publicURL)
	if err != nil {
		return &ScoringError{Err: err}
	}

	return p.projector.Ready(ctx, task.JobID, p.urlsFromPayload(task), score)
}
