package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/observability"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

const (
	claimInterval     = 1 * time.Second
	heartbeatInterval = 10 * time.Second
	staleRunning      = 60 * time.Second
	depthInterval     = 15 * time.Second
)

// DBQueue is the durable queue: tasks live in Postgres and workers claim
// them with SKIP LOCKED, so multiple nodes can drain the same stages and
// a crashed worker's task is reclaimed after its heartbeat goes stale.
type DBQueue struct {
	tasks       jobs.QueueTaskRepo
	registry    *Registry
	policies    map[string]Policy
	onExhausted ExhaustionFunc
	metrics     *observability.Metrics
	log         *logger.Logger

	wg sync.WaitGroup
}

func NewDBQueue(
	tasks jobs.QueueTaskRepo,
	registry *Registry,
	policies map[string]Policy,
	onExhausted ExhaustionFunc,
	metrics *observability.Metrics,
	baseLog *logger.Logger,
) *DBQueue {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &DBQueue{
		tasks:       tasks,
		registry:    registry,
		policies:    policies,
		onExhausted: onExhausted,
		metrics:     metrics,
		log:         baseLog.With("component", "DBQueue"),
	}
}

func (q *DBQueue) Enqueue(dbc dbctx.Context, stage string, jobID, videoID, orgID uuid.UUID, payload map[string]any) (*domain.QueueTask, error) {
	if _, ok := q.policies[stage]; !ok {
		return nil, fmt.Errorf("unknown stage=%s", stage)
	}
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	task := &domain.QueueTask{
		Stage:     stage,
		JobID:     jobID,
		VideoID:   videoID,
		OrgID:     orgID,
		Status:    domain.TaskQueued,
		NextRunAt: time.Now(),
		Payload:   raw,
	}
	created, err := q.tasks.Create(dbc, task)
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.TaskEnqueued(stage)
	}
	q.log.Debug("Task enqueued", "stage", stage, "job_id", jobID, "task_id", created.ID)
	return created, nil
}

func (q *DBQueue) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	dropped, err := q.tasks.CancelPendingByJob(dbc, jobID)
	if err != nil {
		return err
	}
	if dropped > 0 {
		q.log.Info("Dropped queued tasks for cancelled job", "job_id", jobID, "count", dropped)
	}
	return nil
}

// Start launches the per-stage worker pools plus the depth sampler and
// returns. Workers drain until ctx is cancelled; Wait blocks on them.
func (q *DBQueue) Start(ctx context.Context) {
	for _, stage := range q.registry.Stages() {
		pol, ok := q.policies[stage]
		if !ok {
			q.log.Warn("No policy for registered stage, skipping", "stage", stage)
			continue
		}
		for i := 0; i < pol.Concurrency; i++ {
			q.wg.Add(1)
			go q.runLoop(ctx, stage, pol, i)
		}
		q.log.Info("Stage workers started", "stage", stage, "concurrency", pol.Concurrency)
	}
	q.wg.Add(1)
	go q.sampleDepth(ctx)
}

func (q *DBQueue) Wait() {
	q.wg.Wait()
}

func (q *DBQueue) runLoop(ctx context.Context, stage string, pol Policy, worker int) {
	defer q.wg.Done()
	log := q.log.With("stage", stage, "worker", worker)
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Drain everything runnable before sleeping again.
		for {
			claimed, err := q.tasks.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, stage, staleRunning)
			if err != nil {
				log.Error("Claim failed", "error", err)
				break
			}
			if claimed == nil {
				break
			}
			q.execute(ctx, log, pol, claimed)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *DBQueue) execute(ctx context.Context, log *logger.Logger, pol Policy, qt *domain.QueueTask) {
	task := NewTask(qt)
	log = log.With("task_id", qt.ID, "job_id", qt.JobID, "attempt", qt.Attempts)

	if qt.Attempts > 1 && q.metrics != nil {
		// Reclaimed or retried; either way the previous attempt didn't finish.
		if qt.LockedAt != nil && qt.HeartbeatAt != nil && qt.HeartbeatAt.Before(time.Now().Add(-staleRunning)) {
			q.metrics.TaskStalled(qt.Stage)
		}
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	q.wg.Add(1)
	go q.heartbeatLoop(hbCtx, qt.ID)

	started := time.Now()
	err := q.runHandler(ctx, task)
	stopHB()

	dbc := dbctx.Context{Ctx: context.WithoutCancel(ctx)}
	if err == nil {
		if mErr := q.tasks.MarkCompleted(dbc, qt.ID); mErr != nil {
			log.Error("Mark completed failed", "error", mErr)
		}
		if q.metrics != nil {
			q.metrics.TaskCompleted(qt.Stage, time.Since(started))
		}
		log.Debug("Task completed", "duration", time.Since(started))
		return
	}

	if !IsTerminal(err) && qt.Attempts < pol.MaxAttempts {
		delay := pol.BackoffDelay(qt.Attempts)
		if rErr := q.tasks.MarkRetry(dbc, qt.ID, qt.Attempts, time.Now().Add(delay), err.Error()); rErr != nil {
			log.Error("Mark retry failed", "error", rErr)
		}
		log.Warn("Task failed, will retry", "error", err, "retry_in", delay)
		return
	}

	if mErr := q.tasks.MarkFailed(dbc, qt.ID, err.Error()); mErr != nil {
		log.Error("Mark failed failed", "error", mErr)
	}
	if q.metrics != nil {
		q.metrics.TaskFailed(qt.Stage)
	}
	log.Error("Task exhausted", "error", err, "terminal", IsTerminal(err))
	if q.onExhausted != nil {
		q.onExhausted(context.WithoutCancel(ctx), task, err)
	}
}

func (q *DBQueue) runHandler(ctx context.Context, task *Task) (err error) {
	handler, ok := q.registry.Get(task.Stage)
	if !ok {
		return Terminal(fmt.Errorf("no handler for stage=%s", task.Stage))
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Handler panicked", "stage", task.Stage, "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler.Run(ctx, task)
}

func (q *DBQueue) heartbeatLoop(ctx context.Context, taskID uuid.UUID) {
	defer q.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.tasks.Heartbeat(dbctx.Context{Ctx: ctx}, taskID); err != nil {
				q.log.Warn("Heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func (q *DBQueue) sampleDepth(ctx context.Context) {
	defer q.wg.Done()
	if q.metrics == nil {
		return
	}
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for stage := range q.policies {
				depth, err := q.tasks.CountByStageStatus(dbctx.Context{Ctx: ctx}, stage, domain.TaskQueued)
				if err != nil {
					continue
				}
				q.metrics.SetQueueDepth(stage, depth)
			}
		}
	}
}
