package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/observability"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

// LocalQueue is the in-process fallback used in single-node and test
// setups. It applies the same policy table as the durable queue but
// nothing survives a restart.
type LocalQueue struct {
	registry    *Registry
	policies    map[string]Policy
	onExhausted ExhaustionFunc
	metrics     *observability.Metrics
	log         *logger.Logger

	mu        sync.Mutex
	root      context.Context
	started   bool
	backlog   []*domain.QueueTask
	cancelled map[uuid.UUID]bool
	slots     map[string]chan struct{}
	wg        sync.WaitGroup
}

func NewLocalQueue(
	registry *Registry,
	policies map[string]Policy,
	onExhausted ExhaustionFunc,
	metrics *observability.Metrics,
	baseLog *logger.Logger,
) *LocalQueue {
	if policies == nil {
		policies = DefaultPolicies()
	}
	slots := make(map[string]chan struct{}, len(policies))
	for stage, pol := range policies {
		n := pol.Concurrency
		if n < 1 {
			n = 1
		}
		slots[stage] = make(chan struct{}, n)
	}
	return &LocalQueue{
		registry:    registry,
		policies:    policies,
		onExhausted: onExhausted,
		metrics:     metrics,
		log:         baseLog.With("component", "LocalQueue"),
		cancelled:   make(map[uuid.UUID]bool),
		slots:       slots,
	}
}

func (q *LocalQueue) Start(ctx context.Context) {
	q.mu.Lock()
	q.root = ctx
	q.started = true
	backlog := q.backlog
	q.backlog = nil
	q.mu.Unlock()
	for _, task := range backlog {
		q.dispatch(task, 0)
	}
	q.log.Info("Local queue started", "backlog", len(backlog))
}

func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

func (q *LocalQueue) Enqueue(_ dbctx.Context, stage string, jobID, videoID, orgID uuid.UUID, payload map[string]any) (*domain.QueueTask, error) {
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
	now := time.Now()
	task := &domain.QueueTask{
		ID:        uuid.New(),
		Stage:     stage,
		JobID:     jobID,
		VideoID:   videoID,
		OrgID:     orgID,
		Status:    domain.TaskQueued,
		NextRunAt: now,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if q.metrics != nil {
		q.metrics.TaskEnqueued(stage)
	}
	q.mu.Lock()
	if !q.started {
		q.backlog = append(q.backlog, task)
		q.mu.Unlock()
		return task, nil
	}
	q.mu.Unlock()
	q.dispatch(task, 0)
	return task, nil
}

func (q *LocalQueue) CancelJob(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	q.cancelled[jobID] = true
	q.mu.Unlock()
	return nil
}

func (q *LocalQueue) isCancelled(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[jobID]
}

func (q *LocalQueue) dispatch(task *domain.QueueTask, delay time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.mu.Lock()
		ctx := q.root
		q.mu.Unlock()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if q.isCancelled(task.JobID) {
			task.Status = domain.TaskFailed
			task.LastError = domain.CancelMessage
			return
		}
		slot := q.slots[task.Stage]
		select {
		case <-ctx.Done():
			return
		case slot <- struct{}{}:
		}
		defer func() { <-slot }()

		task.Attempts++
		task.Status = domain.TaskRunning
		pol := q.policies[task.Stage]
		started := time.Now()
		err := q.runHandler(ctx, NewTask(task))

		if err == nil {
			task.Status = domain.TaskCompleted
			if q.metrics != nil {
				q.metrics.TaskCompleted(task.Stage, time.Since(started))
			}
			return
		}
		if !IsTerminal(err) && task.Attempts < pol.MaxAttempts {
			task.Status = domain.TaskQueued
			task.LastError = err.Error()
			retryIn := pol.BackoffDelay(task.Attempts)
			q.log.Warn("Task failed, will retry", "stage", task.Stage, "job_id", task.JobID, "error", err, "retry_in", retryIn)
			q.dispatch(task, retryIn)
			return
		}
		task.Status = domain.TaskFailed
		task.LastError = err.Error()
		if q.metrics != nil {
			q.metrics.TaskFailed(task.Stage)
		}
		q.log.Error("Task exhausted", "stage", task.Stage, "job_id", task.JobID, "error", err, "terminal", IsTerminal(err))
		if q.onExhausted != nil {
			q.onExhausted(context.WithoutCancel(ctx), NewTask(task), err)
		}
	}()
}

func (q *LocalQueue) runHandler(ctx context.Context, task *Task) (err error) {
	handler, ok := q.registry.Get(task.Stage)
	if !ok {
		return Terminal(fmt.Errorf("no handler for stage=%s", task.Stage))
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Handler panicked", "stage", task.Stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler.Run(ctx, task)
}
