package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
)

// Stage names. Each stage has its own queue, concurrency bound and retry
// policy; a stage enqueues the next one only after establishing whatever
// handle or reference the next stage needs.
const (
	StageGeneration = "generation"
	StagePolling    = "polling"
	StageDownload   = "download"
	StageScoring    = "scoring"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

type Policy struct {
	Concurrency int
	MaxAttempts int
	Backoff     BackoffKind
	Delay       time.Duration
}

// Backoff returns the wait before the given retry. attempt is 1-based
// (the attempt that just failed). Exponential growth is capped at 10m.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// DefaultPolicies is the per-stage scheduling table. Polling concurrency
// is the admission-control valve for total in-flight renders: a poll
// invocation holds its worker slot for the whole remote render.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		StageGeneration: {Concurrency: 5, MaxAttempts: 3, Backoff: BackoffExponential, Delay: 30 * time.Second},
		StagePolling:    {Concurrency: 3, MaxAttempts: 50, Backoff: BackoffFixed, Delay: 10 * time.Second},
		StageDownload:   {Concurrency: 3, MaxAttempts: 3, Backoff: BackoffExponential, Delay: 15 * time.Second},
		StageScoring:    {Concurrency: 3, MaxAttempts: 2, Backoff: BackoffFixed, Delay: 10 * time.Second},
	}
}

// Task is the execution view of one queue entry handed to a stage handler.
type Task struct {
	*domain.QueueTask
	payload map[string]any
}

func NewTask(qt *domain.QueueTask) *Task {
	t := &Task{QueueTask: qt}
	_ = t.decodePayload()
	return t
}

func (t *Task) decodePayload() error {
	if t.QueueTask == nil || len(t.QueueTask.Payload) == 0 {
		t.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(t.QueueTask.Payload, &m); err != nil {
		t.payload = map[string]any{}
		return err
	}
	t.payload = m
	return nil
}

// Payload returns the decoded payload map; never nil.
func (t *Task) Payload() map[string]any {
	if t.payload == nil {
		t.payload = map[string]any{}
	}
	return t.payload
}

func (t *Task) PayloadString(key string) string {
	v, ok := t.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Handler executes one stage for one task. A returned error is retried
// per the stage policy unless it is marked terminal.
type Handler interface {
	Stage() string
	Run(ctx context.Context, task *Task) error
}

// ExhaustionFunc is invoked exactly once per task whose attempts are
// spent (or whose failure was terminal); it must leave the Job/Video in
// a failed state.
type ExhaustionFunc func(ctx context.Context, task *Task, err error)

// Queue schedules stage payloads. Implementations: the durable
// Postgres-backed queue and the in-process local fallback.
type Queue interface {
	Enqueue(dbc dbctx.Context, stage string, jobID, videoID, orgID uuid.UUID, payload map[string]any) (*domain.QueueTask, error)
	// CancelJob drops the job's waiting queue positions. A task already
	// running finishes its handler; its status writes are guarded
	// elsewhere.
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	Start(ctx context.Context)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	stage := h.Stage()
	if stage == "" {
		return fmt.Errorf("handler Stage() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[stage]; exists {
		return fmt.Errorf("handler already registered for stage=%s", stage)
	}
	r.handlers[stage] = h
	return nil
}

func (r *Registry) Get(stage string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stage]
	return h, ok
}

func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	return out
}

// terminalError marks a failure that must not be retried by the queue
// (validation failures, render timeouts, provider-reported failures).
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the queue fails the task immediately instead of
// retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
