package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/data/repos/testutil"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
)

type dbHarness struct {
	q    *DBQueue
	repo jobs.QueueTaskRepo
	pol  Policy
}

func newDBHarness(t *testing.T, h Handler, pol Policy, onExhausted ExhaustionFunc) *dbHarness {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	repo := jobs.NewQueueTaskRepo(tx, log)

	reg := NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := NewDBQueue(repo, reg, map[string]Policy{StageGeneration: pol}, onExhausted, nil, log)
	return &dbHarness{q: q, repo: repo, pol: pol}
}

// enqueueAndClaim pushes one generation task and claims it the way a
// worker loop would.
func (d *dbHarness) enqueueAndClaim(t *testing.T) *domain.QueueTask {
	t.Helper()
	ctx := context.Background()
	if _, err := d.q.Enqueue(dbctx.Context{Ctx: ctx}, StageGeneration, uuid.New(), uuid.New(), uuid.New(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := d.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, StageGeneration, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("nothing claimable after enqueue")
	}
	return claimed
}

func (d *dbHarness) taskState(t *testing.T, id uuid.UUID) *domain.QueueTask {
	t.Helper()
	qt, err := d.repo.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if qt == nil {
		t.Fatalf("task %s disappeared", id)
	}
	return qt
}

func TestDBQueueExecuteCompletesTask(t *testing.T) {
	h := &stubHandler{stage: StageGeneration}
	d := newDBHarness(t, h, Policy{Concurrency: 1, MaxAttempts: 3, Backoff: BackoffFixed, Delay: time.Second}, nil)

	claimed := d.enqueueAndClaim(t)
	d.q.execute(context.Background(), d.q.log, d.pol, claimed)

	qt := d.taskState(t, claimed.ID)
	if qt.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed", qt.Status)
	}
	if qt.LastError != "" {
		t.Fatalf("completed task kept an error: %q", qt.LastError)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", h.calls.Load())
	}
}

func TestDBQueueExecuteSchedulesRetry(t *testing.T) {
	h := &stubHandler{stage: StageGeneration, run: func(_ context.Context, _ *Task) error {
		return errors.New("provider hiccup")
	}}
	exhausted := atomic.Int32{}
	d := newDBHarness(t, h, Policy{Concurrency: 1, MaxAttempts: 3, Backoff: BackoffFixed, Delay: time.Minute},
		func(_ context.Context, _ *Task, _ error) { exhausted.Add(1) })

	claimed := d.enqueueAndClaim(t)
	d.q.execute(context.Background(), d.q.log, d.pol, claimed)

	qt := d.taskState(t, claimed.ID)
	if qt.Status != domain.TaskQueued {
		t.Fatalf("status = %s, want queued for retry", qt.Status)
	}
	if qt.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", qt.Attempts)
	}
	if !strings.Contains(qt.LastError, "provider hiccup") {
		t.Fatalf("failure reason lost: %q", qt.LastError)
	}
	if qt.NextRunAt.Before(time.Now().Add(30 * time.Second)) {
		t.Fatalf("retry not pushed into the future: %v", qt.NextRunAt)
	}
	if exhausted.Load() != 0 {
		t.Fatalf("exhaustion fired with attempts remaining")
	}

	// The backoff must keep the task out of reach until next_run_at.
	again, err := d.repo.ClaimNextRunnable(dbctx.Context{Ctx: context.Background()}, StageGeneration, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if again != nil {
		t.Fatalf("future-scheduled retry was claimed immediately")
	}
}

func TestDBQueueTerminalFailureExhaustsOnce(t *testing.T) {
	h := &stubHandler{stage: StageGeneration, run: func(_ context.Context, _ *Task) error {
		return Terminal(errors.New("bad request"))
	}}
	exhausted := atomic.Int32{}
	var gotErr atomic.Value
	d := newDBHarness(t, h, Policy{Concurrency: 1, MaxAttempts: 5, Backoff: BackoffFixed, Delay: time.Second},
		func(_ context.Context, _ *Task, err error) {
			exhausted.Add(1)
			gotErr.Store(err)
		})

	claimed := d.enqueueAndClaim(t)
	d.q.execute(context.Background(), d.q.log, d.pol, claimed)

	qt := d.taskState(t, claimed.ID)
	if qt.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", qt.Status)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("terminal failure was retried: %d runs", h.calls.Load())
	}
	if exhausted.Load() != 1 {
		t.Fatalf("exhaustion fired %d times, want exactly once", exhausted.Load())
	}
	if err, _ := gotErr.Load().(error); err == nil || !IsTerminal(err) {
		t.Fatalf("exhaustion error lost its terminal marker: %v", err)
	}
}

func TestDBQueueExhaustsAfterMaxAttempts(t *testing.T) {
	h := &stubHandler{stage: StageGeneration, run: func(_ context.Context, _ *Task) error {
		return errors.New("still down")
	}}
	exhausted := atomic.Int32{}
	d := newDBHarness(t, h, Policy{Concurrency: 1, MaxAttempts: 1, Backoff: BackoffFixed, Delay: time.Second},
		func(_ context.Context, _ *Task, _ error) { exhausted.Add(1) })

	claimed := d.enqueueAndClaim(t)
	d.q.execute(context.Background(), d.q.log, d.pol, claimed)

	qt := d.taskState(t, claimed.ID)
	if qt.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed after the attempt budget", qt.Status)
	}
	if exhausted.Load() != 1 {
		t.Fatalf("exhaustion fired %d times, want exactly once", exhausted.Load())
	}
}

func TestDBQueuePanicIsRetried(t *testing.T) {
	h := &stubHandler{stage: StageGeneration, run: func(_ context.Context, _ *Task) error {
		panic("handler blew up")
	}}
	d := newDBHarness(t, h, Policy{Concurrency: 1, MaxAttempts: 2, Backoff: BackoffFixed, Delay: time.Minute}, nil)

	claimed := d.enqueueAndClaim(t)
	d.q.execute(context.Background(), d.q.log, d.pol, claimed)

	qt := d.taskState(t, claimed.ID)
	if qt.Status != domain.TaskQueued {
		t.Fatalf("status = %s, want queued after a recovered panic", qt.Status)
	}
	if !strings.Contains(qt.LastError, "panic") {
		t.Fatalf("panic not recorded: %q", qt.LastError)
	}
}
