package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/platform/gcs"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
)

// ---- fakes ----

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.GenerationJob

	// missReads makes the next N lookups miss, simulating a row whose
	// inserting transaction has not committed yet.
	missReads int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*domain.GenerationJob)}
}

func (r *fakeJobRepo) put(job *domain.GenerationJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

func (r *fakeJobRepo) Create(_ dbctx.Context, jobs []*domain.GenerationJob) ([]*domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		r.jobs[j.ID] = j
	}
	return jobs, nil
}

func (r *fakeJobRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missReads > 0 {
		r.missReads--
		return nil, nil
	}
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (r *fakeJobRepo) GetLatestForVideo(_ dbctx.Context, _ uuid.UUID) (*domain.GenerationJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		if s, ok := updates["status"].(domain.Status); ok {
			job.Status = s
		}
		if p, ok := updates["progress"].(int); ok {
			job.Progress = p
		}
	}
	return nil
}

func (r *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, _ []domain.Status, updates map[string]interface{}) (bool, error) {
	return true, r.UpdateFields(dbc, id, updates)
}

func (r *fakeJobRepo) SetOperationHandleOnce(_ dbctx.Context, id uuid.UUID, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	if job.OperationHandle != "" {
		return false, nil
	}
	job.OperationHandle = handle
	return true, nil
}

type progressCall struct {
	status   domain.Status
	progress int
}

type fakeProjector struct {
	mu       sync.Mutex
	calls    []progressCall
	readyURL *domain.VideoURLs
	score    *domain.QualityScore
	failMsg  string
	ready    chan struct{}
	failed   chan struct{}
}

func newFakeProjector() *fakeProjector {
	return &fakeProjector{ready: make(chan struct{}), failed: make(chan struct{})}
}

func (p *fakeProjector) Progress(_ context.Context, _ uuid.UUID, status domain.Status, progress int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, progressCall{status, progress})
	return nil
}

func (p *fakeProjector) Ready(_ context.Context, _ uuid.UUID, urls *domain.VideoURLs, score *domain.QualityScore) error {
	p.mu.Lock()
	p.readyURL = urls
	p.score = score
	p.mu.Unlock()
	close(p.ready)
	return nil
}

func (p *fakeProjector) Failed(_ context.Context, _ uuid.UUID, message string) error {
	p.mu.Lock()
	p.failMsg = message
	p.mu.Unlock()
	close(p.failed)
	return nil
}

func (p *fakeProjector) Cancelled(ctx context.Context, jobID uuid.UUID) error {
	return p.Failed(ctx, jobID, domain.CancelMessage)
}

func (p *fakeProjector) progressHistory() []progressCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progressCall, len(p.calls))
	copy(out, p.calls)
	return out
}

type fakeProvider struct {
	mu          sync.Mutex
	startCalls  int
	pollCalls   int
	handle      string
	thumbnail   string
	pollsToDone int
	pollErr     string
	neverDone   bool
	artifact    *veo.ArtifactRef
	data        []byte
}

func (f *fakeProvider) StartGeneration(_ context.Context, _ veo.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.handle, nil
}

func (f *fakeProvider) PollOperation(_ context.Context, _ string) (*veo.OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.neverDone {
		return &veo.OperationStatus{}, nil
	}
	if f.pollCalls < f.pollsToDone {
		return &veo.OperationStatus{}, nil
	}
	if f.pollErr != "" {
		return &veo.OperationStatus{Done: true, Error: f.pollErr}, nil
	}
	return &veo.OperationStatus{Done: true, Artifact: f.artifact, Thumbnail: f.thumbnail}, nil
}

func (f *fakeProvider) DownloadArtifact(_ context.Context, _ veo.ArtifactRef) ([]byte, error) {
	return f.data, nil
}

func (f *fakeProvider) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

type fakeStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeStore) Put(_ context.Context, key string, _ []byte, _ string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func (s *fakeStore) Get(_ context.Context, _ string) (*gcs.ObjectAttrs, error) { return nil, nil }
func (s *fakeStore) Copy(_ context.Context, _, dst string) (string, error) {
	return "https://cdn.example.com/" + dst, nil
}
func (s *fakeStore) Delete(_ context.Context, _ string) error             { return nil }
func (s *fakeStore) ListKeys(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (s *fakeStore) PublicURL(key string) string                          { return "https://cdn.example.com/" + key }

type fakeScorer struct {
	score *domain.QualityScore
	err   error
}

func (f *fakeScorer) Score(_ context.Context, _ string) (*domain.QualityScore, error) {
	return f.score, f.err
}

// ---- harness ----

type harness struct {
	pipe      *Pipeline
	queue     *queue.LocalQueue
	jobs      *fakeJobRepo
	projector *fakeProjector
	provider  *fakeProvider
	store     *fakeStore
}

func newHarness(t *testing.T, provider *fakeProvider, score *fakeScorer, scoringAttempts int) *harness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	jobs := newFakeJobRepo()
	proj := newFakeProjector()
	store := &fakeStore{}

	policies := map[string]queue.Policy{
		queue.StageGeneration: {Concurrency: 2, MaxAttempts: 3, Backoff: queue.BackoffFixed, Delay: time.Millisecond},
		queue.StagePolling:    {Concurrency: 2, MaxAttempts: 3, Backoff: queue.BackoffFixed, Delay: time.Millisecond},
		queue.StageDownload:   {Concurrency: 2, MaxAttempts: 3, Backoff: queue.BackoffFixed, Delay: time.Millisecond},
		queue.StageScoring:    {Concurrency: 2, MaxAttempts: scoringAttempts, Backoff: queue.BackoffFixed, Delay: time.Millisecond},
	}

	reg := queue.NewRegistry()
	var pipe *Pipeline
	q := queue.NewLocalQueue(reg, policies, func(ctx context.Context, task *queue.Task, err error) {
		pipe.OnExhausted(ctx, task, err)
	}, nil, log)

	pipe = New(jobs, nil, proj, provider, store, score, q, log)
	pipe.sleep = func(context.Context) error { return nil }
	if err := pipe.Register(reg); err != nil {
		t.Fatalf("register stages: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)

	return &harness{pipe: pipe, queue: q, jobs: jobs, projector: proj, provider: provider, store: store}
}

func (h *harness) submitJob(t *testing.T) *domain.GenerationJob {
	t.Helper()
	job := &domain.GenerationJob{
		ID:          uuid.New(),
		VideoID:     uuid.New(),
		OrgID:       uuid.New(),
		Prompt:      "a dog running on a beach at golden hour",
		AspectRatio: domain.AspectLandscape,
		Resolution:  domain.Resolution720p,
		Model:       domain.ModelStable,
		Status:      domain.StatusQueued,
	}
	h.jobs.put(job)
	if _, err := h.queue.Enqueue(dbctx.Context{}, queue.StageGeneration, job.ID, job.VideoID, job.OrgID, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// ---- tests ----

func TestPipelineHappyPath(t *testing.T) {
	provider := &fakeProvider{
		handle:      "op-123",
		pollsToDone: 3,
		artifact:    &veo.ArtifactRef{Kind: veo.ArtifactDirectURL, URL: "https://provider.example.com/art-1"},
		thumbnail:   "https://provider.example.com/art-1/frame.jpg",
		data:        []byte("mp4 bytes"),
	}
	score := &fakeScorer{score: &domain.QualityScore{Overall: 82, Hook: 75}}
	h := newHarness(t, provider, score, 2)

	job := h.submitJob(t)

	select {
	case <-h.projector.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline never reached ready")
	}

	if h.projector.score == nil || h.projector.score.Overall != 82 {
		t.Fatalf("score not projected: %+v", h.projector.score)
	}
	wantKey := fmt.Sprintf("generated/%s/%s/video.mp4", job.OrgID, job.VideoID)
	if h.projector.readyURL == nil || h.projector.readyURL.MP4 != "https://cdn.example.com/"+wantKey {
		t.Fatalf("artifact url not projected: %+v", h.projector.readyURL)
	}
	wantThumbKey := fmt.Sprintf("generated/%s/%s/thumbnail.jpg", job.OrgID, job.VideoID)
	if h.projector.readyURL.Thumbnail != "https://cdn.example.com/"+wantThumbKey {
		t.Fatalf("thumbnail url not projected: %+v", h.projector.readyURL)
	}
	if len(h.store.keys) != 2 || h.store.keys[0] != wantKey || h.store.keys[1] != wantThumbKey {
		t.Fatalf("artifacts stored under %v, want %s then %s", h.store.keys, wantKey, wantThumbKey)
	}

	stored, _ := h.jobs.GetByID(dbctx.Context{}, job.ID)
	if stored.OperationHandle != "op-123" {
		t.Fatalf("operation handle not recorded: %q", stored.OperationHandle)
	}

	// Progress must only move forward.
	last := -1
	for _, call := range h.projector.progressHistory() {
		if call.progress < last {
			t.Fatalf("progress went backwards: %v", h.projector.progressHistory())
		}
		last = call.progress
	}
}

func TestGenerationRetriesUntilJobVisible(t *testing.T) {
	provider := &fakeProvider{
		handle:      "op-123",
		pollsToDone: 1,
		artifact:    &veo.ArtifactRef{Kind: veo.ArtifactDirectURL, URL: "https://provider.example.com/art-1"},
		data:        []byte("mp4 bytes"),
	}
	score := &fakeScorer{score: &domain.QualityScore{Overall: 70}}
	h := newHarness(t, provider, score, 2)

	// The generation task can be dispatched before the job row is
	// readable. The first attempts miss; the retry must finish the render
	// instead of terminally failing the job.
	h.jobs.mu.Lock()
	h.jobs.missReads = 2
	h.jobs.mu.Unlock()

	h.submitJob(t)

	select {
	case <-h.projector.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("job stranded after a late-visible row")
	}
	select {
	case <-h.projector.failed:
		t.Fatalf("late-visible job was failed: %q", h.projector.failMsg)
	default:
	}
}

func TestPollingDoneWithoutArtifactIsTerminal(t *testing.T) {
	provider := &fakeProvider{handle: "op-empty", pollsToDone: 1}
	h := newHarness(t, provider, &fakeScorer{}, 2)

	task := queue.NewTask(&domain.QueueTask{
		ID:      uuid.New(),
		JobID:   uuid.New(),
		VideoID: uuid.New(),
		OrgID:   uuid.New(),
		Stage:   queue.StagePolling,
	})
	task.Payload()["operation_handle"] = "op-empty"

	handler := &pollingHandler{h.pipe}
	err := handler.Run(context.Background(), task)
	if err == nil {
		t.Fatalf("expected failure for a done operation with no artifact")
	}
	if !queue.IsTerminal(err) {
		t.Fatalf("done-without-artifact must not burn the retry budget, got %v", err)
	}
	var failedErr *RenderFailedError
	if !errors.As(err, &failedErr) {
		t.Fatalf("want RenderFailedError, got %T: %v", err, err)
	}
}

func TestPipelineProviderFailureFailsJob(t *testing.T) {
	provider := &fakeProvider{
		handle:      "op-err",
		pollsToDone: 2,
		pollErr:     "content policy violation",
	}
	h := newHarness(t, provider, &fakeScorer{}, 2)
	h.submitJob(t)

	select {
	case <-h.projector.failed:
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline never failed the job")
	}
	if !strings.Contains(h.projector.failMsg, "content policy violation") {
		t.Fatalf("provider reason lost: %q", h.projector.failMsg)
	}
	if provider.starts() != 1 {
		t.Fatalf("generation restarted %d times for a render failure", provider.starts())
	}
}

func TestPollingTimeoutIsTerminal(t *testing.T) {
	provider := &fakeProvider{handle: "op-slow", neverDone: true}
	h := newHarness(t, provider, &fakeScorer{}, 2)

	task := queue.NewTask(&domain.QueueTask{
		ID:      uuid.New(),
		JobID:   uuid.New(),
		VideoID: uuid.New(),
		OrgID:   uuid.New(),
		Stage:   queue.StagePolling,
	})
	task.Payload()["operation_handle"] = "op-slow"

	handler := &pollingHandler{h.pipe}
	err := handler.Run(context.Background(), task)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !queue.IsTerminal(err) {
		t.Fatalf("timeout must be terminal, got %v", err)
	}
	var timeoutErr *RenderTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want RenderTimeoutError, got %T: %v", err, err)
	}
	var failedErr *RenderFailedError
	if errors.As(err, &failedErr) {
		t.Fatalf("timeout must stay distinct from a render failure")
	}
}

func TestScoringFailureStillReady(t *testing.T) {
	provider := &fakeProvider{
		handle:      "op-123",
		pollsToDone: 1,
		artifact:    &veo.ArtifactRef{Kind: veo.ArtifactDirectURL, URL: "https://provider.example.com/art-1"},
		data:        []byte("mp4 bytes"),
	}
	score := &fakeScorer{err: errors.New("scorer unavailable")}
	h := newHarness(t, provider, score, 1)

	h.submitJob(t)

	select {
	case <-h.projector.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("video never went ready after scorer failure")
	}
	if h.projector.score != nil {
		t.Fatalf("a failed scorer should not produce a score")
	}
	if h.projector.readyURL == nil || h.projector.readyURL.MP4 == "" {
		t.Fatalf("ready without the artifact url: %+v", h.projector.readyURL)
	}
}
