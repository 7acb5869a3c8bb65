package jobs

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/data/repos/testutil"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
)

func seedJob(t *testing.T, repo GenerationJobRepo, dbc dbctx.Context) *domain.GenerationJob {
	t.Helper()
	created, err := repo.Create(dbc, []*domain.GenerationJob{{
		VideoID:     uuid.New(),
		OrgID:       uuid.New(),
		Prompt:      "sunset timelapse over a city",
		AspectRatio: domain.AspectLandscape,
		Resolution:  domain.Resolution720p,
		Model:       domain.ModelStable,
		Status:      domain.StatusQueued,
	}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return created[0]
}

func TestSetOperationHandleOnce(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewGenerationJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job := seedJob(t, repo, dbc)

	set, err := repo.SetOperationHandleOnce(dbc, job.ID, "op-123")
	if err != nil {
		t.Fatalf("set handle: %v", err)
	}
	if !set {
		t.Fatalf("first set should win")
	}

	set, err = repo.SetOperationHandleOnce(dbc, job.ID, "op-456")
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if set {
		t.Fatalf("second set should be a no-op")
	}

	got, err := repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OperationHandle != "op-123" {
		t.Fatalf("handle = %q, want op-123", got.OperationHandle)
	}
}

func TestUpdateFieldsUnlessStatusGuardsTerminal(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewGenerationJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job := seedJob(t, repo, dbc)
	if err := repo.UpdateFields(dbc, job.ID, map[string]interface{}{
		"status": domain.StatusFailed,
		"error":  domain.CancelMessage,
	}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	// A late stage write against the cancelled job must not apply.
	applied, err := repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]domain.Status{domain.StatusReady, domain.StatusFailed},
		map[string]interface{}{"status": domain.StatusPolling, "progress": 40},
	)
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if applied {
		t.Fatalf("guarded update applied against a terminal job")
	}

	got, _ := repo.GetByID(dbc, job.ID)
	if got.Status != domain.StatusFailed || got.Error != domain.CancelMessage {
		t.Fatalf("terminal state overwritten: status=%s error=%q", got.Status, got.Error)
	}
}

func TestGetLatestForVideo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewGenerationJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	first := seedJob(t, repo, dbc)
	second, err := repo.Create(dbc, []*domain.GenerationJob{{
		VideoID:     first.VideoID,
		OrgID:       first.OrgID,
		Prompt:      first.Prompt,
		AspectRatio: first.AspectRatio,
		Resolution:  first.Resolution,
		Model:       first.Model,
		Status:      domain.StatusQueued,
	}})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := repo.GetLatestForVideo(dbc, first.VideoID)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got == nil || got.ID != second[0].ID {
		t.Fatalf("latest job is not the most recent attempt")
	}
}
