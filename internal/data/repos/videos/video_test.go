package videos

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/data/repos/testutil"
	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
)

func seedVideo(t *testing.T, repo VideoRepo, dbc dbctx.Context, orgID uuid.UUID, projectID *uuid.UUID, title string, version int) *domain.Video {
	t.Helper()
	created, err := repo.Create(dbc, []*domain.Video{{
		OrgID:     orgID,
		ProjectID: projectID,
		Title:     title,
		Status:    domain.StatusQueued,
		Source:    domain.VideoSourceGenerated,
		Version:   version,
	}})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return created[0]
}

func TestListByOrgScopes(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewVideoRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	orgA := uuid.New()
	orgB := uuid.New()
	seedVideo(t, repo, dbc, orgA, nil, "a1", 1)
	seedVideo(t, repo, dbc, orgA, nil, "a2", 1)
	seedVideo(t, repo, dbc, orgB, nil, "b1", 1)

	list, err := repo.ListByOrg(dbc, orgA, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d videos, want 2", len(list))
	}
	for _, v := range list {
		if v.OrgID != orgA {
			t.Fatalf("video %s leaked from another org", v.ID)
		}
	}
}

func TestLatestVersionForProject(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewVideoRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	orgID := uuid.New()
	projectID := uuid.New()
	seedVideo(t, repo, dbc, orgID, &projectID, "launch teaser", 1)
	seedVideo(t, repo, dbc, orgID, &projectID, "launch teaser", 2)
	seedVideo(t, repo, dbc, orgID, &projectID, "other clip", 7)

	latest, err := repo.LatestVersionForProject(dbc, orgID, projectID, "launch teaser")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest != 2 {
		t.Fatalf("latest = %d, want 2", latest)
	}

	none, err := repo.LatestVersionForProject(dbc, orgID, projectID, "unseen title")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if none != 0 {
		t.Fatalf("unseen title should report 0, got %d", none)
	}
}

func TestUpdateFieldsUnlessStatusGuard(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewVideoRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	video := seedVideo(t, repo, dbc, uuid.New(), nil, "clip", 1)
	if err := repo.UpdateFields(dbc, video.ID, map[string]interface{}{
		"status": domain.StatusReady,
	}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	applied, err := repo.UpdateFieldsUnlessStatus(dbc, video.ID,
		[]domain.Status{domain.StatusReady, domain.StatusFailed},
		map[string]interface{}{"status": domain.StatusDownloading},
	)
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if applied {
		t.Fatalf("guarded update applied to a ready video")
	}

	got, _ := repo.GetByID(dbc, video.ID)
	if got.Status != domain.StatusReady {
		t.Fatalf("ready status overwritten: %s", got.Status)
	}
}
