package videos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

type VideoRepo interface {
	Create(dbc dbctx.Context, videos []*domain.Video) ([]*domain.Video, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Video, error)
	ListByOrg(dbc dbctx.Context, orgID uuid.UUID, limit int) ([]*domain.Video, error)
	LatestVersionForProject(dbc dbctx.Context, orgID uuid.UUID, projectID uuid.UUID, title string) (int, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.Status, updates map[string]interface{}) (bool, error)
}

type videoRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVideoRepo(db *gorm.DB, baseLog *logger.Logger) VideoRepo {
	return &videoRepo{
		db:  db,
		log: baseLog.With("repo", "VideoRepo"),
	}
}

func (r *videoRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *videoRepo) Create(dbc dbctx.Context, videos []*domain.Video) ([]*domain.Video, error) {
	if len(videos) == 0 {
		return []*domain.Video{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&videos).Error; err != nil {
		return nil, err
	}
	return videos, nil
}

func (r *videoRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Video, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var video domain.Video
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &video, nil
}

func (r *videoRepo) ListByOrg(dbc dbctx.Context, orgID uuid.UUID, limit int) ([]*domain.Video, error) {
	var out []*domain.Video
	if orgID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestVersionForProject returns the highest version among videos sharing
// a project and title. Re-renders create a new row at version+1 rather
// than mutating the existing one.
func (r *videoRepo) LatestVersionForProject(dbc dbctx.Context, orgID uuid.UUID, projectID uuid.UUID, title string) (int, error) {
	if orgID == uuid.Nil || projectID == uuid.Nil || title == "" {
		return 0, nil
	}
	var version *int
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Video{}).
		Where("org_id = ? AND project_id = ? AND title = ?", orgID, projectID, title).
		Select("MAX(version)").
		Scan(&version).Error
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

func (r *videoRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Video{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *videoRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.Status, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.Video{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
