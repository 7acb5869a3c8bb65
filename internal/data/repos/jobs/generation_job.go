package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

type GenerationJobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.GenerationJob) ([]*domain.GenerationJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error)
	GetLatestForVideo(dbc dbctx.Context, videoID uuid.UUID) (*domain.GenerationJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.Status, updates map[string]interface{}) (bool, error)
	SetOperationHandleOnce(dbc dbctx.Context, id uuid.UUID, handle string) (bool, error)
}

type generationJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	return &generationJobRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationJobRepo"),
	}
}

func (r *generationJobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *generationJobRepo) Create(dbc dbctx.Context, jobs []*domain.GenerationJob) ([]*domain.GenerationJob, error) {
	if len(jobs) == 0 {
		return []*domain.GenerationJob{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *generationJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.GenerationJob
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *generationJobRepo) GetLatestForVideo(dbc dbctx.Context, videoID uuid.UUID) (*domain.GenerationJob, error) {
	if videoID == uuid.Nil {
		return nil, nil
	}
	var job domain.GenerationJob
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("video_id = ?", videoID).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *generationJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.Status, updates map[string]interface{}) (bool, error) {
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
		Model(&domain.GenerationJob{}).
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

// SetOperationHandleOnce records the provider operation handle for this
// attempt. The handle is written at most once; a second write is rejected.
func (r *generationJobRepo) SetOperationHandleOnce(dbc dbctx.Context, id uuid.UUID, handle string) (bool, error) {
	if id == uuid.Nil || handle == "" {
		return false, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.GenerationJob{}).
		Where("id = ? AND (operation_handle IS NULL OR operation_handle = '')", id).
		Updates(map[string]interface{}{
			"operation_handle": handle,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
