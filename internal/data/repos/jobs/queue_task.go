package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/pkg/dbctx"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

type QueueTaskRepo interface {
	Create(dbc dbctx.Context, task *domain.QueueTask) (*domain.QueueTask, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueTask, error)
	// ClaimNextRunnable picks one runnable task for the stage and marks it
	// running (SKIP LOCKED). Runnable means queued with next_run_at due, or
	// running with a heartbeat older than staleRunning (crash recovery).
	ClaimNextRunnable(dbc dbctx.Context, stage string, staleRunning time.Duration) (*domain.QueueTask, error)
	MarkCompleted(dbc dbctx.Context, id uuid.UUID) error
	// MarkRetry puts a failed attempt back in the queue with a delay.
	MarkRetry(dbc dbctx.Context, id uuid.UUID, attempts int, nextRunAt time.Time, lastError string) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID, lastError string) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// CancelPendingByJob drops queued tasks of a cancelled job so no further
	// stage runs for it. Running tasks are left alone; their next status
	// write through the projector is a guarded no-op.
	CancelPendingByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
	CountByStageStatus(dbc dbctx.Context, stage string, status domain.TaskStatus) (int64, error)
}

type queueTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueTaskRepo(db *gorm.DB, baseLog *logger.Logger) QueueTaskRepo {
	return &queueTaskRepo{
		db:  db,
		log: baseLog.With("repo", "QueueTaskRepo"),
	}
}

func (r *queueTaskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *queueTaskRepo) Create(dbc dbctx.Context, task *domain.QueueTask) (*domain.QueueTask, error) {
	if task == nil {
		return nil, nil
	}
	if task.NextRunAt.IsZero() {
		task.NextRunAt = time.Now()
	}
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *queueTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueTask, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task domain.QueueTask
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *queueTaskRepo) ClaimNextRunnable(dbc dbctx.Context, stage string, staleRunning time.Duration) (*domain.QueueTask, error) {
	if stage == "" {
		return nil, nil
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *domain.QueueTask
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task domain.QueueTask
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        stage = ?
        AND (
          (status = ? AND next_run_at <= ?)
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, stage, domain.TaskQueued, now, domain.TaskRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.QueueTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       domain.TaskRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		task.Status = domain.TaskRunning
		task.Attempts++
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *queueTaskRepo) MarkCompleted(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.TaskCompleted,
			"last_error": "",
			"locked_at":  nil,
			"updated_at": now,
		}).Error
}

func (r *queueTaskRepo) MarkRetry(dbc dbctx.Context, id uuid.UUID, attempts int, nextRunAt time.Time, lastError string) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      domain.TaskQueued,
			"attempts":    attempts,
			"next_run_at": nextRunAt,
			"last_error":  lastError,
			"locked_at":   nil,
			"updated_at":  now,
		}).Error
}

func (r *queueTaskRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, lastError string) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.TaskFailed,
			"last_error": lastError,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
}

func (r *queueTaskRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueTask{}).
		Where("id = ? AND status = ?", id, domain.TaskRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *queueTaskRepo) CancelPendingByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	if jobID == uuid.Nil {
		return 0, nil
	}
	now := time.Now()
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueTask{}).
		Where("job_id = ? AND status = ?", jobID, domain.TaskQueued).
		Updates(map[string]interface{}{
			"status":     domain.TaskFailed,
			"last_error": domain.CancelMessage,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *queueTaskRepo) CountByStageStatus(dbc dbctx.Context, stage string, status domain.TaskStatus) (int64, error) {
	var count int64
	q := r.handle(dbc).WithContext(dbc.Ctx).Model(&domain.QueueTask{})
	if stage != "" {
		q = q.Where("stage = ?", stage)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
