package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/internal/store/model"
	"gorm.io/gorm"
)

type Task interface {
	Create(ctx context.Context, task model.Task) (*model.Task, error)
	Get(ctx context.Context, objectID string) (*model.Task, error)
	List(ctx context.Context, filter *TaskQueryFilter) (model.TaskList, error)
	ListObjectIDs(ctx context.Context, filter *TaskQueryFilter) ([]string, error)
	MarkStarted(ctx context.Context, objectID string, at time.Time) error
	MarkCompleted(ctx context.Context, objectID string, at time.Time, sizeBytes int64) error
	MarkFailed(ctx context.Context, objectID string, at time.Time, stderr string) error
	Delete(ctx context.Context, objectID string) (int64, error)
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

type TaskStore struct {
	db *gorm.DB
}

// Make sure we conform to Task interface
var _ Task = (*TaskStore)(nil)

func NewTaskStore(db *gorm.DB) Task {
	return &TaskStore{db: db}
}

func (s *TaskStore) Create(ctx context.Context, task model.Task) (*model.Task, error) {
	if task.Status == "" {
		task.Status = model.TaskStatusQueued
	}
	if task.DateCreated.IsZero() {
		task.DateCreated = time.Now().UTC()
	}
	if result := s.getDB(ctx).Create(&task); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting task %s: %w", task.ObjectID, result.Error)
	}
	return &task, nil
}

func (s *TaskStore) Get(ctx context.Context, objectID string) (*model.Task, error) {
	var task model.Task
	result := s.getDB(ctx).First(&task, "object_id = ?", objectID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying task %s: %w", objectID, result.Error)
	}
	return &task, nil
}

func (s *TaskStore) List(ctx context.Context, filter *TaskQueryFilter) (model.TaskList, error) {
	var tasks model.TaskList
	tx := s.getDB(ctx).Model(&tasks).Order("date_created")
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if result := tx.Find(&tasks); result.Error != nil {
		return nil, result.Error
	}
	return tasks, nil
}

func (s *TaskStore) ListObjectIDs(ctx context.Context, filter *TaskQueryFilter) ([]string, error) {
	ids := []string{}
	tx := s.getDB(ctx).Model(&model.Task{}).Order("date_created")
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if result := tx.Pluck("object_id", &ids); result.Error != nil {
		return nil, result.Error
	}
	return ids, nil
}

// MarkStarted moves a queued task to started. A redelivered task that is
// already started keeps its original start_date.
func (s *TaskStore) MarkStarted(ctx context.Context, objectID string, at time.Time) error {
	return s.transition(ctx, objectID,
		[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusStarted},
		map[string]any{
			"status":     model.TaskStatusStarted,
			"start_date": gorm.Expr("COALESCE(start_date, ?)", at.UTC()),
		})
}

// MarkCompleted also fills a missing start_date, which happens when the
// completion is learnt from the queue before the worker's start was recorded.
func (s *TaskStore) MarkCompleted(ctx context.Context, objectID string, at time.Time, sizeBytes int64) error {
	return s.transition(ctx, objectID,
		[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusStarted},
		map[string]any{
			"status":     model.TaskStatusCompleted,
			"size_bytes": sizeBytes,
			"start_date": gorm.Expr("COALESCE(start_date, ?)", at.UTC()),
			"end_date":   gorm.Expr("COALESCE(end_date, ?)", at.UTC()),
		})
}

func (s *TaskStore) MarkFailed(ctx context.Context, objectID string, at time.Time, stderr string) error {
	return s.transition(ctx, objectID,
		[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusStarted},
		map[string]any{
			"status":   model.TaskStatusFailed,
			"stderr":   stderr,
			"end_date": gorm.Expr("COALESCE(end_date, ?)", at.UTC()),
		})
}

// Delete removes the records matching objectID and returns how many were removed.
func (s *TaskStore) Delete(ctx context.Context, objectID string) (int64, error) {
	result := s.getDB(ctx).Where("object_id = ?", objectID).Delete(&model.Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting task %s: %w", objectID, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *TaskStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	var rows []struct {
		Status model.TaskStatus
		Total  int64
	}
	result := s.getDB(ctx).Model(&model.Task{}).
		Select("status, count(*) AS total").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("counting tasks by status: %w", result.Error)
	}
	counts := make(map[model.TaskStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// transition applies updates only when the current status is one of from.
// The predicate lives in the UPDATE statement, so concurrent writers cannot
// move a terminal record back to a non-terminal status.
func (s *TaskStore) transition(ctx context.Context, objectID string, from []model.TaskStatus, updates map[string]any) error {
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("object_id = ? AND status IN ?", objectID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating task %s: %w", objectID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.getDB(ctx).Model(&model.Task{}).Where("object_id = ?", objectID).Count(&count).Error; err != nil {
		return fmt.Errorf("counting task %s: %w", objectID, err)
	}
	if count == 0 {
		return ErrRecordNotFound
	}
	return ErrInvalidTransition
}

func (s *TaskStore) getDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
