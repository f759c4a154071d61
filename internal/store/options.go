package store

import (
	"time"

	"github.com/fuse-drs/drs-provider/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type TaskQueryFilter BaseQuerier

func NewTaskQueryFilter() *TaskQueryFilter {
	return &TaskQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *TaskQueryFilter) BySubmitterID(submitterID string) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("submitter_id = ?", submitterID)
	})
	return qf
}

func (qf *TaskQueryFilter) ByStatus(statuses ...model.TaskStatus) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", statuses)
	})
	return qf
}

// StaleBefore selects non-terminal tasks that have not moved since before t:
// queued tasks created before t and started tasks that started before t.
func (qf *TaskQueryFilter) StaleBefore(t time.Time) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("((status = ? AND date_created < ?) OR (status = ? AND start_date < ?))",
			model.TaskStatusQueued, t.UTC(), model.TaskStatusStarted, t.UTC())
	})
	return qf
}

func (qf *TaskQueryFilter) Limit(n int) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(n)
	})
	return qf
}
