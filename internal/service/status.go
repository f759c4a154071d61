package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/internal/ingest"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
)

// StatusDetail is attached to a failed status so callers can see why.
type StatusDetail struct {
	SubmitterID string     `json:"submitter_id"`
	Status      string     `json:"status"`
	Stderr      *string    `json:"stderr"`
	DateCreated time.Time  `json:"date_created"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
}

type StatusView struct {
	ObjectID string
	Status   model.TaskStatus
	Message  *StatusDetail
}

// Status merges the queue view with the task record. A terminal record always
// wins over the queue, and the merged status is written back to the record.
func (s *UploadService) Status(ctx context.Context, objectID string) (*StatusView, error) {
	tracer := s.logger.WithContext(ctx).Operation("status").WithString("object_id", objectID).Build()

	info, queueErr := s.queue.Get(ctx, objectID)
	if queueErr != nil && !errors.Is(queueErr, queue.ErrNotFound) {
		tracer.Error(queueErr).WithString("lookup", "queue").Log()
	}

	record, storeErr := s.store.Task().Get(ctx, objectID)
	if storeErr != nil && !errors.Is(storeErr, store.ErrRecordNotFound) {
		tracer.Error(storeErr).WithString("lookup", "record_store").Log()
		if queueErr != nil {
			return nil, NewErrDependencyUnavailable("record store", storeErr)
		}
	}

	if record == nil && info == nil {
		return nil, NewErrObjectNotFound(objectID, fmt.Sprintf("queue lookup: %v; record lookup: %v", queueErr, storeErr))
	}
	if errors.Is(storeErr, store.ErrRecordNotFound) && info.Status.IsTerminal() {
		// finished task outlived its record: the object was deleted
		return nil, NewErrObjectNotFound(objectID, "record deleted; queue keeps a finished task")
	}

	status := mergeStatus(info, record)
	view := &StatusView{ObjectID: objectID, Status: status}

	if record != nil && status != record.Status {
		record = s.persistStatus(ctx, record, status, info)
	}

	if status == model.TaskStatusFailed && record != nil {
		view.Message = &StatusDetail{
			SubmitterID: record.SubmitterID,
			Status:      string(record.Status),
			Stderr:      record.Stderr,
			DateCreated: record.DateCreated,
			StartDate:   record.StartDate,
			EndDate:     record.EndDate,
		}
	}

	tracer.Success().WithString("status", string(status)).Log()
	return view, nil
}

func mergeStatus(info *queue.Info, record *model.Task) model.TaskStatus {
	switch {
	case record == nil:
		// record missing or unreadable: the queue view is all there is
		return info.Status
	case info == nil:
		return record.Status
	case record.Status.IsTerminal():
		return record.Status
	case info.Status.Rank() < record.Status.Rank():
		return record.Status
	default:
		return info.Status
	}
}

// persistStatus applies status to the record through the guarded transitions
// and returns the record as it stands afterwards.
func (s *UploadService) persistStatus(ctx context.Context, record *model.Task, status model.TaskStatus, info *queue.Info) *model.Task {
	now := s.now()
	var err error
	switch status {
	case model.TaskStatusStarted:
		err = s.store.Task().MarkStarted(ctx, record.ObjectID, now)
	case model.TaskStatusCompleted:
		err = s.store.Task().MarkCompleted(ctx, record.ObjectID, now, ingest.StagedSize(s.dataPath, record.ObjectID))
	case model.TaskStatusFailed:
		msg := "queue reported the task as failed"
		if info != nil && info.Error != "" {
			msg = info.Error
		}
		err = s.store.Task().MarkFailed(ctx, record.ObjectID, now, msg)
	default:
		return record
	}

	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			metrics.IncreaseStatusPollRejectedMetric()
		} else {
			s.logger.WithContext(ctx).
				Operation("persist_status").
				WithString("object_id", record.ObjectID).
				Build().
				Error(err).
				Log()
		}
		return record
	}

	if updated, err := s.store.Task().Get(ctx, record.ObjectID); err == nil {
		return updated
	}
	return record
}
