package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fuse-drs/drs-provider/internal/ingest"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
)

type Phase string

const (
	PhaseQueue      Phase = "queue"
	PhaseStore      Phase = "store"
	PhaseFilesystem Phase = "filesystem"
)

type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
	OutcomeError    Outcome = "error"
)

const (
	DeleteStatusDeleted   = "deleted"
	DeleteStatusFailed    = "failed"
	DeleteStatusException = "exception"
)

type PhaseResult struct {
	Phase   Phase   `json:"phase"`
	Outcome Outcome `json:"outcome"`
	Info    string  `json:"info,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type DeleteResult struct {
	Status string        `json:"status"`
	Info   string        `json:"info"`
	Stderr string        `json:"stderr"`
	Phases []PhaseResult `json:"phases"`
}

// Delete removes every trace of objectID. The queue, the record and the files
// are handled independently, so a failure in one phase never stops the
// others. A task being worked is left to finish.
func (s *UploadService) Delete(ctx context.Context, objectID string) DeleteResult {
	tracer := s.logger.WithContext(ctx).Operation("delete").WithString("object_id", objectID).Build()

	payloadRef := objectID
	if record, err := s.store.Task().Get(ctx, objectID); err == nil && record.PayloadRef != "" {
		payloadRef = record.PayloadRef
	}

	phases := []PhaseResult{
		s.deleteFromQueue(ctx, objectID),
		s.deleteRecord(ctx, objectID),
		s.deleteFiles(ctx, objectID, payloadRef),
	}
	result := aggregate(phases)

	metrics.IncreaseDeletionsTotalMetric(result.Status)
	if result.Status == DeleteStatusException {
		tracer.Error(errors.New(result.Stderr)).Log()
	} else {
		tracer.Success().WithString("status", result.Status).Log()
	}
	return result
}

func (s *UploadService) deleteFromQueue(ctx context.Context, objectID string) PhaseResult {
	r := PhaseResult{Phase: PhaseQueue}
	info, err := s.queue.Cancel(ctx, objectID)
	switch {
	case err == nil:
		r.Outcome = OutcomeOK
		r.Info = fmt.Sprintf("Removed task from queue (state %s).", info.State)
	case errors.Is(err, queue.ErrNotFound):
		r.Outcome = OutcomeNotFound
		r.Info = "No job found in queue."
	case errors.Is(err, queue.ErrTaskRunning):
		r.Outcome = OutcomeOK
		r.Info = "Task is running; it was left to finish."
	default:
		r.Outcome = OutcomeError
		r.Error = fmt.Sprintf("Error while deleting job from queue: %s", err)
	}
	return r
}

func (s *UploadService) deleteRecord(ctx context.Context, objectID string) PhaseResult {
	r := PhaseResult{Phase: PhaseStore}
	count, err := s.store.Task().Delete(ctx, objectID)
	if err != nil {
		r.Outcome = OutcomeError
		r.Error = fmt.Sprintf("Error while deleting record from database: %s", err)
		return r
	}
	r.Info = fmt.Sprintf("Deleted count=(%d).", count)
	if count == 1 {
		r.Outcome = OutcomeOK
	} else {
		r.Outcome = OutcomeFailed
		r.Info = fmt.Sprintf("Wrong number of records deleted (%d).", count)
	}
	return r
}

// deleteFiles runs even when no record exists, which lets an operator clean
// up files left by an inconsistent state.
func (s *UploadService) deleteFiles(ctx context.Context, objectID, payloadRef string) PhaseResult {
	r := PhaseResult{Phase: PhaseFilesystem, Outcome: OutcomeOK}
	var infos, errs []string

	dir := ingest.WorkDir(s.dataPath, objectID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		r.Outcome = OutcomeNotFound
		infos = append(infos, "No staged data found on disk.")
	} else if err := os.RemoveAll(dir); err != nil {
		r.Outcome = OutcomeError
		errs = append(errs, fmt.Sprintf("Error while deleting staged data from filesystem: %s", err))
	} else {
		infos = append(infos, "Removed staged data.")
	}

	err := s.spool.Remove(ctx, payloadRef)
	switch {
	case err == nil:
		infos = append(infos, "Removed spooled payload.")
	case errors.Is(err, spool.ErrNotFound), errors.Is(err, spool.ErrInvalidKey):
	default:
		r.Outcome = OutcomeError
		errs = append(errs, fmt.Sprintf("Error while deleting spooled payload: %s", err))
	}

	r.Info = strings.Join(infos, " ")
	r.Error = strings.Join(errs, " ")
	return r
}

// aggregate reduces the phases to the overall status: exception when any
// phase errored, deleted when exactly one record was removed, failed
// otherwise.
func aggregate(phases []PhaseResult) DeleteResult {
	result := DeleteResult{Status: DeleteStatusFailed, Phases: phases}
	var infos, errs []string
	exception := false
	for _, p := range phases {
		if p.Info != "" {
			infos = append(infos, p.Info)
		}
		if p.Error != "" {
			errs = append(errs, p.Error)
		}
		if p.Outcome == OutcomeError {
			exception = true
		}
		if p.Phase == PhaseStore && p.Outcome == OutcomeOK {
			result.Status = DeleteStatusDeleted
		}
	}
	if exception {
		result.Status = DeleteStatusException
	}
	result.Info = strings.Join(infos, "\n")
	result.Stderr = strings.Join(errs, "\n")
	return result
}
