package service

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/fuse-drs/drs-provider/internal/handlers/validator"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/fuse-drs/drs-provider/pkg/log"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
	"github.com/google/uuid"
)

const (
	objectIDPrefix = "upload_"
	payloadPrefix  = "payload-"

	submitAccepted = "accepted"
	submitRejected = "rejected"
	submitFailed   = "failed"
)

var unsafeSubmitterChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// WorkerStarter makes sure background ingestion is running.
type WorkerStarter interface {
	EnsureRunning() error
}

type SubmitRequest struct {
	SubmitterID       string `validate:"required,not_blank,max=255"`
	RequestedObjectID string `validate:"omitempty,object_id"`
	// APIKey is only forwarded as a flag and never stored.
	APIKey   string
	Filename string
	Payload  io.Reader `validate:"required"`
}

type SubmitResponse struct {
	ObjectID string
}

type UploadService struct {
	store     store.Store
	queue     queue.Queue
	spool     spool.Spool
	workers   WorkerStarter
	dataPath  string
	validator *validator.Validator
	logger    *log.StructuredLogger
	now       func() time.Time
}

func NewUploadService(s store.Store, q queue.Queue, sp spool.Spool, workers WorkerStarter, dataPath string) *UploadService {
	return &UploadService{
		store:     s,
		queue:     q,
		spool:     sp,
		workers:   workers,
		dataPath:  dataPath,
		validator: validator.NewValidator().Register(validator.NewSubmissionValidationRules()...),
		logger:    log.NewDebugLogger("upload_service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit spools the payload, records the task as queued and hands it to the
// queue. Nothing is left behind when a step fails.
func (s *UploadService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	tracer := s.logger.WithContext(ctx).
		Operation("submit").
		WithString("submitter_id", req.SubmitterID).
		WithString("requested_object_id", req.RequestedObjectID).
		Build()

	if err := s.validator.Struct(req); err != nil {
		metrics.IncreaseSubmissionsTotalMetric(submitRejected)
		return nil, NewErrValidation("invalid submission: %s", err)
	}

	objectID, err := s.pickObjectID(ctx, req)
	if err != nil {
		tracer.Error(err).Log()
		metrics.IncreaseSubmissionsTotalMetric(submitFailed)
		return nil, NewErrDependencyUnavailable("record store", err)
	}

	payloadRef := payloadPrefix + uuid.NewString()
	size, err := s.spool.Put(ctx, payloadRef, req.Payload)
	if err != nil {
		tracer.Error(err).Log()
		s.discardPayload(ctx, payloadRef)
		metrics.IncreaseSubmissionsTotalMetric(submitFailed)
		return nil, NewErrDependencyUnavailable("payload spool", err)
	}
	tracer.Step("payload_spooled").WithString("payload_ref", payloadRef).WithParam("bytes", size).Log()

	record := model.Task{
		ObjectID:    objectID,
		SubmitterID: req.SubmitterID,
		Status:      model.TaskStatusQueued,
		PayloadRef:  payloadRef,
		Filename:    req.Filename,
		DateCreated: s.now(),
	}
	_, err = s.store.Task().Create(ctx, record)
	if errors.Is(err, store.ErrDuplicateKey) && objectID == req.RequestedObjectID {
		// hint taken by a concurrent submission since the lookup
		record.ObjectID = MintObjectID(req.SubmitterID)
		_, err = s.store.Task().Create(ctx, record)
	}
	if err != nil {
		tracer.Error(err).Log()
		s.discardPayload(ctx, payloadRef)
		metrics.IncreaseSubmissionsTotalMetric(submitFailed)
		return nil, NewErrDependencyUnavailable("record store", err)
	}
	objectID = record.ObjectID
	tracer.Step("record_created").WithString("object_id", objectID).Log()

	task := queue.Task{
		ObjectID:    objectID,
		SubmitterID: req.SubmitterID,
		PayloadRef:  payloadRef,
		Filename:    req.Filename,
		HasAPIKey:   req.APIKey != "",
	}
	err = s.queue.Enqueue(ctx, task)
	if errors.Is(err, queue.ErrDuplicate) && objectID == req.RequestedObjectID {
		// the queue still retains a finished task under the hint
		tracer.Step("hint_held_by_queue").WithString("object_id", objectID).Log()
		objectID, err = s.remint(ctx, record)
		if err != nil {
			tracer.Error(err).Log()
			s.discardPayload(ctx, payloadRef)
			if _, delErr := s.store.Task().Delete(context.WithoutCancel(ctx), record.ObjectID); delErr != nil {
				tracer.Error(delErr).WithString("compensation", "record_delete").Log()
			}
			metrics.IncreaseSubmissionsTotalMetric(submitFailed)
			return nil, NewErrDependencyUnavailable("record store", err)
		}
		task.ObjectID = objectID
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		tracer.Error(err).Log()
		s.discardPayload(ctx, payloadRef)
		if _, delErr := s.store.Task().Delete(context.WithoutCancel(ctx), objectID); delErr != nil {
			tracer.Error(delErr).WithString("compensation", "record_delete").Log()
		}
		metrics.IncreaseSubmissionsTotalMetric(submitFailed)
		return nil, NewErrDependencyUnavailable("work queue", err)
	}

	if err := s.workers.EnsureRunning(); err != nil {
		// the task stays queued and is picked up once a consumer runs
		tracer.Error(err).WithString("stage", "ensure_running").Log()
	}

	metrics.IncreaseSubmissionsTotalMetric(submitAccepted)
	tracer.Success().WithString("object_id", objectID).Log()
	return &SubmitResponse{ObjectID: objectID}, nil
}

// remint moves a freshly created record to a minted object id.
func (s *UploadService) remint(ctx context.Context, record model.Task) (string, error) {
	if _, err := s.store.Task().Delete(ctx, record.ObjectID); err != nil {
		return "", err
	}
	record.ObjectID = MintObjectID(record.SubmitterID)
	if _, err := s.store.Task().Create(ctx, record); err != nil {
		return "", err
	}
	return record.ObjectID, nil
}

// pickObjectID honours an unused hint and mints an id otherwise.
func (s *UploadService) pickObjectID(ctx context.Context, req SubmitRequest) (string, error) {
	if req.RequestedObjectID != "" {
		_, err := s.store.Task().Get(ctx, req.RequestedObjectID)
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			return req.RequestedObjectID, nil
		case err != nil:
			return "", err
		}
	}
	return MintObjectID(req.SubmitterID), nil
}

// MintObjectID returns upload_<submitter>_<uuid4> where submitter is reduced
// to characters that are safe in a path component.
func MintObjectID(submitterID string) string {
	submitter := strings.Trim(unsafeSubmitterChars.ReplaceAllString(submitterID, "-"), "-.")
	if submitter == "" {
		submitter = "anonymous"
	}
	if len(submitter) > 64 {
		submitter = submitter[:64]
	}
	return objectIDPrefix + submitter + "_" + uuid.NewString()
}

func (s *UploadService) discardPayload(ctx context.Context, payloadRef string) {
	if err := s.spool.Remove(context.WithoutCancel(ctx), payloadRef); err != nil && !errors.Is(err, spool.ErrNotFound) {
		s.logger.WithContext(ctx).
			Operation("discard_payload").
			WithString("payload_ref", payloadRef).
			Build().
			Error(err).
			Log()
	}
}

// Search lists the object ids submitted by submitterID.
func (s *UploadService) Search(ctx context.Context, submitterID string) ([]string, error) {
	tracer := s.logger.WithContext(ctx).Operation("search").WithString("submitter_id", submitterID).Build()

	ids, err := s.store.Task().ListObjectIDs(ctx, store.NewTaskQueryFilter().BySubmitterID(submitterID))
	if err != nil {
		tracer.Error(err).Log()
		return nil, NewErrDependencyUnavailable("record store", err)
	}

	tracer.Success().WithInt("count", len(ids)).Log()
	return ids, nil
}
