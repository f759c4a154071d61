package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fuse-drs/drs-provider/internal/store/model"
)

const (
	AsynqTaskType    = "drs:ingest"
	defaultRetention = 24 * time.Hour
)

type AsynqOptions struct {
	Queue       string
	Concurrency int
	JobTimeout  time.Duration
	// Retention keeps finished tasks visible to Get for this long.
	Retention time.Duration
}

// AsynqQueue runs the work queue on redis through asynq. The object id is
// used as the asynq task id.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	handler   Handler
	opts      AsynqOptions
}

var _ Backend = (*AsynqQueue)(nil)

func NewAsynqQueue(redisOpt asynq.RedisClientOpt, handler Handler, opts AsynqOptions) *AsynqQueue {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     opts.Concurrency,
		Queues:          map[string]int{opts.Queue: 1},
		Logger:          zap.S().Named("asynq"),
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: riverStopPeriod,
	})

	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		server:    server,
		handler:   handler,
		opts:      opts,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(AsynqTaskType, payload),
		asynq.TaskID(task.ObjectID),
		asynq.Queue(q.opts.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.opts.JobTimeout),
		asynq.Retention(q.opts.Retention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (q *AsynqQueue) Get(ctx context.Context, objectID string) (*Info, error) {
	info, err := q.inspector.GetTaskInfo(q.opts.Queue, objectID)
	if err != nil {
		if isAsynqNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return asynqInfoToInfo(info), nil
}

func (q *AsynqQueue) Cancel(ctx context.Context, objectID string) (*Info, error) {
	info, err := q.inspector.GetTaskInfo(q.opts.Queue, objectID)
	if err != nil {
		if isAsynqNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.State == asynq.TaskStateActive {
		return asynqInfoToInfo(info), ErrTaskRunning
	}
	if err := q.inspector.DeleteTask(q.opts.Queue, objectID); err != nil {
		if isAsynqNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return asynqInfoToInfo(info), nil
}

func (q *AsynqQueue) Start(ctx context.Context) error {
	return q.server.Start(asynq.HandlerFunc(q.process))
}

func (q *AsynqQueue) Stop(ctx context.Context) error {
	q.server.Shutdown()
	return nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

func (q *AsynqQueue) process(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return q.handler.Handle(ctx, task)
}

func isAsynqNotFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

func asynqInfoToInfo(info *asynq.TaskInfo) *Info {
	return &Info{
		ObjectID: info.ID,
		Status:   AsynqStateToStatus(info.State),
		State:    info.State.String(),
		Error:    info.LastErr,
	}
}

func AsynqStateToStatus(state asynq.TaskState) model.TaskStatus {
	switch state {
	case asynq.TaskStateActive:
		return model.TaskStatusStarted
	case asynq.TaskStateCompleted:
		return model.TaskStatusCompleted
	case asynq.TaskStateArchived:
		return model.TaskStatusFailed
	default:
		return model.TaskStatusQueued
	}
}
