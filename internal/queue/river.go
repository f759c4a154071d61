package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/fuse-drs/drs-provider/internal/store/model"
)

const (
	RiverJobKind    = "drs_ingest"
	MaxJobAttempts  = 1
	DefaultTimeout  = time.Hour
	riverStopPeriod = 30 * time.Second
)

// IngestArgs is stored in river_job.args as JSON.
type IngestArgs struct {
	ObjectID    string `json:"object_id" river:"unique"`
	SubmitterID string `json:"submitter_id"`
	PayloadRef  string `json:"payload_ref"`
	Filename    string `json:"filename,omitempty"`
	HasAPIKey   bool   `json:"has_api_key,omitempty"`
}

func (IngestArgs) Kind() string {
	return RiverJobKind
}

func (IngestArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: MaxJobAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

func (a IngestArgs) Task() Task {
	return Task{
		ObjectID:    a.ObjectID,
		SubmitterID: a.SubmitterID,
		PayloadRef:  a.PayloadRef,
		Filename:    a.Filename,
		HasAPIKey:   a.HasAPIKey,
	}
}

func newIngestArgs(t Task) IngestArgs {
	return IngestArgs{
		ObjectID:    t.ObjectID,
		SubmitterID: t.SubmitterID,
		PayloadRef:  t.PayloadRef,
		Filename:    t.Filename,
		HasAPIKey:   t.HasAPIKey,
	}
}

type IngestWorker struct {
	river.WorkerDefaults[IngestArgs]
	handler Handler
	timeout time.Duration
}

func NewIngestWorker(handler Handler, timeout time.Duration) *IngestWorker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &IngestWorker{handler: handler, timeout: timeout}
}

func (w *IngestWorker) Timeout(job *river.Job[IngestArgs]) time.Duration {
	return w.timeout
}

func (w *IngestWorker) Work(ctx context.Context, job *river.Job[IngestArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.handler.Handle(ctx, job.Args.Task())
}

type RiverOptions struct {
	Queue       string
	Concurrency int
	JobTimeout  time.Duration
}

// RiverQueue runs the work queue on postgres through river.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	queue  string
}

var _ Backend = (*RiverQueue)(nil)

func NewRiverQueue(pool *pgxpool.Pool, handler Handler, opts RiverOptions) (*RiverQueue, error) {
	if opts.Queue == "" {
		opts.Queue = river.QueueDefault
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewIngestWorker(handler, opts.JobTimeout))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			opts.Queue: {MaxWorkers: opts.Concurrency},
		},
		Workers: workers,

		FetchCooldown:     50 * time.Millisecond,
		FetchPollInterval: 100 * time.Millisecond,

		// finished jobs may disappear; the task record keeps the outcome
		CancelledJobRetentionPeriod: 24 * time.Hour,
		CompletedJobRetentionPeriod: 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &RiverQueue{client: client, pool: pool, queue: opts.Queue}, nil
}

func (q *RiverQueue) Enqueue(ctx context.Context, task Task) error {
	opts := newIngestArgs(task).InsertOpts()
	opts.Queue = q.queue

	result, err := q.client.Insert(ctx, newIngestArgs(task), &opts)
	if err != nil {
		return err
	}
	if result.UniqueSkippedAsDuplicate {
		return ErrDuplicate
	}
	return nil
}

func (q *RiverQueue) Get(ctx context.Context, objectID string) (*Info, error) {
	row, err := q.find(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return riverRowToInfo(objectID, row), nil
}

func (q *RiverQueue) Cancel(ctx context.Context, objectID string) (*Info, error) {
	row, err := q.find(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if row.State == rivertype.JobStateRunning {
		return riverRowToInfo(objectID, row), ErrTaskRunning
	}

	deleted, err := q.client.JobDelete(ctx, row.ID)
	if err != nil {
		switch {
		case errors.Is(err, rivertype.ErrJobRunning):
			return riverRowToInfo(objectID, row), ErrTaskRunning
		case errors.Is(err, river.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, err
	}
	return riverRowToInfo(objectID, deleted), nil
}

func (q *RiverQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

func (q *RiverQueue) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, riverStopPeriod)
	defer cancel()
	return q.client.Stop(stopCtx)
}

// Close is a no-op: the pgx pool belongs to the caller.
func (q *RiverQueue) Close() error {
	return nil
}

// find resolves the most recent river job for objectID by looking into the
// job args, since river assigns its own numeric ids.
func (q *RiverQueue) find(ctx context.Context, objectID string) (*rivertype.JobRow, error) {
	var jobID int64
	err := q.pool.QueryRow(ctx,
		`SELECT id FROM river_job WHERE kind = $1 AND args->>'object_id' = $2 ORDER BY id DESC LIMIT 1`,
		RiverJobKind, objectID,
	).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up river job for %s: %w", objectID, err)
	}

	row, err := q.client.JobGet(ctx, jobID)
	if err != nil {
		if errors.Is(err, river.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row, nil
}

func riverRowToInfo(objectID string, row *rivertype.JobRow) *Info {
	info := &Info{ObjectID: objectID, Status: RiverStateToStatus(row.State), State: string(row.State)}
	if len(row.Errors) > 0 {
		info.Error = row.Errors[len(row.Errors)-1].Error
	}
	return info
}

func RiverStateToStatus(state rivertype.JobState) model.TaskStatus {
	switch state {
	case rivertype.JobStateRunning:
		return model.TaskStatusStarted
	case rivertype.JobStateCompleted:
		return model.TaskStatusCompleted
	case rivertype.JobStateCancelled, rivertype.JobStateDiscarded:
		return model.TaskStatusFailed
	default:
		return model.TaskStatusQueued
	}
}
