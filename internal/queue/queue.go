// Package queue decouples submission from ingestion. Tasks are addressed by
// object id on every backend, so callers never handle backend job ids.
package queue

import (
	"context"
	"errors"

	"github.com/fuse-drs/drs-provider/internal/store/model"
)

var (
	ErrNotFound    = errors.New("task not found in queue")
	ErrTaskRunning = errors.New("task is already running")
	ErrDuplicate   = errors.New("task already enqueued")
)

// Task carries what a worker needs to ingest one submission.
type Task struct {
	ObjectID    string `json:"object_id"`
	SubmitterID string `json:"submitter_id"`
	PayloadRef  string `json:"payload_ref"`
	Filename    string `json:"filename,omitempty"`
	HasAPIKey   bool   `json:"has_api_key,omitempty"`
}

// Info is the queue-level view of a task.
type Info struct {
	ObjectID string
	Status   model.TaskStatus
	// State is the backend specific state name, kept for diagnostics.
	State string
	Error string
}

type Handler interface {
	Handle(ctx context.Context, task Task) error
}

type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Get(ctx context.Context, objectID string) (*Info, error)
	// Cancel removes a task that has not started yet. It returns ErrTaskRunning
	// for a task being worked and never interrupts it.
	Cancel(ctx context.Context, objectID string) (*Info, error)
}

type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Backend interface {
	Queue
	Consumer
	Close() error
}
