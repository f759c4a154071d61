package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fuse-drs/drs-provider/internal/store/model"
	"go.uber.org/zap"
)

const (
	memoryStatePending   = "pending"
	memoryStateActive    = "active"
	memoryStateCompleted = "completed"
	memoryStateFailed    = "failed"

	DefaultMemoryCapacity  = 4096
	DefaultMemoryRetention = 24 * time.Hour
)

var ErrQueueFull = errors.New("queue is full")

type memoryEntry struct {
	task       Task
	state      string
	err        string
	finishedAt time.Time
}

// MemoryQueue is an in-process backend for single node and development
// deployments. Its state does not survive a restart.
type MemoryQueue struct {
	handler     Handler
	concurrency int
	timeout     time.Duration
	retention   time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
	pending chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryQueue(handler Handler, concurrency int, timeout time.Duration) *MemoryQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MemoryQueue{
		handler:     handler,
		concurrency: concurrency,
		timeout:     timeout,
		retention:   DefaultMemoryRetention,
		now:         time.Now,
		entries:     map[string]*memoryEntry{},
		pending:     make(chan string, DefaultMemoryCapacity),
	}
}

// WithRetention sets how long finished tasks stay visible to Get. Zero keeps
// them until the process exits.
func (q *MemoryQueue) WithRetention(retention time.Duration) *MemoryQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retention = retention
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()

	if _, found := q.entries[task.ObjectID]; found {
		return ErrDuplicate
	}
	select {
	case q.pending <- task.ObjectID:
	default:
		return ErrQueueFull
	}
	q.entries[task.ObjectID] = &memoryEntry{task: task, state: memoryStatePending}
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, objectID string) (*Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()

	e, found := q.entries[objectID]
	if !found {
		return nil, ErrNotFound
	}
	return e.info(), nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, objectID string) (*Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()

	e, found := q.entries[objectID]
	if !found {
		return nil, ErrNotFound
	}
	if e.state == memoryStateActive {
		return e.info(), ErrTaskRunning
	}
	delete(q.entries, objectID)
	return e.info(), nil
}

func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for n := 0; n < q.concurrency; n++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	return nil
}

// Stop waits for in-flight tasks to return or for ctx to expire.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			q.run(ctx, id)
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, objectID string) {
	q.mu.Lock()
	e, found := q.entries[objectID]
	if !found || e.state != memoryStatePending {
		// cancelled while waiting
		q.mu.Unlock()
		return
	}
	e.state = memoryStateActive
	task := e.task
	q.mu.Unlock()

	err := q.handle(ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()
	e.finishedAt = q.now()
	if err != nil {
		e.state = memoryStateFailed
		e.err = err.Error()
		zap.S().Named("memory_queue").Debugw("task failed", "object_id", objectID, "error", err)
		return
	}
	e.state = memoryStateCompleted
}

// evictLocked drops finished tasks older than the retention. Callers hold mu.
func (q *MemoryQueue) evictLocked() {
	if q.retention <= 0 {
		return
	}
	cutoff := q.now().Add(-q.retention)
	for id, e := range q.entries {
		if !e.finishedAt.IsZero() && e.finishedAt.Before(cutoff) {
			delete(q.entries, id)
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, task Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
		}
	}()
	return q.handler.Handle(ctx, task)
}

func (e *memoryEntry) info() *Info {
	return &Info{
		ObjectID: e.task.ObjectID,
		Status:   MemoryStateToStatus(e.state),
		State:    e.state,
		Error:    e.err,
	}
}

func MemoryStateToStatus(state string) model.TaskStatus {
	switch state {
	case memoryStateActive:
		return model.TaskStatusStarted
	case memoryStateCompleted:
		return model.TaskStatusCompleted
	case memoryStateFailed:
		return model.TaskStatusFailed
	default:
		return model.TaskStatusQueued
	}
}
