package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/internal/lease"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

const (
	reaperLease     = "stale-task-reaper"
	reaperBatchSize = 500

	ResolutionCompleted = "completed"
	ResolutionFailed    = "failed"
	ResolutionStale     = "stale"
)

// Reaper bounds how long a record can stay queued or started. Records older
// than the staleness window are reconciled against the queue, and the ones
// the queue cannot vouch for are failed.
type Reaper struct {
	store      store.Store
	queue      queue.Queue
	locker     lease.Locker
	dataPath   string
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewReaper(s store.Store, q queue.Queue, locker lease.Locker, dataPath string, staleAfter, interval time.Duration) *Reaper {
	return &Reaper{
		store:      s,
		queue:      q,
		locker:     locker,
		dataPath:   dataPath,
		staleAfter: staleAfter,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a jittered interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := jitterbug.New(r.interval, &jitterbug.Norm{Stdev: r.interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				zap.S().Named("reaper").Errorw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep reconciles one batch of stale records and returns how many were
// resolved. It does nothing when another process holds the lease.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	release, ok, err := r.locker.TryAcquire(ctx, reaperLease, r.interval)
	if err != nil {
		return 0, fmt.Errorf("acquiring reaper lease: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer release()

	cutoff := r.now().Add(-r.staleAfter)
	tasks, err := r.store.Task().List(ctx, store.NewTaskQueryFilter().StaleBefore(cutoff).Limit(reaperBatchSize))
	if err != nil {
		return 0, fmt.Errorf("listing stale tasks: %w", err)
	}

	resolved := 0
	for _, t := range tasks {
		resolution, err := r.reconcile(ctx, t)
		if err != nil {
			zap.S().Named("reaper").Warnw("failed to reconcile task", "object_id", t.ObjectID, "error", err)
			continue
		}
		if resolution == "" {
			continue
		}
		resolved++
		metrics.IncreaseStaleTasksTotalMetric(resolution)
		zap.S().Named("reaper").Infow("stale task resolved", "object_id", t.ObjectID, "resolution", resolution)
	}
	return resolved, nil
}

func (r *Reaper) reconcile(ctx context.Context, t model.Task) (string, error) {
	info, err := r.queue.Get(ctx, t.ObjectID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		// queue unreachable: nothing can be concluded yet
		return "", err
	}

	var resolution string
	switch {
	case err == nil && info.Status == model.TaskStatusCompleted:
		resolution = ResolutionCompleted
		err = r.store.Task().MarkCompleted(ctx, t.ObjectID, r.now(), StagedSize(r.dataPath, t.ObjectID))
	case err == nil && info.Status == model.TaskStatusFailed:
		resolution = ResolutionFailed
		msg := info.Error
		if msg == "" {
			msg = "queue reported the task as failed"
		}
		err = r.store.Task().MarkFailed(ctx, t.ObjectID, r.now(), msg)
	default:
		resolution = ResolutionStale
		if _, cancelErr := r.queue.Cancel(ctx, t.ObjectID); cancelErr != nil && !errors.Is(cancelErr, queue.ErrNotFound) {
			zap.S().Named("reaper").Debugw("cancel of stale task refused", "object_id", t.ObjectID, "reason", cancelErr)
		}
		err = r.store.Task().MarkFailed(ctx, t.ObjectID, r.now(),
			fmt.Sprintf("stale: no terminal update within %s", r.staleAfter))
	}

	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrRecordNotFound) {
		// moved on or deleted since it was listed
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resolution, nil
}
