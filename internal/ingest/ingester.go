// Package ingest moves spooled uploads into persistent storage and keeps the
// task records in step with the work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
	"go.uber.org/zap"
)

var ErrWorkdirConflict = errors.New("work directory already exists")

type Ingester struct {
	store    store.Store
	spool    spool.Spool
	dataPath string
	now      func() time.Time
}

var _ queue.Handler = (*Ingester)(nil)

func NewIngester(s store.Store, sp spool.Spool, dataPath string) *Ingester {
	return &Ingester{
		store:    s,
		spool:    sp,
		dataPath: dataPath,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle stages the payload of task under <data path>/<object_id>-data.
// Every failure, panics included, leaves the record failed and is returned to
// the queue so both views agree.
func (i *Ingester) Handle(ctx context.Context, task queue.Task) (err error) {
	start := time.Now()
	var size int64
	logger := zap.S().Named("ingester").With("object_id", task.ObjectID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panicked: %v", r)
		}
		if err != nil {
			logger.Errorw("ingestion failed", "error", err)
			i.fail(ctx, task.ObjectID, err)
			metrics.ObserveIngestion(string(model.TaskStatusFailed), time.Since(start), 0)
			return
		}
		logger.Infow("ingestion completed", "size_bytes", size, "duration", time.Since(start))
		metrics.ObserveIngestion(string(model.TaskStatusCompleted), time.Since(start), size)
	}()

	if err := i.store.Task().MarkStarted(ctx, task.ObjectID, i.now()); err != nil {
		return fmt.Errorf("marking task started: %w", err)
	}

	dir := WorkDir(i.dataPath, task.ObjectID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrWorkdirConflict, dir)
		}
		return fmt.Errorf("creating work directory: %w", err)
	}

	ref := payloadRef(task)
	size, err = i.stage(ctx, ref, task.ObjectID)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warnw("failed to clean work directory", "dir", dir, "error", rmErr)
		}
		return err
	}

	if err := i.spool.Remove(ctx, ref); err != nil && !errors.Is(err, spool.ErrNotFound) {
		logger.Warnw("failed to remove spooled payload", "payload_ref", ref, "error", err)
	}

	if err := i.store.Task().MarkCompleted(ctx, task.ObjectID, i.now(), size); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			// deleted while running: drop what was staged after the delete
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logger.Warnw("failed to clean work directory", "dir", dir, "error", rmErr)
			}
		}
		return fmt.Errorf("marking task completed: %w", err)
	}
	return nil
}

func (i *Ingester) stage(ctx context.Context, ref, objectID string) (int64, error) {
	src, err := i.spool.Open(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("opening spooled payload %s: %w", ref, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(PayloadPath(i.dataPath, objectID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating payload file: %w", err)
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		dst.Close()
		return n, fmt.Errorf("writing payload: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return n, fmt.Errorf("syncing payload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("closing payload: %w", err)
	}
	return n, nil
}

// fail records the terminal failure even when ctx has been cancelled by a
// job timeout. A record that is already terminal or gone is left alone.
func (i *Ingester) fail(ctx context.Context, objectID string, cause error) {
	err := i.store.Task().MarkFailed(context.WithoutCancel(ctx), objectID, i.now(), cause.Error())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrRecordNotFound):
		zap.S().Named("ingester").Debugw("failure not recorded", "object_id", objectID, "reason", err)
	default:
		zap.S().Named("ingester").Errorw("failed to record task failure", "object_id", objectID, "error", err)
	}
}

func payloadRef(task queue.Task) string {
	if task.PayloadRef != "" {
		return task.PayloadRef
	}
	return task.ObjectID
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
