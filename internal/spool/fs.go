package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type FileSpool struct {
	root string
}

var _ Spool = (*FileSpool)(nil)

func NewFileSpool(root string) (*FileSpool, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", root, err)
	}
	return &FileSpool{root: root}, nil
}

func (s *FileSpool) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.root, ".incoming-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return n, err
	}
	return n, nil
}

func (s *FileSpool) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FileSpool) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *FileSpool) Type() string {
	return "fs"
}

func (s *FileSpool) path(key string) string {
	return filepath.Join(s.root, key)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
