// Package spool holds uploaded payloads between the submission request and
// the ingestion worker. A payload is addressed by an opaque key.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
)

var (
	ErrNotFound   = errors.New("spooled payload not found")
	ErrInvalidKey = errors.New("invalid spool key")
)

var keyRegex = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,255}$`)

type Spool interface {
	// Put streams r into the spool and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Remove deletes the payload. A missing payload yields ErrNotFound.
	Remove(ctx context.Context, key string) error
	Type() string
}

func validateKey(key string) error {
	if !keyRegex.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
