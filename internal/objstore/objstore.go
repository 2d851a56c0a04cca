// Package objstore reads and writes the object store that instrument sync
// agents upload into.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// ErrNotExist is returned by Get when the key is missing.
var ErrNotExist = errors.New("object does not exist")

// TransientError wraps a store failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("object store %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Store is an object store bucket.
type Store interface {
	// Bucket names the bucket or container the store is bound to.
	Bucket() string
	// List calls fn for every object whose key starts with prefix, in key
	// order, one page at a time.
	List(ctx context.Context, prefix string, fn func(models.Object) error) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Close() error
}

// Options tune paginated listings.
type Options struct {
	PageSize    int
	PageTimeout time.Duration
	PageRetries int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 1000
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// MaxManifestSize bounds how much of a manifest ReadAll will load.
const MaxManifestSize = 64 << 20

// ReadAll fetches key and returns at most limit bytes of it.
func ReadAll(ctx context.Context, s Store, key string, limit int64) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("read %s: object larger than %d bytes", key, limit)
	}
	return data, nil
}

type pageFetcher func(ctx context.Context, cursor string, limit int) (objs []models.Object, next string, err error)

// listPages drives fetch until a short page or an empty cursor. Each page
// runs under opts.PageTimeout and transient failures are retried.
func listPages(ctx context.Context, opts Options, op string, fetch pageFetcher, fn func(models.Object) error) error {
	cursor := ""
	for {
		objs, next, err := fetchPage(ctx, opts, op, fetch, cursor)
		if err != nil {
			return err
		}
		for _, o := range objs {
			if err := fn(o); err != nil {
				return err
			}
		}
		if len(objs) < opts.PageSize || next == "" {
			return nil
		}
		cursor = next
	}
}

func fetchPage(ctx context.Context, opts Options, op string, fetch pageFetcher, cursor string) ([]models.Object, string, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.PageRetries; attempt++ {
		if attempt > 0 {
			opts.Logger.Warn("retrying store listing page", "op", op, "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(opts.RetryDelay * time.Duration(attempt)):
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, opts.PageTimeout)
		objs, next, err := fetch(pageCtx, cursor, opts.PageSize)
		timedOut := pageCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if err == nil {
			return objs, next, nil
		}
		if timedOut && !IsTransient(err) {
			err = &TransientError{Op: op, Err: err}
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}
