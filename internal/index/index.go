// Package index stores the canonical run, experiment and file records.
//
// Every backend offers the same insert-if-absent contract: a write for a key
// that already exists is a no-op reported as (false, nil), never an
// overwrite and never an error. Re-delivered store notifications therefore
// converge on the same index state.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// Collection names one record collection.
type Collection string

const (
	CollectionRuns        Collection = "runs"
	CollectionExperiments Collection = "experiments"
	CollectionFiles       Collection = "files"
)

// Collections lists every collection that tracks physical keys.
var Collections = []Collection{CollectionRuns, CollectionExperiments, CollectionFiles}

var (
	// ErrNotFound is returned by the Get methods.
	ErrNotFound = errors.New("record not found")
	// ErrCollision marks a rejected insert-if-absent. Backends translate it to
	// a false return before it leaves this package.
	ErrCollision = errors.New("record already exists")
	// ErrUnknownCollection is returned by ScanPhysicalKeys.
	ErrUnknownCollection = errors.New("unknown collection")
)

// TransientError wraps a failure that may succeed when retried: timeouts,
// busy databases, dropped connections.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("index %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Index is the persistent record store.
type Index interface {
	// CommitRun inserts run if its key is absent and, in the same atomic
	// step, writes every file unconditionally. When the run already exists
	// nothing is written and false is returned.
	CommitRun(ctx context.Context, run models.RunRecord, files []models.FileRecord) (bool, error)
	PutExperimentIfAbsent(ctx context.Context, rec models.ExperimentRecord) (bool, error)
	PutFileIfAbsent(ctx context.Context, rec models.FileRecord) (bool, error)

	GetRun(ctx context.Context, runID, instrumentID string) (*models.RunRecord, error)
	GetExperiment(ctx context.Context, experimentID string, lastUpdated int64) (*models.ExperimentRecord, error)
	GetFile(ctx context.Context, experimentID, filePath string) (*models.FileRecord, error)

	// ScanPhysicalKeys calls fn with the physical key of every record in c,
	// one page at a time.
	ScanPhysicalKeys(ctx context.Context, c Collection, fn func(key string) error) error
	Stats(ctx context.Context) (*models.Stats, error)
	Close() error
}

// Options tune paginated scans.
type Options struct {
	PageSize    int
	PageTimeout time.Duration
	// PageRetries is the number of extra attempts for a transient page failure.
	PageRetries int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		PageSize:    1000,
		PageTimeout: 30 * time.Second,
		PageRetries: 2,
		RetryDelay:  500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = d.PageTimeout
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func validCollection(c Collection) error {
	for _, known := range Collections {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
}
