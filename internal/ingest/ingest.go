// Package ingest turns store-change notifications into index records.
//
// Each notification names one object. run.json manifests are committed as a
// single batch: the run record and all of its files, or nothing. An
// experiment.json descriptor writes its record and then each file
// independently, never replacing a file a run manifest already wrote.
// Failures are isolated to the notification that caused them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/instrument-index/internal/index"
	"github.com/chmdznr/instrument-index/internal/manifest"
	"github.com/chmdznr/instrument-index/internal/metrics"
	"github.com/chmdznr/instrument-index/internal/normalize"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
)

// Notification outcomes, also used as metric labels.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeIgnored   = "ignored"
)

// Result aggregates one invocation.
type Result struct {
	InvocationID string `json:"invocation_id"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"errors"`
	Skipped      int    `json:"skipped"`
	Ignored      int    `json:"ignored"`

	RunsWritten          int `json:"runs_written"`
	RunsDuplicate        int `json:"runs_duplicate"`
	ExperimentsWritten   int `json:"experiments_written"`
	ExperimentsDuplicate int `json:"experiments_duplicate"`
	FilesWritten         int `json:"files_written"`
	FilesSkipped         int `json:"files_skipped"`
	FilesRejected        int `json:"files_rejected"`
}

func (r *Result) add(o Result) {
	r.Processed += o.Processed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Ignored += o.Ignored
	r.RunsWritten += o.RunsWritten
	r.RunsDuplicate += o.RunsDuplicate
	r.ExperimentsWritten += o.ExperimentsWritten
	r.ExperimentsDuplicate += o.ExperimentsDuplicate
	r.FilesWritten += o.FilesWritten
	r.FilesSkipped += o.FilesSkipped
	r.FilesRejected += o.FilesRejected
}

// Config lists the collaborators of an Orchestrator.
type Config struct {
	Store      objstore.Store
	Index      index.Index
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Workers bounds how many notifications of one invocation run at once.
	Workers int
}

// Orchestrator routes notifications to the run or experiment path.
type Orchestrator struct {
	store      objstore.Store
	index      index.Index
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	workers    int
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Index == nil {
		return nil, errors.New("ingest: store and index are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	n := normalize.New(false, cfg.Logger)
	if cfg.Normalizer != nil {
		copied := *cfg.Normalizer
		n = &copied
	}
	if cfg.Metrics != nil {
		prev := n.OnWarning
		m := cfg.Metrics
		n.OnWarning = func(field, value string, err error) {
			m.TimestampFallback()
			if prev != nil {
				prev(field, value, err)
			}
		}
	}

	return &Orchestrator{
		store:      cfg.Store,
		index:      cfg.Index,
		normalizer: n,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		workers:    cfg.Workers,
	}, nil
}

// HandleEvent decodes raw and processes its notifications. The only error
// it returns is ErrUnknownEventFormat.
func (o *Orchestrator) HandleEvent(ctx context.Context, raw []byte) (Result, error) {
	notifications, err := DecodeEvent(raw)
	if err != nil {
		return Result{}, err
	}
	return o.Process(ctx, notifications), nil
}

// Process handles every notification and reports aggregate counts. It never
// fails as a whole; per-item errors are logged and counted.
func (o *Orchestrator) Process(ctx context.Context, notifications []models.Notification) Result {
	total := Result{InvocationID: xid.New().String()}
	logger := o.logger.With("invocation", total.InvocationID)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, n := range notifications {
		n := n
		g.Go(func() error {
			r := o.processOne(ctx, logger, n)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("ingestion finished",
		"notifications", len(notifications),
		"processed", total.Processed,
		"errors", total.Failed,
		"skipped", total.Skipped,
		"ignored", total.Ignored,
		"files_written", total.FilesWritten)
	return total
}

func (o *Orchestrator) processOne(ctx context.Context, logger *slog.Logger, n models.Notification) Result {
	var r Result
	key := unescapeKey(n.Key)
	bucket := n.Bucket
	if bucket == "" {
		bucket = o.store.Bucket()
	}
	logger = logger.With("bucket", bucket, "key", key)

	info, err := pathcodec.ParseKey(key)
	if err != nil {
		logger.Warn("skipping key with unexpected shape", "err", err)
		r.Skipped = 1
		o.metrics.IngestItem(OutcomeSkipped)
		return r
	}

	switch {
	case pathcodec.IsRunManifest(key):
		err = o.processRun(ctx, normalize.RunSource{Bucket: bucket, Key: key, Info: info}, &r)
	case pathcodec.IsExperimentManifest(key):
		err = o.processExperiment(ctx, logger, bucket, key, &r)
	default:
		logger.Debug("ignoring non-manifest key")
		r.Ignored = 1
		o.metrics.IngestItem(OutcomeIgnored)
		return r
	}

	if err != nil {
		logger.Error("failed to process notification", "err", err, "transient", index.IsTransient(err) || objstore.IsTransient(err))
		r.Failed = 1
		o.metrics.IngestItem(OutcomeFailed)
		return r
	}
	r.Processed = 1
	o.metrics.IngestItem(OutcomeProcessed)
	o.metrics.IngestFiles("written", r.FilesWritten)
	o.metrics.IngestFiles("skipped", r.FilesSkipped)
	o.metrics.IngestFiles("rejected", r.FilesRejected)
	return r
}

func (o *Orchestrator) processRun(ctx context.Context, src normalize.RunSource, r *Result) error {
	if src.Bucket != o.store.Bucket() {
		return fmt.Errorf("bucket %q is not served by this store", src.Bucket)
	}
	data, err := objstore.ReadAll(ctx, o.store, src.Key, objstore.MaxManifestSize)
	if err != nil {
		return err
	}
	m, err := manifest.DecodeRun(data)
	if err != nil {
		return err
	}
	run, files, err := o.normalizer.RunRecords(src, m)
	if err != nil {
		return fmt.Errorf("normalize run manifest: %w", err)
	}
	inserted, err := o.index.CommitRun(ctx, run, files)
	if err != nil {
		return err
	}
	if !inserted {
		r.RunsDuplicate = 1
		r.FilesSkipped = len(files)
		return nil
	}
	r.RunsWritten = 1
	r.FilesWritten = len(files)
	return nil
}

func (o *Orchestrator) processExperiment(ctx context.Context, logger *slog.Logger, bucket, key string, r *Result) error {
	if bucket != o.store.Bucket() {
		return fmt.Errorf("bucket %q is not served by this store", bucket)
	}
	data, err := objstore.ReadAll(ctx, o.store, key, objstore.MaxManifestSize)
	if err != nil {
		return err
	}
	m, err := manifest.DecodeExperiment(data)
	if err != nil {
		return err
	}
	exp, results, err := o.normalizer.ExperimentRecords(bucket, key, m)
	if err != nil {
		return fmt.Errorf("normalize experiment descriptor: %w", err)
	}

	inserted, err := o.index.PutExperimentIfAbsent(ctx, exp)
	if err != nil {
		return err
	}
	if inserted {
		r.ExperimentsWritten = 1
	} else {
		r.ExperimentsDuplicate = 1
	}

	for _, res := range results {
		if res.Err != nil {
			logger.Warn("rejecting descriptor file entry", "path", res.Path, "err", res.Err)
			r.FilesRejected++
			continue
		}
		inserted, err := o.index.PutFileIfAbsent(ctx, res.Record)
		if err != nil {
			return fmt.Errorf("write file %s: %w", res.Path, err)
		}
		if inserted {
			r.FilesWritten++
		} else {
			r.FilesSkipped++
		}
	}
	return nil
}

// unescapeKey decodes the form encoding store notifications apply to keys.
// A key that is not valid form encoding is used verbatim.
func unescapeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
