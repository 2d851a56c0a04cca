// Package reconcile proves the index mirrors the object store.
//
// A run lists every object under the data root (set S), scans the physical
// keys of the run, experiment and file collections (set T) and reports
// S − T and T − S. Discrepancies are a normal outcome and are notified; a
// failure to list, scan or render is not, and is returned after an error
// notification.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chmdznr/instrument-index/internal/index"
	"github.com/chmdznr/instrument-index/internal/metrics"
	"github.com/chmdznr/instrument-index/internal/notify"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
)

// Outcome statuses.
const (
	StatusInSync             = "in_sync"
	StatusDiscrepanciesFound = "discrepancies_found"
	StatusFailed             = "failed"
)

// DefaultSampleLimit is the number of sample keys listed per category.
const DefaultSampleLimit = 20

// osArtifacts are file names desktop systems leave behind in synced folders.
var osArtifacts = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
	".localized":  true,
}

// IsArtifact reports whether key is a directory marker or an OS artifact.
func IsArtifact(key string) bool {
	if strings.HasSuffix(key, "/") {
		return true
	}
	name := path.Base(key)
	return osArtifacts[name] || strings.HasPrefix(name, "._")
}

// Failure wraps an error that stopped a run before its report was complete.
type Failure struct {
	RunID string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("reconciliation %s failed: %v", f.RunID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Notifier delivers a message and names the channel that accepted it.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) (string, error)
}

// Config lists the collaborators of an Engine.
type Config struct {
	Store    objstore.Store
	Index    index.Index
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// DataRoot is the listed prefix, pathcodec.DataRoot by default.
	DataRoot      string
	SampleLimit   int
	SubjectPrefix string
	Now           func() time.Time
}

// Outcome is the result of one run.
type Outcome struct {
	RunID           string        `json:"run_id"`
	Status          string        `json:"status"`
	StoreCount      int           `json:"store_count"`
	IndexCount      int           `json:"index_count"`
	OrphanedInStore []string      `json:"orphaned_in_store"`
	OrphanedInIndex []string      `json:"orphaned_in_index"`
	Report          string        `json:"-"`
	NotifiedVia     string        `json:"notified_via,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// InSync reports whether no discrepancy was found.
func (o *Outcome) InSync() bool { return o.Status == StatusInSync }

// Engine runs reconciliations.
type Engine struct {
	cfg Config
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Index == nil {
		return nil, errors.New("reconcile: store and index are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = pathcodec.DataRoot
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultSampleLimit
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "[instidx]"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}, nil
}

// Run performs one reconciliation.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{RunID: uuid.NewString(), StartedAt: e.cfg.Now()}
	logger := e.cfg.Logger.With("reconcile_run", out.RunID)
	logger.Info("starting reconciliation", "data_root", e.cfg.DataRoot)

	if err := e.compare(ctx, logger, out); err != nil {
		out.Status = StatusFailed
		out.Duration = time.Since(out.StartedAt)
		e.cfg.Metrics.ReconcileRun(StatusFailed, out.Duration, 0, 0)
		logger.Error("reconciliation failed", "err", err)
		failure := &Failure{RunID: out.RunID, Err: err}
		e.notify(ctx, logger, notify.Message{
			Subject: e.cfg.SubjectPrefix + " Reconciliation ERROR",
			Body:    errorReport(out.RunID, e.cfg.Now(), err),
		})
		return out, failure
	}

	if len(out.OrphanedInStore) == 0 && len(out.OrphanedInIndex) == 0 {
		out.Status = StatusInSync
		logger.Info("store and index are in sync", "objects", out.StoreCount)
	} else {
		out.Status = StatusDiscrepanciesFound
		total := len(out.OrphanedInStore) + len(out.OrphanedInIndex)
		out.NotifiedVia = e.notify(ctx, logger, notify.Message{
			Subject: fmt.Sprintf("%s Reconciliation: %d discrepancies found", e.cfg.SubjectPrefix, total),
			Body:    out.Report,
		})
	}
	out.Duration = time.Since(out.StartedAt)
	e.cfg.Metrics.ReconcileRun(out.Status, out.Duration, len(out.OrphanedInStore), len(out.OrphanedInIndex))
	return out, nil
}

// compare fills the counts, orphan lists and report of out.
func (e *Engine) compare(ctx context.Context, logger *slog.Logger, out *Outcome) error {
	stored := map[string]struct{}{}
	err := e.cfg.Store.List(ctx, e.cfg.DataRoot, func(o models.Object) error {
		if !IsArtifact(o.Key) {
			stored[o.Key] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list store: %w", err)
	}
	logger.Info("listed store", "objects", len(stored))

	tracked := map[string]struct{}{}
	for _, c := range index.Collections {
		err := e.cfg.Index.ScanPhysicalKeys(ctx, c, func(k string) error {
			if k != "" {
				tracked[k] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", c, err)
		}
	}
	logger.Info("scanned index", "keys", len(tracked))

	out.StoreCount = len(stored)
	out.IndexCount = len(tracked)
	out.OrphanedInStore = difference(stored, tracked)
	out.OrphanedInIndex = difference(tracked, stored)
	logger.Info("compared store and index",
		"orphaned_in_store", len(out.OrphanedInStore),
		"orphaned_in_index", len(out.OrphanedInIndex))

	out.Report = renderReport(reportInput{
		RunID:           out.RunID,
		Generated:       e.cfg.Now(),
		StoreCount:      out.StoreCount,
		IndexCount:      out.IndexCount,
		OrphanedInStore: out.OrphanedInStore,
		OrphanedInIndex: out.OrphanedInIndex,
		SampleLimit:     e.cfg.SampleLimit,
	})
	return nil
}

// notify sends msg and returns the accepting channel, or "" when delivery
// failed. Delivery failures never fail the run.
func (e *Engine) notify(ctx context.Context, logger *slog.Logger, msg notify.Message) string {
	if e.cfg.Notifier == nil {
		logger.Warn("no notifier configured", "subject", msg.Subject)
		return ""
	}
	via, err := e.cfg.Notifier.Send(ctx, msg)
	if err != nil {
		logger.Error("failed to deliver reconciliation notification", "err", err)
		return ""
	}
	return via
}

// difference returns the sorted keys of a that are not in b.
func difference(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
