// Package backfill replays ingestion for manifests that are already in the
// object store, such as data synced before notifications were configured.
package backfill

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
	"github.com/chmdznr/instrument-index/pkg/utils"
)

// FileType selects which manifests are replayed.
type FileType string

const (
	TypeAll        FileType = "all"
	TypeRun        FileType = "run"
	TypeExperiment FileType = "experiment"
)

// DryRunLimit is how many candidates a dry run lists.
const DryRunLimit = 20

// ParseFileType validates s.
func ParseFileType(s string) (FileType, error) {
	switch t := FileType(s); t {
	case TypeAll, TypeRun, TypeExperiment:
		return t, nil
	case "":
		return TypeAll, nil
	}
	return "", fmt.Errorf("unknown file type %q (want all, run or experiment)", s)
}

func (t FileType) matches(key string) bool {
	switch t {
	case TypeRun:
		return pathcodec.IsRunManifest(key)
	case TypeExperiment:
		return pathcodec.IsExperimentManifest(key)
	default:
		return pathcodec.IsRunManifest(key) || pathcodec.IsExperimentManifest(key)
	}
}

// Find lists the manifests under prefix that match t.
func Find(ctx context.Context, store objstore.Store, prefix string, t FileType) ([]models.Object, error) {
	var found []models.Object
	err := store.List(ctx, prefix, func(o models.Object) error {
		if t.matches(o.Key) {
			found = append(found, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return found, nil
}

// Counts returns how many of objs are run and experiment manifests.
func Counts(objs []models.Object) (runs, experiments int) {
	for _, o := range objs {
		switch {
		case pathcodec.IsRunManifest(o.Key):
			runs++
		case pathcodec.IsExperimentManifest(o.Key):
			experiments++
		}
	}
	return runs, experiments
}

// PrintDryRun lists the first DryRunLimit candidates.
func PrintDryRun(w io.Writer, objs []models.Object) {
	fmt.Fprintln(w, "Dry run - listing files:")
	for i, o := range objs {
		if i == DryRunLimit {
			fmt.Fprintf(w, "  ... and %d more\n", len(objs)-DryRunLimit)
			break
		}
		fmt.Fprintf(w, "  %s (%s bytes)\n", o.Key, humanize.Comma(o.Size))
	}
}

// Processor ingests one notification.
type Processor interface {
	Process(ctx context.Context, n models.Notification) error
}

// Failure is one key that could not be processed.
type Failure struct {
	Key string
	Err error
}

// Summary reports a finished backfill.
type Summary struct {
	Total    int
	Success  int
	Errors   int
	Failures []Failure
	Duration time.Duration
}

// Throughput is processed manifests per second.
func (s Summary) Throughput() float64 {
	return utils.Throughput(s.Total, s.Duration)
}

// Runner fans candidates out to a Processor.
type Runner struct {
	Processor Processor
	Workers   int
	// Out receives per-key lines, or the progress bar when Progress is set.
	Out      io.Writer
	Progress bool
}

// Run processes every object in objs. It stops early only when ctx is
// cancelled; per-key errors are collected in the summary.
func (r *Runner) Run(ctx context.Context, bucket string, objs []models.Object) Summary {
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}

	var bar *pb.ProgressBar
	if r.Progress {
		bar = pb.New(len(objs))
		bar.SetWriter(out)
		bar.SetTemplate(`Backfill {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
		bar.Start()
	}

	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	var (
		mu   sync.Mutex
		done int
		sum  = Summary{Total: len(objs)}
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, o := range objs {
		if gctx.Err() != nil {
			break
		}
		o := o
		g.Go(func() error {
			err := r.Processor.Process(gctx, models.Notification{Bucket: bucket, Key: o.Key})

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				sum.Errors++
				sum.Failures = append(sum.Failures, Failure{Key: o.Key, Err: err})
			} else {
				sum.Success++
			}
			if bar != nil {
				bar.Increment()
				return nil
			}
			if err != nil {
				bad.Fprintf(out, "  [%d/%d] ✗ %s: %v\n", done, len(objs), o.Key, err)
			} else {
				ok.Fprintf(out, "  [%d/%d] ✓ %s\n", done, len(objs), o.Key)
			}
			if done%10 == 0 {
				fmt.Fprintf(out, "  Progress: %d/%d (%d success, %d errors)\n", done, len(objs), sum.Success, sum.Errors)
			}
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		bar.Finish()
	}

	sort.Slice(sum.Failures, func(i, j int) bool { return sum.Failures[i].Key < sum.Failures[j].Key })
	sum.Duration = time.Since(start)
	return sum
}

// PrintSummary writes the closing report of a backfill.
func PrintSummary(w io.Writer, s Summary) {
	rule := "============================================================"
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Backfill Complete!")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total files: %d\n", s.Total)
	color.New(color.FgGreen).Fprintf(w, "✓ Success: %d\n", s.Success)
	color.New(color.FgRed).Fprintf(w, "✗ Errors: %d\n", s.Errors)
	fmt.Fprintf(w, "Duration: %s\n", utils.FormatDuration(s.Duration))
	fmt.Fprintf(w, "Throughput: %.1f files/second\n", s.Throughput())
	for i, f := range s.Failures {
		if i == DryRunLimit {
			fmt.Fprintf(w, "  ... and %d more failures\n", len(s.Failures)-DryRunLimit)
			break
		}
		fmt.Fprintf(w, "  %s: %v\n", f.Key, f.Err)
	}
	fmt.Fprintln(w, rule)
}
