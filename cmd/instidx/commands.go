package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/instrument-index/internal/archive"
	"github.com/chmdznr/instrument-index/internal/backfill"
	"github.com/chmdznr/instrument-index/internal/ingest"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/internal/reconcile"
	"github.com/chmdznr/instrument-index/internal/server"
	"github.com/chmdznr/instrument-index/internal/watch"
	"github.com/chmdznr/instrument-index/pkg/models"
	"github.com/chmdznr/instrument-index/pkg/utils"
)

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runIngest(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.orchestrator()
	if err != nil {
		return err
	}

	var result ingest.Result
	switch {
	case c.String("event") != "":
		raw, err := readEvent(c.String("event"))
		if err != nil {
			return err
		}
		result, err = orch.HandleEvent(c.Context, raw)
		if err != nil {
			return err
		}
	case c.NArg() > 0:
		batch := make([]models.Notification, 0, c.NArg())
		for _, key := range c.Args().Slice() {
			batch = append(batch, models.Notification{Bucket: e.store.Bucket(), Key: key})
		}
		result = orch.Process(c.Context, batch)
	default:
		return errors.New("either --event or at least one key is required")
	}
	return printJSON(result)
}

func readEvent(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	return raw, nil
}

func runServe(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.orchestrator()
	if err != nil {
		return err
	}
	addr := e.cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	ctx, stop := signalContext(c.Context)
	defer stop()
	return server.New(orch, e.metrics.Handler(), e.logger).ListenAndServe(ctx, addr)
}

func runWatch(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	local, ok := e.store.(*objstore.LocalStore)
	if !ok {
		return fmt.Errorf("watch needs a file:// store, got %s", e.cfg.Store.DSN)
	}
	orch, err := e.orchestrator()
	if err != nil {
		return err
	}
	w, err := watch.New(local, orch, watch.Options{Debounce: c.Duration("debounce"), Logger: e.logger})
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()
	e.logger.Info("watching for manifests", "root", local.Root())
	return w.Run(ctx)
}

func runReconcile(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	chain, err := e.notifier()
	if err != nil {
		return err
	}
	engine, err := reconcile.New(reconcile.Config{
		Store:         e.store,
		Index:         e.index,
		Notifier:      chain,
		Logger:        e.logger,
		Metrics:       e.metrics,
		DataRoot:      e.cfg.Store.DataRoot,
		SampleLimit:   e.cfg.Reconcile.SampleLimit,
		SubjectPrefix: e.cfg.Notify.SubjectPrefix,
	})
	if err != nil {
		return err
	}
	e.logger.Debug("notification chain", "channels", joinNames(chain.Channels()))

	interval := e.cfg.Reconcile.Interval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	once := func() error {
		out, err := engine.Run(ctx)
		if out != nil && out.Report != "" {
			fmt.Println(out.Report)
		}
		if err != nil {
			return err
		}
		if path := c.String("xlsx"); path != "" {
			if err := reconcile.WriteXLSX(path, out); err != nil {
				return err
			}
			fmt.Printf("Orphan lists written to %s\n", path)
		}
		return nil
	}

	if interval <= 0 {
		return once()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := once(); err != nil {
			// A scheduled loop keeps going; the failure was already notified.
			e.logger.Error("scheduled reconciliation failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runBackfill(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	fileType, err := backfill.ParseFileType(c.String("type"))
	if err != nil {
		return err
	}
	workers := e.cfg.Backfill.Workers
	if c.IsSet("workers") {
		workers = c.Int("workers")
	}
	target := c.String("processor")

	rule := strings.Repeat("=", 60)
	fmt.Println(rule)
	fmt.Println("Index Backfill")
	fmt.Println(rule)
	fmt.Printf("Store: %s (%s)\n", e.cfg.Store.DSN, c.String("prefix"))
	fmt.Printf("Processor: %s\n", target)
	fmt.Printf("Workers: %d\n", workers)
	fmt.Printf("File type: %s\n", fileType)
	fmt.Println(rule)

	objs, err := backfill.Find(c.Context, e.store, c.String("prefix"), fileType)
	if err != nil {
		return err
	}
	runs, exps := backfill.Counts(objs)
	fmt.Printf("\nFound %d files to process:\n", len(objs))
	fmt.Printf("  - %d run.json files\n", runs)
	fmt.Printf("  - %d experiment.json files\n", exps)
	if len(objs) == 0 {
		return nil
	}

	if c.Bool("dry-run") {
		fmt.Println()
		backfill.PrintDryRun(os.Stdout, objs)
		return nil
	}

	var processor backfill.Processor
	if target == "local" {
		orch, err := e.orchestrator()
		if err != nil {
			return err
		}
		processor = backfill.LocalProcessor{Ingest: orch}
	} else if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		processor = backfill.NewHTTPProcessor(target)
	} else {
		return fmt.Errorf("unknown processor %q (want local or an http(s) URL)", target)
	}

	if !c.Bool("yes") {
		fmt.Println()
		ok, err := backfill.Confirm(os.Stdout, fmt.Sprintf("This will ingest %d manifests. Continue?", len(objs)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	ctx, stop := signalContext(c.Context)
	defer stop()
	fmt.Printf("\nProcessing %d files with %d workers...\n", len(objs), workers)
	runner := &backfill.Runner{Processor: processor, Workers: workers, Out: os.Stdout, Progress: c.Bool("progress")}
	summary := runner.Run(ctx, e.store.Bucket(), objs)
	backfill.PrintSummary(os.Stdout, summary)
	if summary.Errors > 0 {
		return cli.Exit(fmt.Sprintf("%d manifests failed", summary.Errors), 1)
	}
	return nil
}

func runArchive(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one key is required")
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	p := &archive.Packager{Store: e.store, Logger: e.logger}
	res, err := p.Create(c.Context, c.String("name"), c.Args().Slice())
	if err != nil {
		if res != nil {
			for _, ke := range res.Errors {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", ke.Key, ke.Err)
			}
		}
		return err
	}
	return printJSON(res)
}

func runStatus(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.index.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Store: %s\n", e.cfg.Store.DSN)
	fmt.Printf("Index: %s\n", e.cfg.Index.DSN)
	fmt.Printf("Runs: %d (Size: %s)\n", stats.Runs, utils.FormatSize(stats.RunBytes))
	fmt.Printf("Experiments: %d\n", stats.Experiments)
	fmt.Printf("Files: %d (Size: %s)\n", stats.Files, utils.FormatSize(stats.FileBytes))
	fmt.Printf("  From run manifests: %d\n", stats.RunSourcedFiles)
	fmt.Printf("  From experiment descriptors only: %d\n", stats.ExpSourcedFiles)
	if stats.Files > 0 {
		fmt.Printf("Coverage: %.2f%% of files confirmed by a run manifest\n",
			float64(stats.RunSourcedFiles)/float64(stats.Files)*100)
	}
	return nil
}
