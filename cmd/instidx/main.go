package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/instrument-index/internal/backfill"
	"github.com/chmdznr/instrument-index/internal/config"
	"github.com/chmdznr/instrument-index/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "instidx",
		Usage:                "Index instrument data in an object store and keep the index honest",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Object store DSN (file://, s3://, gs://)",
			},
			&cli.StringFlag{
				Name:  "index",
				Usage: "Index DSN (sqlite://, postgres://, badger://, memory://)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:      "ingest",
				Usage:     "Ingest an event payload or a list of manifest keys",
				ArgsUsage: "[key...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "event",
						Usage: "Path to an event JSON file, - for stdin",
					},
				},
				Action: runIngest,
			},
			{
				Name:  "serve",
				Usage: "Serve the ingestion webhook, health check and metrics",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (default from config)",
					},
				},
				Action: runServe,
			},
			{
				Name:  "watch",
				Usage: "Ingest manifests as they are written to a file:// store",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "debounce",
						Usage: "Quiet period before a batch is ingested",
						Value: 500 * time.Millisecond,
					},
				},
				Action: runWatch,
			},
			{
				Name:  "reconcile",
				Usage: "Compare the object store with the index and report drift",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Repeat every interval until interrupted (0 runs once)",
					},
					&cli.StringFlag{
						Name:  "xlsx",
						Usage: "Also write the full orphan lists to this workbook",
					},
				},
				Action: runReconcile,
			},
			{
				Name:  "backfill",
				Usage: "Replay ingestion for manifests already in the store",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Prefix to scan",
						Value: "raw/",
					},
					&cli.StringFlag{
						Name:  "type",
						Usage: "Which manifests to process: all, run or experiment",
						Value: string(backfill.TypeAll),
					},
					&cli.StringFlag{
						Name:  "processor",
						Usage: "local, or the URL of an instidx serve /events endpoint",
						Value: "local",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel workers (default from config)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "List files without processing",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Do not ask for confirmation",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar instead of per-file lines",
					},
				},
				Action: runBackfill,
			},
			{
				Name:      "archive",
				Usage:     "Zip stored objects into downloads/zips/",
				ArgsUsage: "key...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "Archive base name",
						Value: "download.zip",
					},
				},
				Action: runArchive,
			},
			{
				Name:   "status",
				Usage:  "Show index counts",
				Action: runStatus,
			},
		},
	}
}
