package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/instrument-index/internal/config"
	"github.com/chmdznr/instrument-index/internal/index"
	"github.com/chmdznr/instrument-index/internal/ingest"
	"github.com/chmdznr/instrument-index/internal/metrics"
	"github.com/chmdznr/instrument-index/internal/normalize"
	"github.com/chmdznr/instrument-index/internal/notify"
	"github.com/chmdznr/instrument-index/internal/objstore"
)

const pageRetries = 2

// env holds what every command shares.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   objstore.Store
	index   index.Index
	closers []func() error
}

// loadConfig reads the config file and applies global flags on top.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("store") {
		cfg.Store.DSN = c.String("store")
	}
	if c.IsSet("index") {
		cfg.Index.DSN = c.String("index")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// setup opens the store and the index named by the configuration.
func setup(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger, metrics: metrics.New()}
	ctx := c.Context

	e.store, err = objstore.Open(ctx, cfg.Store.DSN, objstore.Options{
		PageSize:    cfg.Index.PageSize,
		PageTimeout: cfg.Reconcile.PageTimeout,
		PageRetries: pageRetries,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	e.index, err = index.Open(ctx, cfg.Index.DSN, index.Options{
		PageSize:    cfg.Index.PageSize,
		PageTimeout: cfg.Reconcile.PageTimeout,
		PageRetries: pageRetries,
		Logger:      logger,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	e.closers = append(e.closers, e.index.Close)
	return e, nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "err", err)
		}
	}
	e.closers = nil
}

func (e *env) orchestrator() (*ingest.Orchestrator, error) {
	return ingest.New(ingest.Config{
		Store:      e.store,
		Index:      e.index,
		Normalizer: normalize.New(e.cfg.Ingest.StrictTimestamps, e.logger),
		Logger:     e.logger,
		Metrics:    e.metrics,
		Workers:    e.cfg.Ingest.Workers,
	})
}

// notifier builds the delivery chain: redis first, then SMTP.
func (e *env) notifier() (*notify.Chain, error) {
	var channels []notify.Channel
	n := e.cfg.Notify
	if n.RedisAddr != "" {
		rc, err := notify.NewRedisChannel(n.RedisAddr, n.RedisPassword, n.RedisChannel)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, rc.Close)
		channels = append(channels, rc)
	}
	if n.SMTPAddr != "" {
		ec, err := notify.NewEmailChannel(notify.EmailConfig{
			Addr:     n.SMTPAddr,
			From:     n.SMTPFrom,
			To:       n.SMTPTo,
			Username: n.SMTPUsername,
			Password: n.SMTPPassword,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, ec)
	}
	if len(channels) == 0 {
		e.logger.Warn("no notification channel configured, reports will only be logged")
	}
	return notify.NewChain(e.logger, e.metrics, channels...), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, " -> ")
}
