// Package config loads instidx settings from a YAML file and INSTIDX_*
// environment variables. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INSTIDX_"

var configValidate = validator.New(validator.WithRequiredStructEnabled())

type Store struct {
	DSN      string `yaml:"dsn" validate:"required"`
	DataRoot string `yaml:"data_root" validate:"required"`
}

type Index struct {
	DSN      string `yaml:"dsn" validate:"required"`
	PageSize int    `yaml:"page_size" validate:"gt=0"`
}

type Ingest struct {
	StrictTimestamps bool `yaml:"strict_timestamps"`
	Workers          int  `yaml:"workers" validate:"gt=0"`
}

type Reconcile struct {
	SampleLimit int           `yaml:"sample_limit" validate:"gt=0"`
	PageTimeout time.Duration `yaml:"page_timeout" validate:"gt=0"`
	// Interval between scheduled runs; zero runs once.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type Notify struct {
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisChannel  string   `yaml:"redis_channel"`
	SMTPAddr      string   `yaml:"smtp_addr" validate:"omitempty,hostname_port"`
	SMTPFrom      string   `yaml:"smtp_from" validate:"required_with=SMTPAddr"`
	SMTPTo        []string `yaml:"smtp_to" validate:"required_with=SMTPAddr"`
	SMTPUsername  string   `yaml:"smtp_username"`
	SMTPPassword  string   `yaml:"smtp_password"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type Backfill struct {
	Workers int `yaml:"workers" validate:"gt=0"`
}

type Server struct {
	Addr string `yaml:"addr" validate:"required"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Config is the full configuration.
type Config struct {
	Store     Store     `yaml:"store"`
	Index     Index     `yaml:"index"`
	Ingest    Ingest    `yaml:"ingest"`
	Reconcile Reconcile `yaml:"reconcile"`
	Notify    Notify    `yaml:"notify"`
	Backfill  Backfill  `yaml:"backfill"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: Store{DSN: "file://./data", DataRoot: "raw/"},
		Index: Index{DSN: "sqlite://instidx.db", PageSize: 1000},
		Ingest: Ingest{
			Workers: 1,
		},
		Reconcile: Reconcile{
			SampleLimit: 20,
			PageTimeout: 30 * time.Second,
		},
		Notify: Notify{
			RedisChannel:  "instidx:reconcile",
			SubjectPrefix: "[instidx]",
		},
		Backfill: Backfill{Workers: 10},
		Server:   Server{Addr: ":8080"},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults (a missing path is allowed when empty)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := map[string]*string{
		"STORE_DSN":             &c.Store.DSN,
		"STORE_DATA_ROOT":       &c.Store.DataRoot,
		"INDEX_DSN":             &c.Index.DSN,
		"NOTIFY_REDIS_ADDR":     &c.Notify.RedisAddr,
		"NOTIFY_REDIS_PASSWORD": &c.Notify.RedisPassword,
		"NOTIFY_REDIS_CHANNEL":  &c.Notify.RedisChannel,
		"NOTIFY_SMTP_ADDR":      &c.Notify.SMTPAddr,
		"NOTIFY_SMTP_FROM":      &c.Notify.SMTPFrom,
		"NOTIFY_SMTP_USERNAME":  &c.Notify.SMTPUsername,
		"NOTIFY_SMTP_PASSWORD":  &c.Notify.SMTPPassword,
		"NOTIFY_SUBJECT_PREFIX": &c.Notify.SubjectPrefix,
		"SERVER_ADDR":           &c.Server.Addr,
		"LOG_LEVEL":             &c.Log.Level,
		"LOG_FORMAT":            &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"INDEX_PAGE_SIZE":        &c.Index.PageSize,
		"INGEST_WORKERS":         &c.Ingest.Workers,
		"RECONCILE_SAMPLE_LIMIT": &c.Reconcile.SampleLimit,
		"BACKFILL_WORKERS":       &c.Backfill.Workers,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"RECONCILE_PAGE_TIMEOUT": &c.Reconcile.PageTimeout,
		"RECONCILE_INTERVAL":     &c.Reconcile.Interval,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "INGEST_STRICT_TIMESTAMPS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sINGEST_STRICT_TIMESTAMPS: %w", EnvPrefix, err)
		}
		c.Ingest.StrictTimestamps = b
	}
	if v, ok := lookup(EnvPrefix + "NOTIFY_SMTP_TO"); ok {
		c.Notify.SMTPTo = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
