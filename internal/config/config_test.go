package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instidx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  dsn: s3://minio.lab:9000/lab-data
index:
  dsn: badger:///var/lib/instidx
reconcile:
  page_timeout: 45s
  interval: 168h
notify:
  smtp_addr: mail.lab:587
  smtp_from: index@lab
  smtp_to: [ops@lab]
log:
  format: json
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "s3://minio.lab:9000/lab-data", cfg.Store.DSN)
	assert.Equal(t, "raw/", cfg.Store.DataRoot)
	assert.Equal(t, "badger:///var/lib/instidx", cfg.Index.DSN)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.PageTimeout)
	assert.Equal(t, 168*time.Hour, cfg.Reconcile.Interval)
	assert.Equal(t, 20, cfg.Reconcile.SampleLimit)
	assert.Equal(t, []string{"ops@lab"}, cfg.Notify.SMTPTo)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"INSTIDX_INDEX_DSN":                "memory://",
		"INSTIDX_BACKFILL_WORKERS":         "4",
		"INSTIDX_RECONCILE_INTERVAL":       "1h",
		"INSTIDX_INGEST_STRICT_TIMESTAMPS": "true",
		"INSTIDX_NOTIFY_SMTP_TO":           "a@lab, b@lab,",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "memory://", cfg.Index.DSN)
	assert.Equal(t, 4, cfg.Backfill.Workers)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
	assert.True(t, cfg.Ingest.StrictTimestamps)
	assert.Equal(t, []string{"a@lab", "b@lab"}, cfg.Notify.SMTPTo)
}

func TestEnvOverrideErrors(t *testing.T) {
	for k, v := range map[string]string{
		"INSTIDX_INGEST_WORKERS":           "many",
		"INSTIDX_RECONCILE_PAGE_TIMEOUT":   "soon",
		"INSTIDX_INGEST_STRICT_TIMESTAMPS": "perhaps",
	} {
		cfg := Default()
		err := cfg.applyEnv(func(key string) (string, bool) {
			if key == k {
				return v, true
			}
			return "", false
		})
		assert.ErrorContains(t, err, k)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing store", func(c *Config) { c.Store.DSN = "" }, "Store.DSN"},
		{"missing index", func(c *Config) { c.Index.DSN = "" }, "Index.DSN"},
		{"workers", func(c *Config) { c.Backfill.Workers = 0 }, "Backfill.Workers"},
		{"ingest workers", func(c *Config) { c.Ingest.Workers = -1 }, "Ingest.Workers"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "Log.Level"},
		{"smtp without sender", func(c *Config) { c.Notify.SMTPAddr = "mail.lab:25" }, "Notify.SMTPFrom"},
		{"smtp addr", func(c *Config) {
			c.Notify.SMTPAddr = "mail.lab"
			c.Notify.SMTPFrom = "a@lab"
			c.Notify.SMTPTo = []string{"b@lab"}
		}, "Notify.SMTPAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
