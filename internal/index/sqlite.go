package index

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:        "sqlite3",
	placeholder: func(int) string { return "?" },
	insertIgnore: func(table string, cols []string) string {
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	},
	upsert: func(table string, cols, _ []string) string {
		return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	},
	transient: func(err error) bool {
		var se sqlite3.Error
		if errors.As(err, &se) {
			return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
		}
		return errors.Is(err, driver.ErrBadConn)
	},
}

// NewSQLiteIndex opens (or creates) the SQLite database at path. The special
// path ":memory:" keeps everything in a single private connection.
func NewSQLiteIndex(ctx context.Context, path string, opts Options) (*SQLIndex, error) {
	opts = opts.withDefaults()
	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = path + "?_busy_timeout=5000&_txlock=immediate"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index %s: %w", path, err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}

	idx := &SQLIndex{db: sqlDB, d: sqliteDialect, opts: opts}
	if err := idx.initializeSQLite(ctx, memory); err != nil {
		sqlDB.Close()
		return nil, err
	}
	opts.Logger.Debug("sqlite index ready", "path", path)
	return idx, nil
}

// initializeSQLite creates the tables if they don't exist.
func (s *SQLIndex) initializeSQLite(ctx context.Context, memory bool) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			run_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			computer_name TEXT,
			sync_timestamp INTEGER,
			date TEXT,
			files_count INTEGER,
			total_bytes INTEGER,
			staff_names TEXT,
			s3_key TEXT NOT NULL,
			s3_bucket TEXT,
			processing_status TEXT,
			processed_at INTEGER,
			PRIMARY KEY (run_id, instrument_id)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			experiment_id TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			experiment_folder TEXT,
			staff_name TEXT,
			instrument_id TEXT,
			computer_name TEXT,
			created_at INTEGER,
			update_count INTEGER,
			file_count INTEGER,
			total_bytes INTEGER,
			s3_location TEXT,
			s3_experiment_json_key TEXT NOT NULL,
			s3_bucket TEXT,
			auto_detected INTEGER,
			sync_version TEXT,
			parameters TEXT,
			PRIMARY KEY (experiment_id, last_updated)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			experiment_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT,
			file_type TEXT,
			s3_key TEXT NOT NULL,
			s3_bucket TEXT,
			file_size_bytes INTEGER,
			checksum_sha256 TEXT,
			uploaded_at INTEGER,
			modified_at INTEGER,
			run_id TEXT,
			staff_name TEXT,
			instrument_id TEXT,
			is_update INTEGER,
			PRIMARY KEY (experiment_id, file_path)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_s3_key ON %[1]s(s3_key);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_s3_key ON %[2]s(s3_experiment_json_key);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_s3_key ON %[3]s(s3_key);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_run ON %[3]s(run_id);
	`, s.table(CollectionRuns), s.table(CollectionExperiments), s.table(CollectionFiles)))
	if err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	if memory {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
		PRAGMA cache_size=-200000;
	`)
	if err != nil {
		return fmt.Errorf("configure sqlite: %w", err)
	}
	return nil
}
