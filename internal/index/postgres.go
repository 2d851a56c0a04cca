package index

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
}

func init() {
	postgresDialect.insertIgnore = func(table string, cols []string) string {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			table, strings.Join(cols, ", "), postgresDialect.marks(1, len(cols)))
	}
	postgresDialect.upsert = func(table string, cols, conflict []string) string {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			table, strings.Join(cols, ", "), postgresDialect.marks(1, len(cols)),
			strings.Join(conflict, ", "), strings.Join(sets, ", "))
	}
	postgresDialect.transient = func(err error) bool {
		if errors.Is(err, driver.ErrBadConn) {
			return true
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Class() {
			// connection exception, insufficient resources, operator intervention
			case "08", "53", "57":
				return true
			}
			// serialization_failure, deadlock_detected
			return pqErr.Code == "40001" || pqErr.Code == "40P01"
		}
		return false
	}
}

// NewPostgresIndex connects to PostgreSQL and creates the tables, named with
// the given prefix, if they are missing.
func NewPostgresIndex(ctx context.Context, dsn, prefix string, opts Options) (*SQLIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres index: empty dsn")
	}
	opts = opts.withDefaults()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres index: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres index: %w", err)
	}

	idx := &SQLIndex{db: db, d: postgresDialect, prefix: prefix, opts: opts}
	if err := idx.initializePostgres(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLIndex) initializePostgres(ctx context.Context) error {
	runs := s.table(CollectionRuns)
	experiments := s.table(CollectionExperiments)
	files := s.table(CollectionFiles)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			computer_name TEXT,
			sync_timestamp BIGINT,
			date TEXT,
			files_count INTEGER,
			total_bytes BIGINT,
			staff_names TEXT,
			s3_key TEXT NOT NULL,
			s3_bucket TEXT,
			processing_status TEXT,
			processed_at BIGINT,
			PRIMARY KEY (run_id, instrument_id)
		)`, pq.QuoteIdentifier(runs)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			experiment_id TEXT NOT NULL,
			last_updated BIGINT NOT NULL,
			experiment_folder TEXT,
			staff_name TEXT,
			instrument_id TEXT,
			computer_name TEXT,
			created_at BIGINT,
			update_count INTEGER,
			file_count INTEGER,
			total_bytes BIGINT,
			s3_location TEXT,
			s3_experiment_json_key TEXT NOT NULL,
			s3_bucket TEXT,
			auto_detected BOOLEAN,
			sync_version TEXT,
			parameters TEXT,
			PRIMARY KEY (experiment_id, last_updated)
		)`, pq.QuoteIdentifier(experiments)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			experiment_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT,
			file_type TEXT,
			s3_key TEXT NOT NULL,
			s3_bucket TEXT,
			file_size_bytes BIGINT,
			checksum_sha256 TEXT,
			uploaded_at BIGINT,
			modified_at BIGINT,
			run_id TEXT,
			staff_name TEXT,
			instrument_id TEXT,
			is_update BOOLEAN,
			PRIMARY KEY (experiment_id, file_path)
		)`, pq.QuoteIdentifier(files)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (s3_key)`,
			pq.QuoteIdentifier("idx_"+runs+"_s3_key"), pq.QuoteIdentifier(runs)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (s3_experiment_json_key)`,
			pq.QuoteIdentifier("idx_"+experiments+"_s3_key"), pq.QuoteIdentifier(experiments)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (s3_key)`,
			pq.QuoteIdentifier("idx_"+files+"_s3_key"), pq.QuoteIdentifier(files)),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create postgres schema: %w", err)
		}
	}
	return nil
}
