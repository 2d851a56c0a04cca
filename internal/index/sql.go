package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/chmdznr/instrument-index/pkg/models"
)

const sqlOperationTimeout = 10 * time.Second

var (
	runColumns = []string{
		"run_id", "instrument_id", "computer_name", "sync_timestamp", "date",
		"files_count", "total_bytes", "staff_names", "s3_key", "s3_bucket",
		"processing_status", "processed_at",
	}
	experimentColumns = []string{
		"experiment_id", "last_updated", "experiment_folder", "staff_name",
		"instrument_id", "computer_name", "created_at", "update_count",
		"file_count", "total_bytes", "s3_location", "s3_experiment_json_key",
		"s3_bucket", "auto_detected", "sync_version", "parameters",
	}
	fileColumns = []string{
		"experiment_id", "file_path", "file_name", "file_type", "s3_key",
		"s3_bucket", "file_size_bytes", "checksum_sha256", "uploaded_at",
		"modified_at", "run_id", "staff_name", "instrument_id", "is_update",
	}
	fileConflict = []string{"experiment_id", "file_path"}

	physicalKeyColumn = map[Collection]string{
		CollectionRuns:        "s3_key",
		CollectionExperiments: "s3_experiment_json_key",
		CollectionFiles:       "s3_key",
	}
)

// dialect captures the statement differences between SQL engines.
type dialect struct {
	name string
	// placeholder returns the bind marker for the i-th (1-based) argument.
	placeholder  func(i int) string
	insertIgnore func(table string, cols []string) string
	upsert       func(table string, cols, conflict []string) string
	transient    func(err error) bool
}

func (d dialect) marks(from, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.placeholder(from + i)
	}
	return strings.Join(out, ", ")
}

// SQLIndex implements Index on database/sql.
type SQLIndex struct {
	db     *sql.DB
	d      dialect
	prefix string
	opts   Options
}

func (s *SQLIndex) table(c Collection) string {
	return s.prefix + string(c)
}

func (s *SQLIndex) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (s.d.transient != nil && s.d.transient(err)) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("index %s: %w", op, err)
}

func runArgs(r models.RunRecord) ([]any, error) {
	staff, err := json.Marshal(r.StaffNames)
	if err != nil {
		return nil, err
	}
	return []any{
		r.RunID, r.InstrumentID, r.ComputerName, r.SyncTimestamp, r.Date,
		r.FilesCount, r.TotalBytes, string(staff), r.PhysicalKey, r.Bucket,
		r.ProcessingStatus, r.ProcessedAt,
	}, nil
}

func experimentArgs(e models.ExperimentRecord) ([]any, error) {
	var params sql.NullString
	if e.Parameters != nil {
		data, err := json.Marshal(e.Parameters)
		if err != nil {
			return nil, err
		}
		params = sql.NullString{String: string(data), Valid: true}
	}
	return []any{
		e.ExperimentID, e.LastUpdated, e.ExperimentFolder, e.StaffName,
		e.InstrumentID, e.ComputerName, e.CreatedAt, e.UpdateCount,
		e.FileCount, e.TotalBytes, e.Location, e.PhysicalKey,
		e.Bucket, e.AutoDetected, e.SyncVersion, params,
	}, nil
}

func fileArgs(f models.FileRecord) []any {
	return []any{
		f.ExperimentID, f.FilePath, f.FileName, f.FileType, f.PhysicalKey,
		f.Bucket, f.SizeBytes, f.ChecksumSHA256, f.UploadedAt,
		f.ModifiedAt, f.RunID, f.StaffName, f.InstrumentID, f.IsUpdate,
	}
}

// CommitRun inserts the run and bulk-writes its files in one transaction.
func (s *SQLIndex) CommitRun(ctx context.Context, run models.RunRecord, files []models.FileRecord) (bool, error) {
	args, err := runArgs(run)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.classify("commit run", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.d.insertIgnore(s.table(CollectionRuns), runColumns), args...)
	if err != nil {
		return false, s.classify("insert run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify("insert run", err)
	}
	if n == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx, s.d.upsert(s.table(CollectionFiles), fileColumns, fileConflict))
	if err != nil {
		return false, s.classify("prepare files", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, fileArgs(f)...); err != nil {
			return false, s.classify("write file "+f.FilePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, s.classify("commit run", err)
	}
	return true, nil
}

func (s *SQLIndex) insertIfAbsent(ctx context.Context, op string, c Collection, cols []string, args []any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.d.insertIgnore(s.table(c), cols), args...)
	if err != nil {
		return false, s.classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify(op, err)
	}
	return n > 0, nil
}

func (s *SQLIndex) PutExperimentIfAbsent(ctx context.Context, rec models.ExperimentRecord) (bool, error) {
	args, err := experimentArgs(rec)
	if err != nil {
		return false, err
	}
	return s.insertIfAbsent(ctx, "insert experiment", CollectionExperiments, experimentColumns, args)
}

func (s *SQLIndex) PutFileIfAbsent(ctx context.Context, rec models.FileRecord) (bool, error) {
	return s.insertIfAbsent(ctx, "insert file", CollectionFiles, fileColumns, fileArgs(rec))
}

func (s *SQLIndex) selectQuery(c Collection, cols []string, where ...string) string {
	conds := make([]string, len(where))
	for i, w := range where {
		conds[i] = w + " = " + s.d.placeholder(i+1)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), s.table(c), strings.Join(conds, " AND "))
}

func (s *SQLIndex) GetRun(ctx context.Context, runID, instrumentID string) (*models.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var r models.RunRecord
	var staff string
	err := s.db.QueryRowContext(ctx, s.selectQuery(CollectionRuns, runColumns, "run_id", "instrument_id"), runID, instrumentID).Scan(
		&r.RunID, &r.InstrumentID, &r.ComputerName, &r.SyncTimestamp, &r.Date,
		&r.FilesCount, &r.TotalBytes, &staff, &r.PhysicalKey, &r.Bucket,
		&r.ProcessingStatus, &r.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get run", err)
	}
	if err := json.Unmarshal([]byte(staff), &r.StaffNames); err != nil {
		return nil, fmt.Errorf("decode staff names of run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *SQLIndex) GetExperiment(ctx context.Context, experimentID string, lastUpdated int64) (*models.ExperimentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var e models.ExperimentRecord
	var params sql.NullString
	err := s.db.QueryRowContext(ctx, s.selectQuery(CollectionExperiments, experimentColumns, "experiment_id", "last_updated"), experimentID, lastUpdated).Scan(
		&e.ExperimentID, &e.LastUpdated, &e.ExperimentFolder, &e.StaffName,
		&e.InstrumentID, &e.ComputerName, &e.CreatedAt, &e.UpdateCount,
		&e.FileCount, &e.TotalBytes, &e.Location, &e.PhysicalKey,
		&e.Bucket, &e.AutoDetected, &e.SyncVersion, &params,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get experiment", err)
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &e.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of experiment %s: %w", experimentID, err)
		}
	}
	return &e, nil
}

func (s *SQLIndex) GetFile(ctx context.Context, experimentID, filePath string) (*models.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var f models.FileRecord
	err := s.db.QueryRowContext(ctx, s.selectQuery(CollectionFiles, fileColumns, "experiment_id", "file_path"), experimentID, filePath).Scan(
		&f.ExperimentID, &f.FilePath, &f.FileName, &f.FileType, &f.PhysicalKey,
		&f.Bucket, &f.SizeBytes, &f.ChecksumSHA256, &f.UploadedAt,
		&f.ModifiedAt, &f.RunID, &f.StaffName, &f.InstrumentID, &f.IsUpdate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get file", err)
	}
	return &f, nil
}

// ScanPhysicalKeys pages through the distinct physical keys of c in key order.
func (s *SQLIndex) ScanPhysicalKeys(ctx context.Context, c Collection, fn func(string) error) error {
	if err := validCollection(c); err != nil {
		return err
	}
	col := physicalKeyColumn[c]
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s > %s ORDER BY %s LIMIT %s",
		col, s.table(c), col, s.d.placeholder(1), col, s.d.placeholder(2))
	op := "scan " + string(c)

	return scanPages(ctx, s.opts, op, func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		rows, err := s.db.QueryContext(ctx, query, cursor, limit)
		if err != nil {
			return nil, "", s.classify(op, err)
		}
		defer rows.Close()

		keys := make([]string, 0, limit)
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return nil, "", s.classify(op, err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			return nil, "", s.classify(op, err)
		}
		next := ""
		if len(keys) > 0 {
			next = keys[len(keys)-1]
		}
		return keys, next, nil
	}, fn)
}

// Stats returns record counts and sizes per collection.
func (s *SQLIndex) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var stats models.Stats
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(total_bytes), 0) FROM %s
	`, s.table(CollectionRuns))).Scan(&stats.Runs, &stats.RunBytes)
	if err != nil {
		return nil, s.classify("stats", err)
	}

	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
	`, s.table(CollectionExperiments))).Scan(&stats.Experiments)
	if err != nil {
		return nil, s.classify("stats", err)
	}

	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) as total_files,
			COALESCE(SUM(file_size_bytes), 0) as total_size,
			COUNT(CASE WHEN run_id = %[2]s THEN 1 END) as experiment_files
		FROM %[1]s
	`, s.table(CollectionFiles), s.d.placeholder(1)), models.RunIDFromExperiment).Scan(
		&stats.Files,
		&stats.FileBytes,
		&stats.ExpSourcedFiles,
	)
	if err != nil {
		return nil, s.classify("stats", err)
	}
	stats.RunSourcedFiles = stats.Files - stats.ExpSourcedFiles
	return &stats, nil
}

func (s *SQLIndex) Close() error {
	return s.db.Close()
}
