package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/chmdznr/instrument-index/pkg/models"
)

const badgerConflictRetries = 3

var collectionPrefix = map[Collection][]byte{
	CollectionRuns:        []byte("r\x00"),
	CollectionExperiments: []byte("e\x00"),
	CollectionFiles:       []byte("f\x00"),
}

// BadgerConfig configures a BadgerIndex.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerIndex stores records as JSON values in an embedded BadgerDB.
type BadgerIndex struct {
	db   *badger.DB
	opts Options
}

// NewBadgerIndex opens the database described by cfg.
func NewBadgerIndex(cfg BadgerConfig, opts Options) (*BadgerIndex, error) {
	opts = opts.withDefaults()
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent badger index")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: opts.Logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}
	return &BadgerIndex{db: db, opts: opts}, nil
}

func recordKey(c Collection, id string) []byte {
	p := collectionPrefix[c]
	k := make([]byte, 0, len(p)+len(id))
	return append(append(k, p...), id...)
}

func (b *BadgerIndex) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		b.opts.Logger.Debug("badger transaction conflict", "op", op, "attempt", attempt+1)
	}
	if errors.Is(err, badger.ErrConflict) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (b *BadgerIndex) CommitRun(ctx context.Context, run models.RunRecord, files []models.FileRecord) (bool, error) {
	inserted := false
	err := b.update(ctx, "commit run", func(txn *badger.Txn) error {
		inserted = false
		key := recordKey(CollectionRuns, runKey(run.RunID, run.InstrumentID))
		found, err := exists(txn, key)
		if err != nil || found {
			return err
		}
		if err := setJSON(txn, key, run); err != nil {
			return err
		}
		for _, f := range files {
			if err := setJSON(txn, recordKey(CollectionFiles, fileKey(f.ExperimentID, f.FilePath)), f); err != nil {
				return fmt.Errorf("write file %s: %w", f.FilePath, err)
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (b *BadgerIndex) putIfAbsent(ctx context.Context, op string, key []byte, v any) (bool, error) {
	inserted := false
	err := b.update(ctx, op, func(txn *badger.Txn) error {
		inserted = false
		found, err := exists(txn, key)
		if err != nil || found {
			return err
		}
		if err := setJSON(txn, key, v); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (b *BadgerIndex) PutExperimentIfAbsent(ctx context.Context, rec models.ExperimentRecord) (bool, error) {
	return b.putIfAbsent(ctx, "insert experiment",
		recordKey(CollectionExperiments, experimentKey(rec.ExperimentID, rec.LastUpdated)), rec)
}

func (b *BadgerIndex) PutFileIfAbsent(ctx context.Context, rec models.FileRecord) (bool, error) {
	return b.putIfAbsent(ctx, "insert file",
		recordKey(CollectionFiles, fileKey(rec.ExperimentID, rec.FilePath)), rec)
}

func (b *BadgerIndex) get(ctx context.Context, key []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (b *BadgerIndex) GetRun(ctx context.Context, runID, instrumentID string) (*models.RunRecord, error) {
	var r models.RunRecord
	if err := b.get(ctx, recordKey(CollectionRuns, runKey(runID, instrumentID)), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (b *BadgerIndex) GetExperiment(ctx context.Context, experimentID string, lastUpdated int64) (*models.ExperimentRecord, error) {
	var e models.ExperimentRecord
	if err := b.get(ctx, recordKey(CollectionExperiments, experimentKey(experimentID, lastUpdated)), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *BadgerIndex) GetFile(ctx context.Context, experimentID, filePath string) (*models.FileRecord, error) {
	var f models.FileRecord
	if err := b.get(ctx, recordKey(CollectionFiles, fileKey(experimentID, filePath)), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// physicalKeyOf decodes just the physical key of a stored record.
func physicalKeyOf(c Collection, val []byte) (string, error) {
	switch c {
	case CollectionExperiments:
		var e struct {
			Key string `json:"s3_experiment_json_key"`
		}
		err := json.Unmarshal(val, &e)
		return e.Key, err
	default:
		var r struct {
			Key string `json:"s3_key"`
		}
		err := json.Unmarshal(val, &r)
		return r.Key, err
	}
}

// ScanPhysicalKeys iterates records in key order. The cursor is the last
// record key of the previous page.
func (b *BadgerIndex) ScanPhysicalKeys(ctx context.Context, c Collection, fn func(string) error) error {
	if err := validCollection(c); err != nil {
		return err
	}
	prefix := collectionPrefix[c]
	return scanPages(ctx, b.opts, "scan "+string(c), func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		var keys []string
		next := ""
		err := b.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: limit, Prefix: prefix})
			defer it.Close()

			start := prefix
			if cursor != "" {
				start = []byte(cursor)
			}
			for it.Seek(start); it.ValidForPrefix(prefix) && len(keys) < limit; it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				k := item.KeyCopy(nil)
				if cursor != "" && string(k) == cursor {
					continue
				}
				var physical string
				err := item.Value(func(val []byte) error {
					var derr error
					physical, derr = physicalKeyOf(c, val)
					return derr
				})
				if err != nil {
					return fmt.Errorf("decode %s record %q: %w", c, k, err)
				}
				keys = append(keys, physical)
				next = string(k)
			}
			return nil
		})
		return keys, next, err
	}, fn)
}

func (b *BadgerIndex) Stats(ctx context.Context) (*models.Stats, error) {
	var s models.Stats
	err := b.db.View(func(txn *badger.Txn) error {
		for _, c := range Collections {
			prefix := collectionPrefix[c]
			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				err := it.Item().Value(func(val []byte) error {
					switch c {
					case CollectionRuns:
						var r models.RunRecord
						if err := json.Unmarshal(val, &r); err != nil {
							return err
						}
						s.Runs++
						s.RunBytes += r.TotalBytes
					case CollectionExperiments:
						s.Experiments++
					case CollectionFiles:
						var f models.FileRecord
						if err := json.Unmarshal(val, &f); err != nil {
							return err
						}
						s.Files++
						s.FileBytes += f.SizeBytes
						if f.RunID == models.RunIDFromExperiment {
							s.ExpSourcedFiles++
						} else {
							s.RunSourcedFiles++
						}
					}
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	return &s, nil
}

func (b *BadgerIndex) Close() error {
	return b.db.Close()
}
