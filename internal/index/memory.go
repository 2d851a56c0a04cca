package index

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// MemoryIndex keeps records in maps guarded by a mutex. It backs tests and
// the memory:// DSN.
type MemoryIndex struct {
	mu          sync.Mutex
	opts        Options
	runs        map[string]models.RunRecord
	experiments map[string]models.ExperimentRecord
	files       map[string]models.FileRecord
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex(opts Options) *MemoryIndex {
	return &MemoryIndex{
		opts:        opts.withDefaults(),
		runs:        map[string]models.RunRecord{},
		experiments: map[string]models.ExperimentRecord{},
		files:       map[string]models.FileRecord{},
	}
}

func runKey(runID, instrumentID string) string {
	return runID + "\x00" + instrumentID
}

func experimentKey(experimentID string, lastUpdated int64) string {
	return experimentID + "\x00" + strconv.FormatInt(lastUpdated, 10)
}

func fileKey(experimentID, filePath string) string {
	return experimentID + "\x00" + filePath
}

func (m *MemoryIndex) CommitRun(ctx context.Context, run models.RunRecord, files []models.FileRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := runKey(run.RunID, run.InstrumentID)
	if _, exists := m.runs[k]; exists {
		return false, nil
	}
	m.runs[k] = cloneRun(run)
	for _, f := range files {
		m.files[fileKey(f.ExperimentID, f.FilePath)] = f
	}
	return true, nil
}

func (m *MemoryIndex) PutExperimentIfAbsent(ctx context.Context, rec models.ExperimentRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := experimentKey(rec.ExperimentID, rec.LastUpdated)
	if _, exists := m.experiments[k]; exists {
		return false, nil
	}
	m.experiments[k] = rec
	return true, nil
}

func (m *MemoryIndex) PutFileIfAbsent(ctx context.Context, rec models.FileRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fileKey(rec.ExperimentID, rec.FilePath)
	if _, exists := m.files[k]; exists {
		return false, nil
	}
	m.files[k] = rec
	return true, nil
}

func (m *MemoryIndex) GetRun(_ context.Context, runID, instrumentID string) (*models.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runKey(runID, instrumentID)]
	if !ok {
		return nil, ErrNotFound
	}
	rec = cloneRun(rec)
	return &rec, nil
}

func (m *MemoryIndex) GetExperiment(_ context.Context, experimentID string, lastUpdated int64) (*models.ExperimentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.experiments[experimentKey(experimentID, lastUpdated)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryIndex) GetFile(_ context.Context, experimentID, filePath string) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[fileKey(experimentID, filePath)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryIndex) ScanPhysicalKeys(ctx context.Context, c Collection, fn func(string) error) error {
	if err := validCollection(c); err != nil {
		return err
	}
	return scanPages(ctx, m.opts, "scan "+string(c), func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		m.mu.Lock()
		defer m.mu.Unlock()

		physical := map[string]string{}
		switch c {
		case CollectionRuns:
			for k, r := range m.runs {
				physical[k] = r.PhysicalKey
			}
		case CollectionExperiments:
			for k, e := range m.experiments {
				physical[k] = e.PhysicalKey
			}
		case CollectionFiles:
			for k, f := range m.files {
				physical[k] = f.PhysicalKey
			}
		}
		ids := make([]string, 0, len(physical))
		for k := range physical {
			if k > cursor {
				ids = append(ids, k)
			}
		}
		sort.Strings(ids)
		if len(ids) > limit {
			ids = ids[:limit]
		}
		keys := make([]string, len(ids))
		next := ""
		for i, id := range ids {
			keys[i] = physical[id]
			next = id
		}
		return keys, next, nil
	}, fn)
}

func (m *MemoryIndex) Stats(_ context.Context) (*models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s models.Stats
	for _, r := range m.runs {
		s.Runs++
		s.RunBytes += r.TotalBytes
	}
	s.Experiments = int64(len(m.experiments))
	for _, f := range m.files {
		s.Files++
		s.FileBytes += f.SizeBytes
		if f.RunID == models.RunIDFromExperiment {
			s.ExpSourcedFiles++
		} else {
			s.RunSourcedFiles++
		}
	}
	return &s, nil
}

func (m *MemoryIndex) Close() error { return nil }

func cloneRun(r models.RunRecord) models.RunRecord {
	r.StaffNames = append([]string(nil), r.StaffNames...)
	return r
}
