// Package archive bundles stored objects into a zip for bulk download.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/chmdznr/instrument-index/internal/objstore"
)

// Prefix is where archives are uploaded.
const Prefix = "downloads/zips/"

// ErrNoFiles is returned when none of the requested keys could be added.
var ErrNoFiles = errors.New("no files could be added to the archive")

// KeyError records a key that was left out of an archive.
type KeyError struct {
	Key string `json:"key"`
	Err string `json:"error"`
}

// Result describes an uploaded archive.
type Result struct {
	Key       string     `json:"zip_key"`
	FileCount int        `json:"file_count"`
	Size      int64      `json:"zip_size"`
	Errors    []KeyError `json:"errors,omitempty"`
}

// Packager builds archives from one store and uploads them back to it.
type Packager struct {
	Store  objstore.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Create zips keys under their base names and uploads the archive as
// {Prefix}{name}-{YYYYmmdd-HHMMSS}.zip. Keys that cannot be fetched are
// reported in Result.Errors.
func (p *Packager) Create(ctx context.Context, name string, keys []string) (*Result, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	res := &Result{}
	used := map[string]bool{}

	for _, key := range keys {
		entry := uniqueName(used, path.Base(key))
		if err := p.add(ctx, zw, key, entry, now()); err != nil {
			logger.Warn("skipping archive entry", "key", key, "err", err)
			res.Errors = append(res.Errors, KeyError{Key: key, Err: err.Error()})
			continue
		}
		used[entry] = true
		res.FileCount++
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if res.FileCount == 0 {
		return res, ErrNoFiles
	}

	base := strings.TrimSuffix(name, ".zip")
	if base == "" {
		base = "download"
	}
	res.Key = fmt.Sprintf("%s%s-%s.zip", Prefix, base, now().UTC().Format("20060102-150405"))
	res.Size = int64(buf.Len())
	if err := p.Store.Put(ctx, res.Key, &buf, res.Size, "application/zip"); err != nil {
		return nil, fmt.Errorf("upload %s: %w", res.Key, err)
	}
	logger.Info("archive created", "key", res.Key, "files", res.FileCount, "bytes", res.Size)
	return res, nil
}

func (p *Packager) add(ctx context.Context, zw *zip.Writer, key, entry string, modified time.Time) error {
	rc, err := p.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: entry, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

// uniqueName returns name, or base_N.ext for the first N not in used.
func uniqueName(used map[string]bool, name string) string {
	if !used[name] {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if !used[candidate] {
			return candidate
		}
	}
}
