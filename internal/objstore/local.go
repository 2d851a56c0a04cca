package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// LocalStore maps object keys onto files below a root directory. The bucket
// name is the root's base name.
type LocalStore struct {
	root string
	opts Options
}

// NewLocalStore serves the directory root, creating it if needed.
func NewLocalStore(root string, opts Options) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local store %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create local store %s: %w", abs, err)
	}
	return &LocalStore{root: abs, opts: opts.withDefaults()}, nil
}

func (s *LocalStore) Bucket() string { return filepath.Base(s.root) }

// Root returns the directory the store serves.
func (s *LocalStore) Root() string { return s.root }

// KeyFor converts a path below Root into an object key.
func (s *LocalStore) KeyFor(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", p, s.root)
	}
	return filepath.ToSlash(rel), nil
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || clean[1:] != strings.TrimSuffix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *LocalStore) List(ctx context.Context, prefix string, fn func(models.Object) error) error {
	var all []models.Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		key, err := s.KeyFor(p)
		if err != nil || !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		all = append(all, models.Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	return listPages(ctx, s.opts, "list "+prefix, func(ctx context.Context, cursor string, limit int) ([]models.Object, string, error) {
		start := sort.Search(len(all), func(i int) bool { return all[i].Key > cursor })
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		page := all[start:end]
		next := ""
		if len(page) > 0 {
			next = page[len(page)-1].Key
		}
		return page, next, nil
	}, fn)
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return f, nil
}

// Put writes through a temporary file so readers never see partial objects.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Close() error { return nil }
