package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// GCSStore is a Store backed by a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	opts   Options
}

// NewGCSStore creates a client for bucket. An empty credentialsFile uses
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string, opts Options) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs store: bucket is required")
	}
	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, opts: opts.withDefaults()}, nil
}

func (s *GCSStore) Bucket() string { return s.bucket }

func (s *GCSStore) classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotExist)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500) {
		return &TransientError{Op: op + " " + key, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op + " " + key, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// List pages with the API page token as cursor.
func (s *GCSStore) List(ctx context.Context, prefix string, fn func(models.Object) error) error {
	bkt := s.client.Bucket(s.bucket)
	return listPages(ctx, s.opts, "list "+prefix, func(ctx context.Context, cursor string, limit int) ([]models.Object, string, error) {
		q := &storage.Query{Prefix: prefix}
		if err := q.SetAttrSelection([]string{"Name", "Size", "Updated"}); err != nil {
			return nil, "", err
		}
		var attrs []*storage.ObjectAttrs
		next, err := iterator.NewPager(bkt.Objects(ctx, q), limit, cursor).NextPage(&attrs)
		if err != nil {
			return nil, "", s.classify("list", prefix, err)
		}
		page := make([]models.Object, 0, len(attrs))
		for _, a := range attrs {
			page = append(page, models.Object{Key: a.Name, Size: a.Size, LastModified: a.Updated})
		}
		return page, next, nil
	}, fn)
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	return r, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return s.classify("put", key, err)
	}
	if err := w.Close(); err != nil {
		return s.classify("put", key, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
