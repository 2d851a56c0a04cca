package objstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// MinioConfig describes an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// MinioStore is a Store backed by any S3-compatible service.
type MinioStore struct {
	client *minio.Client
	bucket string
	opts   Options
}

// NewMinioStore creates a client for cfg.Bucket.
func NewMinioStore(cfg MinioConfig, opts Options) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio store: endpoint and bucket are required")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, opts: opts.withDefaults()}, nil
}

func (s *MinioStore) Bucket() string { return s.bucket }

// classify maps S3 error responses onto ErrNotExist and TransientError.
func (s *MinioStore) classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return fmt.Errorf("%s %s: %w", op, key, ErrNotExist)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500,
		resp.Code == "SlowDown", resp.Code == "RequestTimeout":
		return &TransientError{Op: op + " " + key, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransientError{Op: op + " " + key, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// List pages through the bucket with StartAfter, one bounded request per
// page.
func (s *MinioStore) List(ctx context.Context, prefix string, fn func(models.Object) error) error {
	return listPages(ctx, s.opts, "list "+prefix, func(ctx context.Context, cursor string, limit int) ([]models.Object, string, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:     prefix,
			Recursive:  true,
			StartAfter: cursor,
			MaxKeys:    limit,
		})
		page := make([]models.Object, 0, limit)
		next := ""
		for obj := range objects {
			if obj.Err != nil {
				return nil, "", s.classify("list", prefix, obj.Err)
			}
			page = append(page, models.Object{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
			next = obj.Key
			if len(page) == limit {
				break
			}
		}
		if err := ctx.Err(); err != nil && len(page) < limit {
			return nil, "", s.classify("list", prefix, err)
		}
		return page, next, nil
	}, fn)
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.classify("get", key, err)
	}
	return obj, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return s.classify("put", key, err)
}

func (s *MinioStore) Close() error { return nil }
