package objstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Open builds a Store from a DSN:
//
//	file:///srv/lab-data
//	s3://ACCESS:SECRET@minio.lab:9000/lab-data?secure=false&region=us-east-1
//	gs://lab-data?credentials=/etc/instidx/sa.json
//
// s3 credentials fall back to AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("store dsn: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		root := u.Path
		if u.Host != "" {
			root = u.Host + u.Path
		}
		if root == "" {
			return nil, fmt.Errorf("store dsn %q: missing directory", dsn)
		}
		return NewLocalStore(root, opts)
	case "s3", "minio":
		cfg := MinioConfig{
			Endpoint:  u.Host,
			Bucket:    strings.Trim(u.Path, "/"),
			Region:    u.Query().Get("region"),
			Secure:    true,
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}
		if u.User != nil {
			cfg.AccessKey = u.User.Username()
			cfg.SecretKey, _ = u.User.Password()
		}
		if v := u.Query().Get("secure"); v != "" {
			secure, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("store dsn: invalid secure=%q", v)
			}
			cfg.Secure = secure
		}
		return NewMinioStore(cfg, opts)
	case "gs", "gcs":
		return NewGCSStore(ctx, u.Host, u.Query().Get("credentials"), opts)
	default:
		return nil, fmt.Errorf("store dsn %q: unsupported scheme %q", dsn, u.Scheme)
	}
}
