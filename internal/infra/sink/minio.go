package sink

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	mio "github.com/you-humble/datacollector/internal/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioSink struct {
	cfg    mio.Config
	db     *minio.Client
	prefix string
}

// NewMinIOSink writes objects into cfg.Bucket under prefix. The client is
// created, and the bucket ensured, on Prepare.
func NewMinIOSink(cfg mio.Config, prefix string) *minioSink {
	prefix = strings.Trim(path.Clean("/"+prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	cfg.EnsureBucket = true
	return &minioSink{cfg: cfg, prefix: prefix}
}

func (s *minioSink) Prepare(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := mio.NewClient(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("prepare bucket %s: %w", s.cfg.Bucket, err)
	}
	s.db = db
	return nil
}

func (s *minioSink) Put(ctx context.Context, relPath string, r io.Reader, size int64) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if s.db == nil {
		return 0, fmt.Errorf("minio sink: Prepare was not called")
	}

	objectName, err := s.objectName(relPath)
	if err != nil {
		return 0, err
	}

	putSize := size
	if putSize <= 0 {
		putSize = -1
	}

	info, err := s.db.PutObject(ctx, s.cfg.Bucket, objectName, r, putSize, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", objectName, err)
	}
	return info.Size, nil
}

func (s *minioSink) objectName(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := path.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid filename: %s", relPath)
	}

	return s.prefix + strings.TrimLeft(clean, "/"), nil
}
