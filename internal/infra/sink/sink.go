// Package sink writes downloaded objects into a destination storage location.
package sink

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/you-humble/datacollector/internal/domain"
	mio "github.com/you-humble/datacollector/internal/libs/minio"
)

type Sink interface {
	// Prepare creates the destination root. It is safe to call more than once.
	Prepare(ctx context.Context) error
	// Put streams one object to relPath below the root and returns the bytes written.
	Put(ctx context.Context, relPath string, r io.Reader, size int64) (int64, error)
}

// ForLocation returns the sink for a dataset folder inside loc.
func ForLocation(loc domain.StorageLocation, downloadPath string, retry mio.RetryConfig) (Sink, error) {
	if !validFolder(downloadPath) {
		return nil, fmt.Errorf("location %q: invalid download path %q: %w", loc.ID, downloadPath, domain.ErrConfiguration)
	}

	switch loc.Type {
	case domain.LocationLocal:
		if loc.Path == "" {
			return nil, fmt.Errorf("location %q: empty path: %w", loc.ID, domain.ErrConfiguration)
		}
		return NewLocalSink(filepath.Join(loc.Path, downloadPath))

	case domain.LocationS3:
		if loc.Bucket == "" || loc.Endpoint == "" {
			return nil, fmt.Errorf("location %q: bucket and endpoint are required: %w", loc.ID, domain.ErrConfiguration)
		}
		return NewMinIOSink(mio.Config{
			Endpoint:        loc.Endpoint,
			AccessKeyID:     loc.AccessKeyID,
			SecretAccessKey: loc.SecretAccessKey,
			Region:          loc.Region,
			UseSSL:          loc.UseSSL,
			Bucket:          loc.Bucket,
			Retry:           retry,
		}, path.Join(loc.Path, downloadPath)), nil

	default:
		return nil, fmt.Errorf("location %q: unknown type %q: %w", loc.ID, loc.Type, domain.ErrConfiguration)
	}
}

// validFolder reports whether p names a folder strictly below a location root.
func validFolder(p string) bool {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
