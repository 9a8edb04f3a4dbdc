package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/you-humble/datacollector/internal/domain"
	mio "github.com/you-humble/datacollector/internal/libs/minio"

	"github.com/minio/minio-go/v7"
)

type Object struct {
	Key  string
	Size int64
}

type client struct {
	db *minio.Client
}

// NewClient returns a client bound to one S3-compatible endpoint. Empty
// credentials select anonymous access for public buckets.
func NewClient(cfg mio.Config) (*client, error) {
	db, err := mio.New(cfg)
	if err != nil {
		return nil, err
	}
	return &client{db: db}, nil
}

// ListObjects returns every object under prefix. Continuation tokens are
// followed until the listing is exhausted; directory markers are skipped.
func (c *client) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	var objects []Object
	for info := range c.db.ListObjects(ctx, bucket, opts) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") && info.Size == 0 {
			continue
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size})
	}

	return objects, nil
}

// GetObject opens a stream for key. The caller drains and closes it.
func (c *client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	obj, err := c.db.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == minio.NoSuchKey {
			return nil, fmt.Errorf("object not found %s: %w", key, err)
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}

	return obj, nil
}

// HeadBucket checks that the bucket is reachable with the configured credentials.
func (c *client) HeadBucket(ctx context.Context, bucket string) (bool, error) {
	return c.db.BucketExists(ctx, bucket)
}

// TestConnection validates a configuration with a bucket HEAD request and
// turns the outcome into a message a user can act on.
func TestConnection(ctx context.Context, cfg mio.Config) domain.ConnectionResult {
	if cfg.Bucket == "" {
		return domain.ConnectionResult{Message: "Bucket name is empty."}
	}

	c, err := NewClient(cfg)
	if err != nil {
		return domain.ConnectionResult{Message: fmt.Sprintf("Invalid configuration: %v", err)}
	}

	exists, err := c.HeadBucket(ctx, cfg.Bucket)
	if err == nil && exists {
		return domain.ConnectionResult{
			Success: true,
			Message: "Successfully connected to S3-compatible service!",
		}
	}
	if err == nil {
		return domain.ConnectionResult{Message: msgNotFound}
	}

	return domain.ConnectionResult{Message: describe(err)}
}

const msgNotFound = "Bucket not found (404). Please verify the bucket name and endpoint URL."

func describe(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "Connection timeout. The service may be slow or unreachable."
		}
		return "Cannot reach the S3-compatible service endpoint. Check your endpoint URL and network connectivity."
	}

	switch minio.ToErrorResponse(err).StatusCode {
	case http.StatusUnauthorized:
		return "Authentication failed (401 Unauthorized). Please check your access key ID and secret access key."
	case http.StatusForbidden:
		return "Access denied (403 Forbidden). The credentials are valid but do not have permission to access this bucket."
	case http.StatusNotFound:
		return msgNotFound
	case http.StatusPreconditionFailed:
		return "Precondition Failed (412). The service may not support the required headers or AWS Signature V4; check the endpoint URL."
	case 0:
		return fmt.Sprintf("Connection failed: %v", err)
	default:
		return fmt.Sprintf("Connection failed with status: %d", minio.ToErrorResponse(err).StatusCode)
	}
}
