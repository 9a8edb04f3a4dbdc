package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/executor"
	"github.com/you-humble/datacollector/internal/infra/objstore"
	"github.com/you-humble/datacollector/internal/infra/sink"
	mio "github.com/you-humble/datacollector/internal/libs/minio"
	"github.com/you-humble/datacollector/internal/pathres"
)

// DefaultSourceFactory reads from the provider bucket, anonymously unless the
// provider carries a key pair.
func DefaultSourceFactory(p pathres.Provider) (executor.ObjectSource, error) {
	if p.Bucket == "" || p.Endpoint == "" {
		return nil, fmt.Errorf("provider %q has no bucket or endpoint", p.Name)
	}
	return objstore.NewClient(providerConfig(p))
}

func DefaultSinkFactory(retry mio.RetryConfig) SinkFactory {
	return func(loc domain.StorageLocation, downloadPath string) (executor.Sink, error) {
		return sink.ForLocation(loc, downloadPath, retry)
	}
}

// DefaultConnectionChecker heads the bucket of an S3 location, or checks that
// a local directory can be created and written.
func DefaultConnectionChecker(ctx context.Context, loc domain.StorageLocation) domain.ConnectionResult {
	switch loc.Type {
	case domain.LocationS3:
		return objstore.TestConnection(ctx, locationConfig(loc))
	case domain.LocationLocal:
		return checkLocalDir(loc.Path)
	default:
		return domain.ConnectionResult{Message: fmt.Sprintf("Unknown storage type %q.", loc.Type)}
	}
}

func checkLocalDir(dir string) domain.ConnectionResult {
	if dir == "" {
		return domain.ConnectionResult{Message: "Path is empty."}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ConnectionResult{Message: fmt.Sprintf("Cannot create directory: %v", err)}
	}

	f, err := os.CreateTemp(dir, ".collector-probe-*")
	if err != nil {
		return domain.ConnectionResult{Message: fmt.Sprintf("Directory is not writable: %v", err)}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return domain.ConnectionResult{Success: true, Message: fmt.Sprintf("Directory %s is writable.", abs)}
}

func providerConfig(p pathres.Provider) mio.Config {
	return mio.Config{
		Endpoint:        p.Endpoint,
		AccessKeyID:     p.AccessKeyID,
		SecretAccessKey: p.SecretAccessKey,
		Region:          p.Region,
		UseSSL:          p.UseSSL,
		Bucket:          p.Bucket,
	}
}

func locationConfig(l domain.StorageLocation) mio.Config {
	return mio.Config{
		Endpoint:        l.Endpoint,
		AccessKeyID:     l.AccessKeyID,
		SecretAccessKey: l.SecretAccessKey,
		Region:          l.Region,
		UseSSL:          l.UseSSL,
		Bucket:          l.Bucket,
	}
}
