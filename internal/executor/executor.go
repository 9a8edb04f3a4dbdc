package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/infra/objstore"
	"github.com/you-humble/datacollector/internal/pathres"

	"golang.org/x/sync/errgroup"
)

type ObjectSource interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]objstore.Object, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type Sink interface {
	Prepare(ctx context.Context) error
	Put(ctx context.Context, relPath string, r io.Reader, size int64) (int64, error)
}

type Reporter interface {
	Report(ctx context.Context, p domain.DownloadProgress)
}

// Job is one run of one task against its single destination.
type Job struct {
	Task     domain.CollectionTask
	RunID    string
	Provider pathres.Provider
	Source   ObjectSource
	Sink     Sink
	Reporter Reporter
	// Stop is closed to end the run at the next object boundary.
	Stop <-chan struct{}
}

type executor struct {
	workers int
}

// New returns an executor that moves up to workers objects of one task at a time.
func New(workers int) *executor {
	if workers <= 0 {
		workers = 1
	}
	return &executor{workers: workers}
}

// Run lists the task's source prefix and streams every object into the sink.
// Listing and transfer failures are reported as a failed event and returned.
// A stop or a cancelled ctx returns without a terminal event.
func (e *executor) Run(ctx context.Context, job Job) error {
	prefix := pathres.ResolveSourcePrefix(job.Provider, job.Task.DownloadPath)
	listPrefix := strings.TrimSuffix(prefix, "/") + "/"

	log := slog.With(
		slog.String("task_id", job.Task.ID),
		slog.String("run_id", job.RunID),
		slog.String("bucket", job.Provider.Bucket),
		slog.String("prefix", listPrefix),
	)

	objects, err := job.Source.ListObjects(ctx, job.Provider.Bucket, listPrefix)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, job, 0, 0, fmt.Errorf("%w: %w", domain.ErrListing, err))
	}
	if len(objects) == 0 {
		return e.fail(ctx, job, 0, 0, domain.ErrNoFilesFound)
	}

	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	log.Info("download started", slog.Int("files", len(objects)), slog.Int64("total_size", total))

	tr := &tracker{
		job:        job,
		reporter:   job.Reporter,
		total:      total,
		totalFiles: len(objects),
	}
	tr.emit(ctx, "")

	if err := job.Sink.Prepare(ctx); err != nil {
		return e.fail(ctx, job, total, 0, fmt.Errorf("%w: %w", domain.ErrTransfer, err))
	}

	queue := make(chan objstore.Object, e.workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, obj := range objects {
			if stopped(job.Stop) {
				return domain.ErrCancelled
			}
			select {
			case queue <- obj:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range e.workers {
		g.Go(func() error {
			for obj := range queue {
				if stopped(job.Stop) {
					return domain.ErrCancelled
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				n, err := e.transfer(gctx, job, listPrefix, obj)
				if err != nil {
					return fmt.Errorf("%w: %s: %w", domain.ErrTransfer, obj.Key, err)
				}
				tr.done(ctx, obj.Key, n)
			}
			return nil
		})
	}

	err = g.Wait()
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCancelled):
		log.Info("download stopped", slog.Int64("downloaded_size", tr.downloadedSize()))
		return err
	case ctx.Err() != nil:
		log.Info("download interrupted", slog.String("error", ctx.Err().Error()))
		return ctx.Err()
	default:
		return e.fail(ctx, job, total, tr.downloadedSize(), err)
	}

	downloaded := tr.downloadedSize()
	job.Reporter.Report(ctx, domain.DownloadProgress{
		TaskID:         job.Task.ID,
		RunID:          job.RunID,
		Status:         domain.StatusCompleted,
		Progress:       100,
		TotalSize:      total,
		DownloadedSize: downloaded,
		CompletedFiles: len(objects),
		TotalFiles:     len(objects),
	})
	log.Info("download completed", slog.Int64("downloaded_size", downloaded))
	return nil
}

func (e *executor) transfer(ctx context.Context, job Job, listPrefix string, obj objstore.Object) (int64, error) {
	rc, err := job.Source.GetObject(ctx, job.Provider.Bucket, obj.Key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	return job.Sink.Put(ctx, relativeKey(obj.Key, listPrefix), rc, obj.Size)
}

func (e *executor) fail(ctx context.Context, job Job, total, downloaded int64, err error) error {
	slog.Error("download failed",
		slog.String("task_id", job.Task.ID),
		slog.String("run_id", job.RunID),
		slog.String("error", err.Error()),
	)

	job.Reporter.Report(ctx, domain.DownloadProgress{
		TaskID:         job.Task.ID,
		RunID:          job.RunID,
		Status:         domain.StatusFailed,
		Progress:       percent(downloaded, total, 0, 0),
		TotalSize:      total,
		DownloadedSize: downloaded,
		Error:          err.Error(),
	})
	return err
}

// relativeKey strips the listing prefix from key. Keys outside the prefix
// keep only their base name.
func relativeKey(key, listPrefix string) string {
	if rel, ok := strings.CutPrefix(key, listPrefix); ok && rel != "" {
		return rel
	}
	return path.Base(key)
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// percent never reaches 100; only a completed run reports that.
func percent(downloaded, total int64, completedFiles, totalFiles int) int {
	var p int
	switch {
	case total > 0:
		p = int(math.Round(float64(downloaded) * 100 / float64(total)))
	case totalFiles > 0:
		p = completedFiles * 100 / totalFiles
	}
	return min(max(p, 0), 99)
}

// tracker serializes progress accounting and reporting across workers, so
// events for one task leave in order with non-decreasing sizes.
type tracker struct {
	mu         sync.Mutex
	job        Job
	reporter   Reporter
	total      int64
	totalFiles int

	downloaded int64
	completed  int
}

func (t *tracker) done(ctx context.Context, key string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.downloaded += n
	t.completed++
	t.emitLocked(ctx, key)
}

func (t *tracker) emit(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(ctx, key)
}

func (t *tracker) emitLocked(ctx context.Context, key string) {
	t.reporter.Report(ctx, domain.DownloadProgress{
		TaskID:         t.job.Task.ID,
		RunID:          t.job.RunID,
		Status:         domain.StatusDownloading,
		Progress:       percent(t.downloaded, t.total, t.completed, t.totalFiles),
		TotalSize:      t.total,
		DownloadedSize: t.downloaded,
		CurrentFile:    key,
		CompletedFiles: t.completed,
		TotalFiles:     t.totalFiles,
	})
}

func (t *tracker) downloadedSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}
