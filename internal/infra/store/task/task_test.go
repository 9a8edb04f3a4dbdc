package taskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/pathres"
)

func ptr[T any](v T) *T { return &v }

func newTask(id string) domain.CollectionTask {
	return domain.CollectionTask{
		ID:              id,
		SchemaVersion:   domain.CurrentSchemaVersion,
		DatasetID:       "ds000001",
		DatasetProvider: "openneuro",
		DownloadPath:    "ds000001_v1.0.0",
		Destination:     domain.StorageLocationRef{ID: "disk", Type: domain.LocationLocal, Path: "/data"},
		Status:          domain.StatusPending,
		CreatedAt:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func openFileStore(t *testing.T, path string, opts ...Option) *documentStore {
	t.Helper()
	b, err := NewFileBackend(path)
	require.NoError(t, err)
	s, err := Open(context.Background(), b, opts...)
	require.NoError(t, err)
	return s
}

func TestFileStoreCRUD(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.json")
	s := openFileStore(t, path)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "absent file means no tasks")

	require.NoError(t, s.Create(ctx, newTask("a"), newTask("b")))
	require.Error(t, s.Create(ctx, newTask("a")), "duplicate id")

	reopened := openFileStore(t, path)
	list, err = reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := reopened.Task(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "ds000001_v1.0.0", got.DownloadPath)

	require.NoError(t, reopened.Delete(ctx, "a"))
	assert.ErrorIs(t, reopened.Delete(ctx, "a"), domain.ErrTaskNotFound)
	_, err = reopened.Task(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tasks"`)
}

func TestUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(ctx, &memoryBackend{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newTask("t1")))

	got, err := s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, now, *got.StartedAt)

	got, err = s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus:  ptr(domain.StatusDownloading),
		TotalSize:      ptr(int64(6000)),
		DownloadedSize: ptr(int64(3000)),
		Progress:       ptr(50),
	})
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	// out of order tick never moves progress backwards
	got, err = s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus:  ptr(domain.StatusDownloading),
		DownloadedSize: ptr(int64(1000)),
		Progress:       ptr(17),
	})
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, int64(3000), got.DownloadedSize)

	// 100 is reserved for completed
	got, err = s.Update(ctx, "t1", domain.TaskPatch{Progress: ptr(100)})
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress)

	later := now.Add(time.Minute)
	now = later
	got, err = s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus:  ptr(domain.StatusDownloading),
		Status:         ptr(domain.StatusCompleted),
		DownloadedSize: ptr(int64(6000)),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, later, *got.CompletedAt)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	_, err := s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusCompleted)})
	require.NoError(t, err)

	// stale tick guarded by RequireStatus is dropped
	got, err := s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus: ptr(domain.StatusDownloading),
		Status:        ptr(domain.StatusDownloading),
		Progress:      ptr(40),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	// progress fields without a status change are ignored
	got, err = s.Update(ctx, "t1", domain.TaskPatch{Progress: ptr(10), DownloadedSize: ptr(int64(1))})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	// an explicit resurrection is rejected
	_, err = s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFailedKeepsProgressAndRetryResets(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	_, err := s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", domain.TaskPatch{TotalSize: ptr(int64(6000)), DownloadedSize: ptr(int64(1000)), Progress: ptr(17)})
	require.NoError(t, err)

	got, err := s.Update(ctx, "t1", domain.TaskPatch{
		Status:       ptr(domain.StatusFailed),
		ErrorMessage: ptr("network down"),
	})
	require.NoError(t, err)
	assert.Equal(t, "network down", got.ErrorMessage)
	assert.Equal(t, int64(1000), got.DownloadedSize)
	assert.Equal(t, int64(6000), got.TotalSize)

	_, err = s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusPaused)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// a late tick of the failed run is dropped
	got, err = s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus: ptr(domain.StatusDownloading),
		Status:        ptr(domain.StatusDownloading),
		Progress:      ptr(50),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 17, got.Progress)

	// leaving failed needs the caller to target the failed state
	_, err = s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusDownloading), Progress: ptr(50)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.Update(ctx, "t1", domain.TaskPatch{Status: ptr(domain.StatusPending), Reset: true})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err = s.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	got, err = s.Update(ctx, "t1", domain.TaskPatch{
		RequireStatus: ptr(domain.StatusFailed),
		Status:        ptr(domain.StatusPending),
		Reset:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Zero(t, got.Progress)
	assert.Zero(t, got.DownloadedSize)
	assert.Zero(t, got.TotalSize)
	assert.NotNil(t, got.StartedAt, "timestamps are set at most once")
}

func TestUpdateNotFound(t *testing.T) {
	_, err := NewMemory().Update(context.Background(), "missing", domain.TaskPatch{})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	const n = 8
	for i := range n {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, s.Create(ctx, newTask(id)))
		_, err := s.Update(ctx, id, domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for step := 1; step <= 20; step++ {
				_, err := s.Update(ctx, id, domain.TaskPatch{
					RequireStatus:  ptr(domain.StatusDownloading),
					DownloadedSize: ptr(int64(step)),
					Progress:       ptr(step),
				})
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, n)
	for _, task := range list {
		assert.Equal(t, 20, task.Progress, task.ID)
		assert.Equal(t, int64(20), task.DownloadedSize, task.ID)
	}
}

type flakyBackend struct {
	memoryBackend
	failSave bool
}

func (b *flakyBackend) Save(ctx context.Context, data []byte) error {
	if b.failSave {
		return errors.New("disk full")
	}
	return b.memoryBackend.Save(ctx, data)
}

func TestFallbackToMemoryOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	b := &flakyBackend{}
	s, err := Open(ctx, b)
	require.NoError(t, err)

	b.failSave = true
	require.NoError(t, s.Create(ctx, newTask("t1")))
	assert.True(t, s.Degraded())

	got, err := s.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Empty(t, b.data, "nothing reached the backend")

	b.failSave = false
	require.NoError(t, s.Create(ctx, newTask("t2")))
	assert.False(t, s.Degraded())

	reopened, err := Open(ctx, b)
	require.NoError(t, err)
	list, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "cached changes are flushed on the next successful save")
}

func TestOpenCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	b, err := NewFileBackend(path)
	require.NoError(t, err)
	_, err = Open(context.Background(), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode task document")
}

func TestOpenRunsMigration(t *testing.T) {
	ctx := context.Background()
	legacy := newTask("old")
	legacy.SchemaVersion = 0
	legacy.DatasetIdentifier = "10.18112/openneuro.ds006486.v1.0.0"
	legacy.DownloadPath = "10.18112/openneuro.ds006486.v1.0.0"

	current := newTask("new")
	current.DownloadPath = "keep_me"

	b := &memoryBackend{}
	seed, err := Open(ctx, b)
	require.NoError(t, err)
	require.NoError(t, seed.Create(ctx, legacy, current))

	s, err := Open(ctx, b, WithMigration(RegenerateDownloadPaths(pathres.NewRegistry())))
	require.NoError(t, err)

	got, err := s.Task(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "18112_openneuro.ds006486.v1.0.0", got.DownloadPath)
	assert.Equal(t, domain.CurrentSchemaVersion, got.SchemaVersion)

	got, err = s.Task(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "keep_me", got.DownloadPath)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewRedisBackend(rdb, "collector:collection_tasks")
	s, err := Open(ctx, b)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newTask("r1")))

	raw, err := mr.Get("collector:collection_tasks")
	require.NoError(t, err)
	assert.Contains(t, raw, `"id": "r1"`)

	// a second process sharing the key sees the same document
	other, err := Open(ctx, NewRedisBackend(rdb, "collector:collection_tasks"))
	require.NoError(t, err)
	_, err = other.Update(ctx, "r1", domain.TaskPatch{Status: ptr(domain.StatusDownloading)})
	require.NoError(t, err)

	got, err := s.Task(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, got.Status)
}
