package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/you-humble/datacollector/internal/domain"
)

type document struct {
	Tasks []domain.CollectionTask `json:"tasks"`
}

// Migration upgrades a task persisted with an older schema version.
type Migration func(domain.CollectionTask) domain.CollectionTask

type Option func(*documentStore)

func WithMigration(m Migration) Option {
	return func(s *documentStore) { s.migrate = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *documentStore) { s.now = now }
}

// documentStore keeps every collection task in one persisted document.
// Every read-modify-write cycle runs under mu. When the backend fails the
// in-memory copy keeps serving until a later save succeeds; that copy does
// not survive a restart.
type documentStore struct {
	mu       sync.Mutex
	backend  Backend
	cache    []domain.CollectionTask
	degraded bool

	migrate Migration
	now     func() time.Time
}

// Open loads the document, applies the schema migration and returns the store.
func Open(ctx context.Context, backend Backend, opts ...Option) (*documentStore, error) {
	s := &documentStore{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	tasks, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	migrated := 0
	for i, t := range tasks {
		if t.SchemaVersion >= domain.CurrentSchemaVersion {
			continue
		}
		if s.migrate != nil {
			t = s.migrate(t)
		}
		t.SchemaVersion = domain.CurrentSchemaVersion
		tasks[i] = t
		migrated++
	}
	s.cache = tasks

	if migrated > 0 {
		slog.Info("task store: migrated tasks",
			slog.Int("count", migrated),
			slog.Int("schema_version", domain.CurrentSchemaVersion),
		)
		s.persist(ctx, tasks)
	}

	return s, nil
}

// NewMemory returns a store that only lives in memory.
func NewMemory() *documentStore {
	return &documentStore{
		backend: &memoryBackend{},
		now:     time.Now,
	}
}

// Degraded reports whether the last save failed and the store serves from memory.
func (s *documentStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *documentStore) Create(ctx context.Context, tasks ...domain.CollectionTask) error {
	return s.mutate(ctx, func(all []domain.CollectionTask) ([]domain.CollectionTask, error) {
		for _, t := range tasks {
			if t.ID == "" {
				return nil, fmt.Errorf("create task: empty id")
			}
			if indexOf(all, t.ID) >= 0 {
				return nil, fmt.Errorf("create task %s: already exists", t.ID)
			}
			all = append(all, t)
		}
		return all, nil
	})
}

func (s *documentStore) Task(ctx context.Context, id string) (domain.CollectionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.current(ctx)
	i := indexOf(all, id)
	if i < 0 {
		return domain.CollectionTask{}, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	return all[i], nil
}

func (s *documentStore) List(ctx context.Context) ([]domain.CollectionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.current(ctx)), nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, func(all []domain.CollectionTask) ([]domain.CollectionTask, error) {
		i := indexOf(all, id)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
		}
		return slices.Delete(all, i, i+1), nil
	})
}

// Update merges patch into the stored task and returns the result.
// A patch whose RequireStatus does not match, or that would touch a task in a
// terminal status without an explicit status change, is a no-op.
func (s *documentStore) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.CollectionTask, error) {
	var updated domain.CollectionTask
	err := s.mutate(ctx, func(all []domain.CollectionTask) ([]domain.CollectionTask, error) {
		i := indexOf(all, id)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
		}

		next, err := apply(all[i], patch, s.now())
		if err != nil {
			return nil, err
		}
		all[i] = next
		updated = next
		return all, nil
	})
	return updated, err
}

func apply(t domain.CollectionTask, p domain.TaskPatch, now time.Time) (domain.CollectionTask, error) {
	if p.RequireStatus != nil && t.Status != *p.RequireStatus {
		return t, nil
	}

	from := t.Status
	to := from
	if p.Status != nil {
		to = *p.Status
		if !to.Valid() {
			return t, fmt.Errorf("task %s: unknown status %q: %w", t.ID, to, domain.ErrInvalidTransition)
		}
		if !domain.CanTransition(from, to) {
			return t, fmt.Errorf("task %s: %s -> %s: %w", t.ID, from, to, domain.ErrInvalidTransition)
		}
		// leaving failed is a start or retry and must name the failed state
		if from == domain.StatusFailed && to != from &&
			(p.RequireStatus == nil || *p.RequireStatus != domain.StatusFailed) {
			return t, fmt.Errorf("task %s: %s -> %s without RequireStatus failed: %w", t.ID, from, to, domain.ErrInvalidTransition)
		}
	} else if from.IsTerminal() && !p.Reset {
		// sticky terminal state: only schema fields may still change
		if p.DownloadPath != nil {
			t.DownloadPath = *p.DownloadPath
		}
		if p.SchemaVersion != nil {
			t.SchemaVersion = *p.SchemaVersion
		}
		return t, nil
	}

	if p.Reset {
		if from != domain.StatusFailed || to != domain.StatusPending {
			return t, fmt.Errorf("task %s: reset only allowed failed -> pending: %w", t.ID, domain.ErrInvalidTransition)
		}
		t.Progress = 0
		t.TotalSize = 0
		t.DownloadedSize = 0
		t.ErrorMessage = ""
	}

	// a new run starts from scratch; objects are never resumed
	if to == domain.StatusDownloading && from != domain.StatusDownloading {
		t.Progress = 0
		t.TotalSize = 0
		t.DownloadedSize = 0
		t.ErrorMessage = ""
		if t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
	}

	if p.TotalSize != nil {
		t.TotalSize = *p.TotalSize
	}
	if p.DownloadedSize != nil {
		if to == domain.StatusDownloading && from == domain.StatusDownloading {
			t.DownloadedSize = max(t.DownloadedSize, *p.DownloadedSize)
		} else {
			t.DownloadedSize = *p.DownloadedSize
		}
	}
	if t.TotalSize > 0 && t.DownloadedSize > t.TotalSize {
		t.DownloadedSize = t.TotalSize
	}
	if p.Progress != nil {
		if to == domain.StatusDownloading && from == domain.StatusDownloading {
			t.Progress = max(t.Progress, *p.Progress)
		} else {
			t.Progress = *p.Progress
		}
	}
	if p.DownloadPath != nil {
		t.DownloadPath = *p.DownloadPath
	}
	if p.SchemaVersion != nil {
		t.SchemaVersion = *p.SchemaVersion
	}

	switch to {
	case domain.StatusCompleted:
		t.Progress = 100
		t.ErrorMessage = ""
		if t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
	case domain.StatusFailed:
		if p.ErrorMessage != nil {
			t.ErrorMessage = *p.ErrorMessage
		}
		if t.ErrorMessage == "" {
			t.ErrorMessage = "unknown error"
		}
	default:
		t.ErrorMessage = ""
	}
	t.Progress = clampProgress(t.Progress, to)
	t.Status = to

	return t, nil
}

func clampProgress(p int, status domain.TaskStatus) int {
	if status == domain.StatusCompleted {
		return 100
	}
	return min(max(p, 0), 99)
}

func (s *documentStore) mutate(
	ctx context.Context,
	fn func([]domain.CollectionTask) ([]domain.CollectionTask, error),
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(slices.Clone(s.current(ctx)))
	if err != nil {
		return err
	}

	s.cache = next
	s.persist(ctx, next)
	return nil
}

// current re-reads the document unless the store is degraded, in which case
// the cache holds changes the backend has not seen yet. Callers hold mu.
func (s *documentStore) current(ctx context.Context) []domain.CollectionTask {
	if s.degraded {
		return s.cache
	}

	tasks, err := s.read(ctx)
	if err != nil {
		slog.Warn("task store: read failed, serving cached tasks", slog.String("error", err.Error()))
		return s.cache
	}
	s.cache = tasks
	return tasks
}

func (s *documentStore) read(ctx context.Context) ([]domain.CollectionTask, error) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task document: %w", err)
	}
	return doc.Tasks, nil
}

// persist writes tasks to the backend. Callers hold mu.
func (s *documentStore) persist(ctx context.Context, tasks []domain.CollectionTask) {
	if tasks == nil {
		tasks = []domain.CollectionTask{}
	}
	data, err := json.MarshalIndent(document{Tasks: tasks}, "", "  ")
	if err == nil {
		err = s.backend.Save(ctx, data)
	}

	if err != nil {
		if !s.degraded {
			slog.Warn("task store: persist failed, falling back to memory",
				slog.String("error", err.Error()),
			)
		}
		s.degraded = true
		return
	}

	if s.degraded {
		slog.Info("task store: persistence restored")
	}
	s.degraded = false
}

func indexOf(tasks []domain.CollectionTask, id string) int {
	return slices.IndexFunc(tasks, func(t domain.CollectionTask) bool { return t.ID == id })
}
