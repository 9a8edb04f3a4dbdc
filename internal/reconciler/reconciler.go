// Package reconciler bridges executor progress with the task store and with
// whoever watches it. Every event is persisted before subscribers see it, so a
// snapshot taken after a restart shows the last state that was reported.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/you-humble/datacollector/internal/domain"
)

type TaskStore interface {
	Task(ctx context.Context, id string) (domain.CollectionTask, error)
	List(ctx context.Context) ([]domain.CollectionTask, error)
	Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.CollectionTask, error)
}

type Subscriber func(domain.DownloadProgress)

type reconciler struct {
	store TaskStore

	mu   sync.RWMutex
	live map[string]domain.DownloadProgress

	// deliverMu keeps every subscriber's queue in the same order.
	deliverMu sync.Mutex
	subsMu    sync.Mutex
	subs      map[uint64]*subscription
	nextSub   uint64
}

// subscription feeds one subscriber from its own goroutine so a slow or
// re-entrant subscriber never holds up the reporting executor.
type subscription struct {
	fn Subscriber

	mu    sync.Mutex
	queue []domain.DownloadProgress

	wake chan struct{}
	done chan struct{}
}

func newSubscription(fn Subscriber) *subscription {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) push(p domain.DownloadProgress) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, p := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(p)
			}
		}
	}
}

func New(store TaskStore) *reconciler {
	return &reconciler{
		store: store,
		live:  make(map[string]domain.DownloadProgress),
		subs:  make(map[uint64]*subscription),
	}
}

// Report persists an executor event and fans it out. Events for a task that is
// no longer downloading are dropped: terminal statuses are sticky and a
// cancelled or paused run must not overwrite what the user did.
func (r *reconciler) Report(ctx context.Context, p domain.DownloadProgress) {
	downloading := domain.StatusDownloading
	patch := domain.TaskPatch{
		RequireStatus:  &downloading,
		Progress:       &p.Progress,
		TotalSize:      &p.TotalSize,
		DownloadedSize: &p.DownloadedSize,
	}
	switch p.Status {
	case domain.StatusCompleted:
		patch.Status = &p.Status
	case domain.StatusFailed:
		patch.Status = &p.Status
		patch.ErrorMessage = &p.Error
	}

	t, err := r.store.Update(ctx, p.TaskID, patch)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			slog.Debug("progress for deleted task dropped", slog.String("task_id", p.TaskID))
			return
		}
		slog.Error("persist progress",
			slog.String("task_id", p.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}
	if t.Status != p.Status {
		slog.Debug("progress dropped",
			slog.String("task_id", p.TaskID),
			slog.String("run_id", p.RunID),
			slog.String("event_status", string(p.Status)),
			slog.String("task_status", string(t.Status)),
		)
		return
	}

	// the stored values are the merged, clamped ones
	p.Progress = t.Progress
	p.TotalSize = t.TotalSize
	p.DownloadedSize = t.DownloadedSize
	p.Error = t.ErrorMessage
	p.Stale = false

	r.Publish(p)
}

// Publish records p as the live state of its task and notifies subscribers
// without touching the store. Callers use it for transitions they have
// already persisted themselves.
func (r *reconciler) Publish(p domain.DownloadProgress) {
	r.mu.Lock()
	r.live[p.TaskID] = p
	r.mu.Unlock()

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for _, sub := range r.subscribers() {
		sub.push(p)
	}
}

// Snapshot returns the live state of a task, or the stored one when no run
// has reported since the process started.
func (r *reconciler) Snapshot(ctx context.Context, taskID string) (domain.DownloadProgress, bool) {
	r.mu.RLock()
	p, ok := r.live[taskID]
	r.mu.RUnlock()
	if ok {
		return p, true
	}

	t, err := r.store.Task(ctx, taskID)
	if err != nil {
		return domain.DownloadProgress{}, false
	}
	return domain.ProgressFromTask(t), true
}

func (r *reconciler) SnapshotAll(ctx context.Context) ([]domain.DownloadProgress, error) {
	tasks, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DownloadProgress, 0, len(tasks))
	for _, t := range tasks {
		if p, ok := r.live[t.ID]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, domain.ProgressFromTask(t))
	}
	return out, nil
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on a goroutine of its own, one event at a time in
// report order, so it may block or call back into the engine. Events still
// queued when unsubscribe is called are discarded.
func (r *reconciler) Subscribe(fn Subscriber) (unsubscribe func()) {
	sub := newSubscription(fn)

	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = sub
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
			close(sub.done)
		})
	}
}

// Forget drops the live state of a task.
func (r *reconciler) Forget(taskID string) {
	r.mu.Lock()
	delete(r.live, taskID)
	r.mu.Unlock()
}

func (r *reconciler) subscribers() []*subscription {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}
