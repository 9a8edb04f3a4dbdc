package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/executor"
	mio "github.com/you-humble/datacollector/internal/libs/minio"
	"github.com/you-humble/datacollector/internal/pathres"
	"github.com/you-humble/datacollector/internal/reconciler"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

type TaskStore interface {
	Create(ctx context.Context, tasks ...domain.CollectionTask) error
	Task(ctx context.Context, id string) (domain.CollectionTask, error)
	List(ctx context.Context) ([]domain.CollectionTask, error)
	Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.CollectionTask, error)
	Delete(ctx context.Context, id string) error
}

type Progress interface {
	Report(ctx context.Context, p domain.DownloadProgress)
	Publish(p domain.DownloadProgress)
	Snapshot(ctx context.Context, taskID string) (domain.DownloadProgress, bool)
	SnapshotAll(ctx context.Context) ([]domain.DownloadProgress, error)
	Subscribe(fn reconciler.Subscriber) (unsubscribe func())
	Forget(taskID string)
}

type Runner interface {
	Run(ctx context.Context, job executor.Job) error
}

type Locations interface {
	Location(id string) (domain.StorageLocation, bool)
}

type (
	SourceFactory     func(p pathres.Provider) (executor.ObjectSource, error)
	SinkFactory       func(loc domain.StorageLocation, downloadPath string) (executor.Sink, error)
	ConnectionChecker func(ctx context.Context, loc domain.StorageLocation) domain.ConnectionResult
)

type Option func(*orchestrator)

func WithSourceFactory(f SourceFactory) Option {
	return func(o *orchestrator) { o.newSource = f }
}

func WithSinkFactory(f SinkFactory) Option {
	return func(o *orchestrator) { o.newSink = f }
}

func WithConnectionChecker(f ConnectionChecker) Option {
	return func(o *orchestrator) { o.checkConnection = f }
}

// WithMaxPerDestination bounds how many tasks write into one storage location at once.
func WithMaxPerDestination(n int) Option {
	return func(o *orchestrator) {
		if n > 0 {
			o.maxPerDest = int64(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *orchestrator) { o.now = now }
}

type run struct {
	id       string
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// prev is a stopped run of the same task that may still be finishing
	// its in-flight object. The new run waits for the whole chain.
	prev *run
	// stopping is guarded by orchestrator.mu.
	stopping bool
}

func (r *run) signal() {
	r.stopOnce.Do(func() { close(r.stop) })
}

type orchestrator struct {
	store     TaskStore
	progress  Progress
	runner    Runner
	locations Locations
	registry  *pathres.Registry

	newSource       SourceFactory
	newSink         SinkFactory
	checkConnection ConnectionChecker
	maxPerDest      int64
	now             func() time.Time

	// runs outlive the request that started them; ctx ends on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
	sems map[string]*semaphore.Weighted
}

func New(
	store TaskStore,
	progress Progress,
	runner Runner,
	locations Locations,
	registry *pathres.Registry,
	opts ...Option,
) *orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &orchestrator{
		store:           store,
		progress:        progress,
		runner:          runner,
		locations:       locations,
		registry:        registry,
		newSource:       DefaultSourceFactory,
		newSink:         DefaultSinkFactory(mio.RetryConfig{}),
		checkConnection: DefaultConnectionChecker,
		maxPerDest:      2,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
		runs:            make(map[string]*run),
		sems:            make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateTasksForLocations persists one pending task per distinct location.
// All tasks share the dataset's download path.
func (o *orchestrator) CreateTasksForLocations(
	ctx context.Context,
	ds domain.Dataset,
	locations []domain.StorageLocation,
) ([]domain.CollectionTask, error) {
	seen := make(map[string]struct{}, len(locations))
	unique := make([]domain.StorageLocation, 0, len(locations))
	for _, l := range locations {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		seen[l.ID] = struct{}{}
		unique = append(unique, l)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("no storage locations selected: %w", domain.ErrConfiguration)
	}

	provider, err := o.registry.Lookup(ds.Provider)
	if err != nil {
		// the task is still recorded; start reports the unsupported provider
		provider = pathres.Provider{Name: ds.Provider}
	}
	downloadPath := pathres.ResolveDownloadPath(ds.Identifier, ds.ID, ds.Version, provider)

	now := o.now()
	tasks := make([]domain.CollectionTask, 0, len(unique))
	for _, l := range unique {
		tasks = append(tasks, domain.CollectionTask{
			ID:                uuid.NewString(),
			SchemaVersion:     domain.CurrentSchemaVersion,
			DatasetID:         ds.ID,
			DatasetName:       ds.Name,
			DatasetProvider:   ds.Provider,
			DatasetIdentifier: ds.Identifier,
			DatasetVersion:    ds.Version,
			DownloadPath:      downloadPath,
			Destination:       l.Ref(),
			Status:            domain.StatusPending,
			CreatedAt:         now,
		})
	}

	if err := o.store.Create(ctx, tasks...); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}

	for _, t := range tasks {
		o.progress.Publish(domain.ProgressFromTask(t))
	}
	slog.Info("tasks created",
		slog.String("dataset_id", ds.ID),
		slog.String("download_path", downloadPath),
		slog.Int("count", len(tasks)),
	)
	return tasks, nil
}

// CreateTasks resolves location ids against the configured locations.
func (o *orchestrator) CreateTasks(ctx context.Context, ds domain.Dataset, locationIDs []string) ([]domain.CollectionTask, error) {
	locations := make([]domain.StorageLocation, 0, len(locationIDs))
	for _, id := range locationIDs {
		l, ok := o.locations.Location(id)
		if !ok {
			return nil, fmt.Errorf("storage location %q not found: %w", id, domain.ErrConfiguration)
		}
		locations = append(locations, l)
	}
	return o.CreateTasksForLocations(ctx, ds, locations)
}

// Start hands a pending or failed task to an executor and marks it
// downloading before the first byte moves.
func (o *orchestrator) Start(ctx context.Context, taskID string) error {
	return o.launch(ctx, taskID, domain.StatusPending, domain.StatusFailed)
}

// Resume starts a fresh run of a paused task. Objects are not resumed.
func (o *orchestrator) Resume(ctx context.Context, taskID string) error {
	return o.launch(ctx, taskID, domain.StatusPaused)
}

func (o *orchestrator) launch(ctx context.Context, taskID string, from ...domain.TaskStatus) error {
	r := &run{
		id:   uuid.NewString(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if !o.register(taskID, r) {
		return fmt.Errorf("start task %s: %w", taskID, domain.ErrTaskRunning)
	}

	t, err := o.store.Task(ctx, taskID)
	if err != nil {
		o.unregister(taskID, r)
		return err
	}
	if !statusIn(t.Status, from) {
		o.unregister(taskID, r)
		return fmt.Errorf("start task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
	}

	loc, ok := o.locations.Location(t.Destination.ID)
	if !ok {
		return o.reject(ctx, t, r, fmt.Errorf("%w: storage location %q not found", domain.ErrConfiguration, t.Destination.ID))
	}
	provider, err := o.registry.Lookup(t.DatasetProvider)
	if err != nil {
		return o.reject(ctx, t, r, err)
	}
	source, err := o.newSource(provider)
	if err != nil {
		return o.reject(ctx, t, r, fmt.Errorf("%w: source for %s: %w", domain.ErrConfiguration, provider.Name, err))
	}

	downloading := domain.StatusDownloading
	updated, err := o.store.Update(ctx, taskID, domain.TaskPatch{
		RequireStatus: &t.Status,
		Status:        &downloading,
	})
	if err != nil {
		o.unregister(taskID, r)
		return err
	}
	if updated.Status != domain.StatusDownloading {
		o.unregister(taskID, r)
		return fmt.Errorf("start task %s: status changed to %s: %w", taskID, updated.Status, domain.ErrInvalidTransition)
	}

	sink, err := o.newSink(loc, updated.DownloadPath)
	if err != nil {
		// roll back the optimistic transition
		return o.reject(ctx, updated, r, fmt.Errorf("%w: %w", domain.ErrConfiguration, err))
	}

	o.progress.Publish(domain.DownloadProgress{
		TaskID: taskID,
		RunID:  r.id,
		Status: domain.StatusDownloading,
	})

	job := executor.Job{
		Task:     updated,
		RunID:    r.id,
		Provider: provider,
		Source:   source,
		Sink:     sink,
		Reporter: o,
		Stop:     r.stop,
	}

	o.wg.Add(1)
	go o.execute(job, r, loc.ID)

	slog.Info("task started",
		slog.String("task_id", taskID),
		slog.String("run_id", r.id),
		slog.String("destination", loc.ID),
	)
	return nil
}

func (o *orchestrator) execute(job executor.Job, r *run, locationID string) {
	defer o.wg.Done()
	defer o.unregister(job.Task.ID, r)
	defer close(r.done)

	// a stop while queued behind other runs ends the wait
	waitCtx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for p := r.prev; p != nil; p = p.prev {
		select {
		case <-p.done:
		case <-waitCtx.Done():
			slog.Info("task stopped before the previous run finished",
				slog.String("task_id", job.Task.ID),
				slog.String("run_id", r.id),
			)
			return
		}
	}

	sem := o.semaphore(locationID)
	if err := sem.Acquire(waitCtx, 1); err != nil {
		slog.Info("task left the destination queue",
			slog.String("task_id", job.Task.ID),
			slog.String("run_id", r.id),
		)
		return
	}
	defer sem.Release(1)

	if err := o.runner.Run(o.ctx, job); err != nil {
		slog.Debug("run finished with error",
			slog.String("task_id", job.Task.ID),
			slog.String("run_id", r.id),
			slog.String("error", err.Error()),
		)
	}
}

// Report forwards executor events of the current run and drops the rest.
func (o *orchestrator) Report(ctx context.Context, p domain.DownloadProgress) {
	if !o.IsCurrentRun(p.TaskID, p.RunID) {
		slog.Debug("event from stale run dropped",
			slog.String("task_id", p.TaskID),
			slog.String("run_id", p.RunID),
		)
		return
	}
	o.progress.Report(ctx, p)
}

func (o *orchestrator) IsCurrentRun(taskID, runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[taskID]
	return ok && !r.stopping && r.id == runID
}

// Cancel stops a task at the next object boundary and marks it failed.
func (o *orchestrator) Cancel(ctx context.Context, taskID string) error {
	return o.interrupt(ctx, taskID, domain.StatusFailed, domain.ErrCancelled.Error(),
		domain.StatusPending, domain.StatusDownloading, domain.StatusPaused)
}

// Pause stops a downloading task at the next object boundary. Progress is kept.
func (o *orchestrator) Pause(ctx context.Context, taskID string) error {
	return o.interrupt(ctx, taskID, domain.StatusPaused, "", domain.StatusDownloading)
}

func (o *orchestrator) interrupt(
	ctx context.Context,
	taskID string,
	to domain.TaskStatus,
	reason string,
	from ...domain.TaskStatus,
) error {
	t, err := o.store.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if !statusIn(t.Status, from) {
		return fmt.Errorf("task %s: %s -> %s: %w", taskID, t.Status, to, domain.ErrInvalidTransition)
	}

	patch := domain.TaskPatch{RequireStatus: &t.Status, Status: &to}
	if reason != "" {
		patch.ErrorMessage = &reason
	}
	updated, err := o.store.Update(ctx, taskID, patch)
	if err != nil {
		return err
	}
	if updated.Status != to {
		return fmt.Errorf("task %s: status changed to %s: %w", taskID, updated.Status, domain.ErrInvalidTransition)
	}

	o.stop(taskID)
	o.progress.Publish(domain.ProgressFromTask(updated))

	slog.Info("task interrupted",
		slog.String("task_id", taskID),
		slog.String("status", string(to)),
	)
	return nil
}

// Retry puts a failed task back to pending with cleared progress.
func (o *orchestrator) Retry(ctx context.Context, taskID string) error {
	if o.running(taskID) {
		return fmt.Errorf("retry task %s: %w", taskID, domain.ErrTaskRunning)
	}

	pending := domain.StatusPending
	failed := domain.StatusFailed
	t, err := o.store.Update(ctx, taskID, domain.TaskPatch{
		RequireStatus: &failed,
		Status:        &pending,
		Reset:         true,
	})
	if err != nil {
		return err
	}
	if t.Status != domain.StatusPending {
		return fmt.Errorf("retry task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
	}

	o.progress.Publish(domain.ProgressFromTask(t))
	return nil
}

// Cleanup releases run state of a task that is not downloading. Calling it
// again, or for an unknown task, is a no-op.
func (o *orchestrator) Cleanup(ctx context.Context, taskID string) error {
	t, err := o.store.Task(ctx, taskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
	case err != nil:
		return err
	case t.Status == domain.StatusDownloading && o.running(taskID):
		return fmt.Errorf("cleanup task %s: %w", taskID, domain.ErrTaskRunning)
	}

	o.stop(taskID)
	o.progress.Forget(taskID)
	return nil
}

// Delete cancels an in-flight run, best effort, and removes the task.
func (o *orchestrator) Delete(ctx context.Context, taskID string) error {
	o.stop(taskID)

	if err := o.store.Delete(ctx, taskID); err != nil {
		return err
	}
	o.progress.Forget(taskID)

	slog.Info("task deleted", slog.String("task_id", taskID))
	return nil
}

func (o *orchestrator) Task(ctx context.Context, taskID string) (domain.CollectionTask, error) {
	return o.store.Task(ctx, taskID)
}

func (o *orchestrator) List(ctx context.Context) ([]domain.CollectionTask, error) {
	return o.store.List(ctx)
}

func (o *orchestrator) Snapshot(ctx context.Context, taskID string) (domain.DownloadProgress, bool) {
	return o.progress.Snapshot(ctx, taskID)
}

func (o *orchestrator) SnapshotAll(ctx context.Context) ([]domain.DownloadProgress, error) {
	return o.progress.SnapshotAll(ctx)
}

func (o *orchestrator) Subscribe(fn reconciler.Subscriber) (unsubscribe func()) {
	return o.progress.Subscribe(fn)
}

// Recover marks tasks left downloading by a previous process as failed.
func (o *orchestrator) Recover(ctx context.Context) (int, error) {
	tasks, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}

	downloading := domain.StatusDownloading
	failed := domain.StatusFailed
	reason := "download interrupted"

	n := 0
	for _, t := range tasks {
		if t.Status != domain.StatusDownloading || o.running(t.ID) {
			continue
		}
		updated, err := o.store.Update(ctx, t.ID, domain.TaskPatch{
			RequireStatus: &downloading,
			Status:        &failed,
			ErrorMessage:  &reason,
		})
		if err != nil {
			slog.Warn("recover task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if updated.Status == domain.StatusFailed {
			n++
		}
	}

	if n > 0 {
		slog.Warn("interrupted downloads marked failed", slog.Int("count", n))
	}
	return n, nil
}

// TestConnection checks the configured storage location with the given id.
func (o *orchestrator) TestConnection(ctx context.Context, locationID string) (domain.ConnectionResult, error) {
	loc, ok := o.locations.Location(locationID)
	if !ok {
		return domain.ConnectionResult{}, fmt.Errorf("storage location %q not found: %w", locationID, domain.ErrConfiguration)
	}
	return o.checkConnection(ctx, loc), nil
}

// Shutdown stops every run and waits for executors to return. Tasks still
// downloading stay so in the store; Recover handles them on the next start.
func (o *orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// reject fails a task that could not be handed to an executor.
func (o *orchestrator) reject(ctx context.Context, t domain.CollectionTask, r *run, cause error) error {
	o.unregister(t.ID, r)

	if t.Status != domain.StatusFailed {
		failed := domain.StatusFailed
		msg := cause.Error()
		updated, err := o.store.Update(ctx, t.ID, domain.TaskPatch{
			RequireStatus: &t.Status,
			Status:        &failed,
			ErrorMessage:  &msg,
		})
		if err != nil {
			slog.Error("mark task failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		} else {
			o.progress.Publish(domain.ProgressFromTask(updated))
		}
	}

	slog.Warn("task start rejected",
		slog.String("task_id", t.ID),
		slog.String("error", cause.Error()),
	)
	return cause
}

// register makes r the task's current run. A run that is still stopping is
// chained behind r instead of blocking it.
func (o *orchestrator) register(taskID string, r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.runs[taskID]; ok {
		if !cur.stopping {
			return false
		}
		r.prev = cur
	}
	o.runs[taskID] = r
	return true
}

// unregister drops r, handing the slot back to a previous run that has not
// finished yet.
func (o *orchestrator) unregister(taskID string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.runs[taskID]
	if !ok || cur != r {
		return
	}
	for p := r.prev; p != nil; p = p.prev {
		if !finished(p) {
			o.runs[taskID] = p
			return
		}
	}
	delete(o.runs, taskID)
}

// stop signals the current run of a task, if any. The run stays registered
// until its executor returns.
func (o *orchestrator) stop(taskID string) {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	if ok {
		r.stopping = true
	}
	o.mu.Unlock()

	if ok {
		r.signal()
	}
}

// running reports whether the task has a run that has not been stopped.
func (o *orchestrator) running(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[taskID]
	return ok && !r.stopping
}

func finished(r *run) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (o *orchestrator) semaphore(locationID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.sems[locationID]
	if !ok {
		sem = semaphore.NewWeighted(o.maxPerDest)
		o.sems[locationID] = sem
	}
	return sem
}

func statusIn(s domain.TaskStatus, set []domain.TaskStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
