package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/datacollector/internal/domain"

	"github.com/google/uuid"
)

type Usecase interface {
	CreateTasks(ctx context.Context, ds domain.Dataset, locationIDs []string) ([]domain.CollectionTask, error)
	Task(ctx context.Context, taskID string) (domain.CollectionTask, error)
	List(ctx context.Context) ([]domain.CollectionTask, error)
	Start(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string) error
	Cleanup(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error
	Snapshot(ctx context.Context, taskID string) (domain.DownloadProgress, bool)
	SnapshotAll(ctx context.Context) ([]domain.DownloadProgress, error)
	TestConnection(ctx context.Context, locationID string) (domain.ConnectionResult, error)
}

// Enqueuer hands start requests to the dispatcher instead of starting inline.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) error
}

const maxRequestBytes = 1 << 20

type handler struct {
	usecase Usecase
	queue   Enqueuer
}

// NewHandler builds the HTTP handler. queue may be nil.
func NewHandler(uc Usecase, queue Enqueuer) *handler {
	return &handler{
		usecase: uc,
		queue:   queue,
	}
}

func (h *handler) logger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func (h *handler) createTasks(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r, "create_tasks")

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req domain.CreateTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("decode request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Dataset.ID == "" || req.Dataset.Provider == "" {
		writeError(w, http.StatusBadRequest, "dataset.id and dataset.provider are required")
		return
	}

	tasks, err := h.usecase.CreateTasks(r.Context(), req.Dataset, req.LocationIDs)
	if err != nil {
		h.fail(w, logger, "CreateTasks", err)
		return
	}

	if req.AutoStart {
		for _, t := range tasks {
			if err := h.start(r.Context(), t.ID); err != nil {
				logger.Warn("auto start",
					slog.String("task_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		tasks = h.reload(r.Context(), tasks)
	}

	writeJSON(w, http.StatusCreated, tasks)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.usecase.List(r.Context())
	if err != nil {
		h.fail(w, h.logger(r, "list_tasks"), "List", err)
		return
	}
	if tasks == nil {
		tasks = []domain.CollectionTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.usecase.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, h.logger(r, "get_task"), "Task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.usecase.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, h.logger(r, "delete_task"), "Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) startTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.start(r.Context(), id); err != nil {
		h.fail(w, h.logger(r, "start_task"), "Start", err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, id)
}

// action wraps a task operation that answers with the task's new snapshot.
func (h *handler) action(name string, op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(r.Context(), id); err != nil {
			h.fail(w, h.logger(r, name), name, err)
			return
		}
		h.writeSnapshot(w, r, http.StatusOK, id)
	}
}

func (h *handler) taskProgress(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, http.StatusOK, r.PathValue("id"))
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	all, err := h.usecase.SnapshotAll(r.Context())
	if err != nil {
		h.fail(w, h.logger(r, "progress"), "SnapshotAll", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handler) testConnection(w http.ResponseWriter, r *http.Request) {
	res, err := h.usecase.TestConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, h.logger(r, "test_connection"), "TestConnection", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) start(ctx context.Context, taskID string) error {
	if h.queue == nil {
		return h.usecase.Start(ctx, taskID)
	}
	// validate before the request leaves the process
	if _, err := h.usecase.Task(ctx, taskID); err != nil {
		return err
	}
	return h.queue.Enqueue(ctx, taskID)
}

func (h *handler) reload(ctx context.Context, tasks []domain.CollectionTask) []domain.CollectionTask {
	out := make([]domain.CollectionTask, 0, len(tasks))
	for _, t := range tasks {
		if fresh, err := h.usecase.Task(ctx, t.ID); err == nil {
			t = fresh
		}
		out = append(out, t)
	}
	return out
}

func (h *handler) writeSnapshot(w http.ResponseWriter, r *http.Request, status int, taskID string) {
	snap, ok := h.usecase.Snapshot(r.Context(), taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, status, snap)
}

func (h *handler) fail(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op, slog.String("error", err.Error()))
		writeError(w, status, "")
		return
	}
	logger.Warn(op, slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
