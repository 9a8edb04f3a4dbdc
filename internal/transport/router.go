package transport

import "net/http"

type router struct {
	h  *handler
	uc Usecase
}

func NewRouter(h *handler) *router {
	return &router{h: h, uc: h.usecase}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("GET /healthz", r.h.health)

	mux.HandleFunc("GET /tasks", r.h.listTasks)
	mux.HandleFunc("POST /tasks", r.h.createTasks)
	mux.HandleFunc("GET /tasks/{id}", r.h.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", r.h.deleteTask)
	mux.HandleFunc("GET /tasks/{id}/progress", r.h.taskProgress)

	mux.HandleFunc("POST /tasks/{id}/start", r.h.startTask)
	mux.Handle("POST /tasks/{id}/cancel", r.h.action("cancel", r.uc.Cancel))
	mux.Handle("POST /tasks/{id}/pause", r.h.action("pause", r.uc.Pause))
	mux.Handle("POST /tasks/{id}/resume", r.h.action("resume", r.uc.Resume))
	mux.Handle("POST /tasks/{id}/retry", r.h.action("retry", r.uc.Retry))
	mux.Handle("POST /tasks/{id}/cleanup", r.h.action("cleanup", r.uc.Cleanup))

	mux.HandleFunc("GET /progress", r.h.progress)
	mux.HandleFunc("POST /locations/{id}/test", r.h.testConnection)

	return mux
}
