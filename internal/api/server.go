// Package api exposes the task registry over HTTP for inspection and manual
// control. Tasks are registered in-process by the host; the API cannot add
// them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/timing"
	logx "taskd/pkg/logx"
)

// Tasks is the task manager surface the API uses.
type Tasks interface {
	List() []task.Task
	Get(id task.ID) (task.Task, error)
	Cancel(id task.ID) error
	Purge(id task.ID) error
	RunNow(id task.ID) error
}

type EngineStats interface {
	Snapshot() timing.Snapshot
}

type Options struct {
	Tasks  Tasks
	Engine EngineStats
	Store  storage.Store // optional
	Log    logx.Logger

	Profiling bool
}

type Server struct {
	r       chi.Router
	tasks   Tasks
	engine  EngineStats
	store   storage.Store
	log     logx.Logger
	started time.Time
}

func NewServer(opts Options) http.Handler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	s := &Server{r: r, tasks: opts.Tasks, engine: opts.Engine, store: opts.Store, log: log, started: time.Now()}

	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	if opts.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Get("/health", s.health)
	r.Get("/engine", s.engineStats)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Delete("/", s.purgeTask)
			r.Get("/runs", s.taskRuns)
			r.Post("/cancel", s.cancelTask)
			r.Post("/run", s.runTask)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) engineStats(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	list := s.tasks.List()
	out := make([]taskView, 0, len(list))
	for _, t := range list {
		out = append(out, viewOf(t, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.Get(id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t, true))
}

func (s *Server) taskRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run journal disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.store.RecentRuns(r.Context(), uint64(id), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.tasks.Cancel)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.tasks.RunNow(id); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": true})
}

func (s *Server) purgeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Purge(id); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) act(w http.ResponseWriter, r *http.Request, fn func(task.ID) error) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		writeTaskError(w, err)
		return
	}
	t, err := s.tasks.Get(id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t, false))
}

func taskID(w http.ResponseWriter, r *http.Request) (task.ID, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return task.ID(n), true
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrNotCancelled), errors.Is(err, task.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log logx.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	<-errCh
	return nil
}
