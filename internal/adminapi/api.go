package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scriptsched/internal/storage"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

// Engine is the write side used by the API.
type Engine interface {
	CreateTask(ctx context.Context, t storage.Task) (storage.Task, error)
	UpdateTask(ctx context.Context, name string, p storage.TaskPatch) (storage.Task, error)
	SetSchedule(ctx context.Context, name string, typ storage.ScheduleType, cfg json.RawMessage) (storage.Schedule, error)
	AddDependency(ctx context.Context, name, dependsOn string, cond storage.DepCondition) (storage.Dependency, error)
	RunNow(ctx context.Context, name string) (storage.Run, error)
	Reload(ctx context.Context) ([]*scheduler.ConfigError, error)
	Snapshot() engine.Snapshot
}

// Reader is the read side, served straight from the store.
type Reader interface {
	ListTasks(ctx context.Context) ([]storage.Task, error)
	GetTaskByName(ctx context.Context, name string) (storage.Task, error)
	GetDependencies(ctx context.Context, taskID int64) ([]storage.Dependency, error)
	GetRun(ctx context.Context, id string) (storage.Run, error)
	GetRecentRuns(ctx context.Context, taskID int64, limit int) ([]storage.Run, error)
	GetUnacknowledgedAlerts(ctx context.Context, severity storage.Severity, limit int) ([]storage.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string) error
	GetHeartbeats(ctx context.Context, freshness time.Duration) ([]storage.Heartbeat, error)
}

type API struct {
	eng     Engine
	store   Reader
	entries func() []scheduler.EntryInfo
	log     logx.Logger
}

// NewAPI builds the handler set. entries may be nil.
func NewAPI(eng Engine, store Reader, entries func() []scheduler.EntryInfo, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{eng: eng, store: store, entries: entries, log: log}
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// Handler returns the router. A non-empty token guards everything except
// /healthz.
func (a *API) Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		r.Mount("/debug", middleware.Profiler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", a.listTasks)
				r.Post("/", a.createTask)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", a.getTask)
					r.Patch("/", a.updateTask)
					r.Put("/schedule", a.setSchedule)
					r.Post("/dependencies", a.addDependency)
					r.Post("/run", a.runTask)
				})
			})
			r.Post("/reload", a.reload)
			r.Get("/runs", a.listRuns)
			r.Get("/runs/{id}", a.getRun)
			r.Get("/alerts", a.listAlerts)
			r.Post("/alerts/{id}/ack", a.ackAlert)
			r.Get("/heartbeats", a.listHeartbeats)
			r.Get("/tracker", a.tracker)
			r.Get("/schedule", a.schedule)
		})
	})
	return r
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(ah[len(p):])), []byte(tok)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		})
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("duration", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ---- tasks ----

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListTasks(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var t storage.Task
	if !decode(w, r, &t) {
		return
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || strings.TrimSpace(t.ScriptPath) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name and script_path are required"))
		return
	}
	created, err := a.eng.CreateTask(r.Context(), t)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type taskView struct {
	storage.Task
	Dependencies []storage.Dependency `json:"dependencies"`
	RecentRuns   []storage.Run        `json:"recent_runs"`
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := a.store.GetTaskByName(ctx, chi.URLParam(r, "name"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	view := taskView{Task: task}
	if view.Dependencies, err = a.store.GetDependencies(ctx, task.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	if view.RecentRuns, err = a.store.GetRecentRuns(ctx, task.ID, 10); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	var p storage.TaskPatch
	if !decode(w, r, &p) {
		return
	}
	task, err := a.eng.UpdateTask(r.Context(), chi.URLParam(r, "name"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type scheduleRequest struct {
	Type   storage.ScheduleType `json:"type"`
	Config json.RawMessage      `json:"config"`
}

func (a *API) setSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	sc, err := a.eng.SetSchedule(r.Context(), chi.URLParam(r, "name"), req.Type, req.Config)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type dependencyRequest struct {
	DependsOn string               `json:"depends_on"`
	Condition storage.DepCondition `json:"condition"`
}

func (a *API) addDependency(w http.ResponseWriter, r *http.Request) {
	var req dependencyRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DependsOn) == "" {
		writeError(w, http.StatusBadRequest, errors.New("depends_on is required"))
		return
	}
	if req.Condition != "" && !req.Condition.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown dependency condition "+strconv.Quote(string(req.Condition))))
		return
	}
	dep, err := a.eng.AddDependency(r.Context(), chi.URLParam(r, "name"), req.DependsOn, req.Condition)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// runTask answers 202 with the queued run. A run that was created but not
// queued is returned next to the error.
func (a *API) runTask(w http.ResponseWriter, r *http.Request) {
	run, err := a.eng.RunNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if run.ID != "" {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "run": run})
			return
		}
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

type rejected struct {
	TaskID int64  `json:"task_id"`
	Task   string `json:"task"`
	Error  string `json:"error"`
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	errs, err := a.eng.Reload(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]rejected, 0, len(errs))
	for _, ce := range errs {
		out = append(out, rejected{TaskID: ce.TaskID, Task: ce.Task, Error: ce.Err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": out, "entries": a.eng.Snapshot().Entries})
}

// ---- reporting ----

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	var taskID int64
	if name := strings.TrimSpace(r.URL.Query().Get("task")); name != "" {
		task, err := a.store.GetTaskByName(ctx, name)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		taskID = task.ID
	}
	runs, err := a.store.GetRecentRuns(ctx, taskID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	sev := storage.Severity(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("severity"))))
	switch sev {
	case "", storage.SeverityWarning, storage.SeverityError, storage.SeverityCritical:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown severity "+strconv.Quote(string(sev))))
		return
	}
	alerts, err := a.store.GetUnacknowledgedAlerts(r.Context(), sev, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type ackRequest struct {
	By string `json:"by"`
}

func (a *API) ackAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid alert id"))
		return
	}
	var req ackRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "admin"
	}
	if err := a.store.AcknowledgeAlert(r.Context(), id, req.By); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listHeartbeats(w http.ResponseWriter, r *http.Request) {
	var fresh time.Duration
	if v := strings.TrimSpace(r.URL.Query().Get("freshness")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid freshness: "+err.Error()))
			return
		}
		fresh = d
	}
	hbs, err := a.store.GetHeartbeats(r.Context(), fresh)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hbs)
}

func (a *API) tracker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Snapshot())
}

func (a *API) schedule(w http.ResponseWriter, _ *http.Request) {
	var out []scheduler.EntryInfo
	if a.entries != nil {
		out = a.entries()
	}
	if out == nil {
		out = []scheduler.EntryInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return 0, false
	}
	return min(n, maxListLimit), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func statusFor(err error) int {
	var ce *scheduler.ConfigError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTaskInactive), errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrDependenciesUnsatisfied), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.Error("admin request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
