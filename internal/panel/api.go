// ABOUTME: HTTP API for the panel: job CRUD, cancel, logs, SSE streams, login
// ABOUTME: chi router with JWT auth, role gates, audit logging, and Prometheus metrics

package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BGirginn/rasp-pi-webUI/internal/agentclient"
	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/rpc"
	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

// Agent is everything the API needs from the agent connection.
type Agent interface {
	AgentCaller
	RunJob(ctx context.Context, jobType, name string, config map[string]any) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (*agentclient.CancelResult, error)
	SystemInfo(ctx context.Context) (map[string]any, error)
	SystemHealth(ctx context.Context) (map[string]any, error)
}

// API serves the panel HTTP surface.
type API struct {
	store       store.Store
	agent       Agent
	reconciler  *Reconciler
	broadcaster *Broadcaster
	auth        *Authenticator
	logger      *slog.Logger
	metrics     *apiMetrics
	registry    *prometheus.Registry
	metricsPath string
}

type apiMetrics struct {
	requests *prometheus.CounterVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	m := &apiMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panel_http_requests_total",
			Help: "HTTP requests served by the panel API",
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(m.requests)
	return m
}

// Options assembles an API.
type Options struct {
	Store       store.Store
	Agent       Agent
	Reconciler  *Reconciler
	Broadcaster *Broadcaster
	Auth        *Authenticator
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	MetricsPath string
}

func NewAPI(opts Options) *API {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return &API{
		store:       opts.Store,
		agent:       opts.Agent,
		reconciler:  opts.Reconciler,
		broadcaster: opts.Broadcaster,
		auth:        opts.Auth,
		logger:      opts.Logger.With("component", "api"),
		metrics:     newAPIMetrics(opts.Registry),
		registry:    opts.Registry,
		metricsPath: opts.MetricsPath,
	}
}

// Router builds the chi handler tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.countRequests)

	r.Get("/healthz", a.handleHealthz)
	// An empty metrics path means metrics are disabled in config.
	if a.metricsPath != "" {
		r.Method(http.MethodGet, a.metricsPath,
			promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Post("/api/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)

		r.With(RequireRole(store.RoleViewer)).Group(func(r chi.Router) {
			r.Get("/api/jobs", a.handleListJobs)
			r.Get("/api/jobs/types", a.handleJobTypes)
			r.Get("/api/jobs/{id}", a.handleGetJob)
			r.Get("/api/jobs/{id}/logs", a.handleJobLogs)
			r.Get("/api/jobs/{id}/stream", a.handleJobStream)
			r.Get("/api/events", a.handleEvents)
			r.Get("/api/system/info", a.handleSystemInfo)
			r.Get("/api/system/health", a.handleSystemHealth)
		})

		r.With(RequireRole(store.RoleOperator)).Group(func(r chi.Router) {
			r.Post("/api/jobs", a.handleCreateJob)
			r.Post("/api/jobs/{id}/cancel", a.handleCancelJob)
		})

		r.With(RequireRole(store.RoleAdmin)).Group(func(r chi.Router) {
			r.Delete("/api/jobs/{id}", a.handleDeleteJob)
			r.Get("/api/audit", a.handleAudit)
		})
	})

	return r
}

// countRequests records one counter increment per served request. The route
// pattern keeps label cardinality bounded regardless of job ids in the path.
func (a *API) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		a.metrics.requests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, user, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.internalError(w, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]string{
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// jobView is the API shape of one job, with a flag telling the UI whether the
// record came from the live agent or the persisted mirror.
type jobView struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	State       jobs.State     `json:"state"`
	Progress    int            `json:"progress"`
	Config      map[string]any `json:"config,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedBy   string         `json:"started_by,omitempty"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	Live        bool           `json:"live"`
}

func viewOf(job *store.Job, live bool) jobView {
	return jobView{
		ID:          job.ID,
		Name:        job.Name,
		Type:        job.Type,
		State:       job.State,
		Progress:    job.Progress,
		Config:      job.Config,
		Result:      job.Result,
		Error:       job.Error,
		StartedBy:   job.StartedBy,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		CreatedAt:   job.CreatedAt,
		Live:        live,
	}
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var state jobs.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		state = jobs.State(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	// The mirror is the source of truth here; the reconciler keeps it within
	// one polling interval of the agent.
	records, err := a.store.ListJobs(r.Context(), state, limit)
	if err != nil {
		a.internalError(w, "listing jobs", err)
		return
	}

	views := make([]jobView, 0, len(records))
	for _, job := range records {
		views = append(views, viewOf(job, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleJobTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, JobTypeCatalog)
}

type createJobRequest struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !knownJobType(req.Type) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
		return
	}
	if req.Name == "" {
		req.Name = req.Type
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}

	// The panel owns the id so the mirror row exists regardless of what
	// happens to the agent afterwards.
	id := uuid.New().String()[:8]
	req.Config["job_id"] = id

	agentJob, err := a.agent.RunJob(r.Context(), req.Type, req.Name, req.Config)
	if err != nil {
		if errors.Is(err, agentclient.ErrUnreachable) {
			writeError(w, http.StatusBadGateway, "cannot start job: agent unreachable")
			return
		}
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			writeError(w, http.StatusBadRequest, rpcErr.Message)
			return
		}
		a.internalError(w, "submitting job", err)
		return
	}

	session, _ := SessionFrom(r.Context())
	mirror := &store.Job{
		ID:        agentJob.ID,
		Name:      agentJob.Name,
		Type:      agentJob.Type,
		State:     agentJob.State,
		Config:    agentJob.Config,
		StartedBy: session.Username,
		CreatedAt: agentJob.CreatedAt,
	}
	if err := a.store.CreateJob(r.Context(), mirror); err != nil {
		a.logger.Warn("persisting job mirror failed", "job_id", mirror.ID, "error", err)
	}

	a.audit(r, "job_created", mirror.ID, fmt.Sprintf("type=%s name=%s", mirror.Type, mirror.Name))
	a.broadcaster.Publish(AllJobsKey, &JobUpdate{Event: EventCreated, Job: mirror})

	writeJSON(w, http.StatusCreated, viewOf(mirror, true))
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, live, err := a.reconciler.FetchJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.internalError(w, "fetching job", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job, live))
}

func (a *API) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Refresh the mirror first; an unreachable agent just means we serve
	// what we already stored.
	if _, _, err := a.reconciler.FetchJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.internalError(w, "refreshing job", err)
		return
	}

	logs, err := a.store.ListJobLogs(r.Context(), id, 0)
	if err != nil {
		a.internalError(w, "listing job logs", err)
		return
	}
	if logs == nil {
		logs = []store.JobLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := a.agent.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, agentclient.ErrUnreachable) {
			writeError(w, http.StatusBadGateway, "cannot cancel job: agent unreachable")
			return
		}
		a.internalError(w, "cancelling job", err)
		return
	}
	if !res.Success {
		writeError(w, http.StatusConflict, res.Message)
		return
	}

	a.audit(r, "job_cancelled", id, res.Message)
	update := &JobUpdate{Event: EventCancelled}
	a.broadcaster.Publish(JobKey(id), update)
	a.broadcaster.Publish(AllJobsKey, update)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": res.Message})
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, _, err := a.reconciler.FetchJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.internalError(w, "fetching job", err)
		return
	}
	if !job.State.Terminal() {
		writeError(w, http.StatusConflict, "cannot delete an active job")
		return
	}

	if err := a.store.DeleteJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.internalError(w, "deleting job", err)
		return
	}

	a.audit(r, "job_deleted", id, "")
	a.broadcaster.Publish(AllJobsKey, &JobUpdate{Event: EventDeleted})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := a.store.ListAudit(r.Context(), limit)
	if err != nil {
		a.internalError(w, "listing audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.agent.SystemInfo(r.Context())
	if err != nil {
		if errors.Is(err, agentclient.ErrUnreachable) {
			writeError(w, http.StatusBadGateway, "agent unreachable")
			return
		}
		a.internalError(w, "fetching system info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health, err := a.agent.SystemHealth(r.Context())
	if err != nil {
		if errors.Is(err, agentclient.ErrUnreachable) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "unreachable"})
			return
		}
		a.internalError(w, "fetching system health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// audit best-effort records a mutating action; failures are logged, never
// surfaced to the caller.
func (a *API) audit(r *http.Request, action, targetID, detail string) {
	session, _ := SessionFrom(r.Context())
	entry := &store.AuditEntry{
		Username: session.Username,
		Action:   action,
		TargetID: targetID,
		Detail:   detail,
	}
	if err := a.store.AppendAudit(r.Context(), entry); err != nil {
		a.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func (a *API) internalError(w http.ResponseWriter, what string, err error) {
	a.logger.Error(what+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
