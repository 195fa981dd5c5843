package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"OpenAgent-Runtime/internal/agent"
	"OpenAgent-Runtime/internal/job"
	"OpenAgent-Runtime/internal/observability/metrics"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/pkg/logger"
)

// AgentRuntime 是 API 依赖的运行时能力，由 *runtime.Runtime 实现。
type AgentRuntime interface {
	Agent(id string) (runtime.Managed, error)
	Describe(filters ...runtime.Filter) []agent.Descriptor
	Initialize(ctx context.Context, id string) error
	Shutdown(ctx context.Context, id string, force bool) error
	ExecuteTask(ctx context.Context, id string, task agent.Task) runtime.Result
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr    string
	runtime AgentRuntime
	jobs    *job.Service
	metrics *metrics.Recorder
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithJobs 启用 /api/v1/jobs 路由。
func WithJobs(service *job.Service) Option {
	return func(s *Server) { s.jobs = service }
}

// WithMetrics 启用 /metrics 与请求指标。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = recorder }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rt AgentRuntime, opts ...Option) *Server {
	s := &Server{addr: addr, runtime: rt, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Post("/initialize", s.handleInitialize)
			r.Post("/shutdown", s.handleShutdown)
			r.Post("/tasks", s.handleExecuteTask)
		})
		if s.jobs != nil {
			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/stats", s.handleJobStats)
			r.Get("/jobs/{id}", s.handleGetJob)
		}
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[agent.Status]int)
	for _, d := range s.runtime.Describe() {
		counts[d.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agents": counts})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filters []runtime.Filter
	if c := query.Get("capability"); c != "" {
		filters = append(filters, runtime.WithCapability(agent.Capability(c)))
	}
	if t := query.Get("type"); t != "" {
		filters = append(filters, runtime.WithType(agent.Type(t)))
	}
	if st := query.Get("status"); st != "" {
		filters = append(filters, runtime.WithStatus(agent.Status(st)))
	}
	writeJSON(w, http.StatusOK, s.runtime.Describe(filters...))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.runtime.Agent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Descriptor())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runtime.Initialize(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.writeDescriptor(w, id)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "force 参数必须是布尔值")
			return
		}
		force = parsed
	}
	if err := s.runtime.Shutdown(r.Context(), id, force); err != nil {
		writeError(w, err)
		return
	}
	s.writeDescriptor(w, id)
}

func (s *Server) writeDescriptor(w http.ResponseWriter, id string) {
	a, err := s.runtime.Agent(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Descriptor())
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var task agent.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	result := s.runtime.ExecuteTask(r.Context(), chi.URLParam(r, "id"), task)
	status := http.StatusOK
	if !result.Success {
		status = statusFor(result.Error.Code)
	}
	writeJSON(w, status, result)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	j, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseJobFilters(w, r)
	if !ok {
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseJobFilters(w, r)
	if !ok {
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseJobFilters(w http.ResponseWriter, r *http.Request) ([]job.ListOption, bool) {
	query := r.URL.Query()
	var opts []job.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, key+" 必须是非负整数")
			return nil, false
		}
		if key == "limit" {
			opts = append(opts, job.WithLimit(n))
		} else {
			opts = append(opts, job.WithOffset(n))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				writeBadRequest(w, "未知的作业状态: "+string(status))
				return nil, false
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, job.WithAgent(agentID))
	}
	if taskType := query.Get("task_type"); taskType != "" {
		opts = append(opts, job.WithTaskType(agent.TaskType(taskType)))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "has_result 参数必须是布尔值")
			return nil, false
		}
		opts = append(opts, job.WithResultPresence(hasResult))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, true
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
