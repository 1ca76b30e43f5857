package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/auth"
	xerrors "OpenMCP-Conductor/internal/errors"
	"OpenMCP-Conductor/internal/observability/metrics"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/task"
)

// Server 负责暴露 REST 接口，供运维与集成方查询和驱动编排器。
type Server struct {
	addr string
	orch *orchestrator.Orchestrator
	auth *auth.Service
}

// NewServer 构造 API 服务实例。authSvc 可以为 nil，表示不启用认证。
func NewServer(addr string, orch *orchestrator.Orchestrator, authSvc *auth.Service) *Server {
	return &Server{addr: addr, orch: orch, auth: authSvc}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.routes(mux)

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))

	readPerms := map[string][]string{"GET": {"conductor:read"}}
	writePerms := map[string][]string{
		"GET":  {"conductor:read"},
		"POST": {"conductor:write"},
	}

	mux.Handle("/api/v1/tasks", s.protect(writePerms, instrument("tasks", http.HandlerFunc(s.handleTasks))))
	mux.Handle("/api/v1/tasks/", s.protect(writePerms, instrument("task_detail", http.HandlerFunc(s.handleTaskByID))))
	mux.Handle("/api/v1/agents", s.protect(readPerms, instrument("agents", http.HandlerFunc(s.handleAgents))))
	mux.Handle("/api/v1/agents/", s.protect(readPerms, instrument("agent_detail", http.HandlerFunc(s.handleAgentByID))))
	mux.Handle("/api/v1/status", s.protect(readPerms, instrument("status", http.HandlerFunc(s.handleStatus))))
}

// protect 按需套上认证中间件；认证未启用时原样返回处理器。
func (s *Server) protect(perms map[string][]string, next http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms})(next)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Ping())
}

// handleToken 处理令牌签发请求。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if stdErrors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateTask 处理创建任务的请求。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	created, err := s.orch.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleListTasks 处理任务列表查询，支持状态、负责人、标签等过滤条件。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("status"); raw != "" {
		status := task.Status(raw)
		if !task.IsValidStatus(status) {
			http.Error(w, "未知的任务状态: "+raw, http.StatusBadRequest)
			return
		}
		opts = append(opts, task.WithStatuses(status))
	}
	if assignee := query.Get("assignee"); assignee != "" {
		opts = append(opts, task.WithAssignee(assignee))
	}
	if label := query.Get("label"); label != "" {
		opts = append(opts, task.WithLabel(label))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}

	results, err := s.orch.ListTasks(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleTaskByID 处理单个任务的查询与重新开放。
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if rest == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}
	if taskID, ok := strings.CutSuffix(rest, "/unassign"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		reopened, err := s.orch.UnassignTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reopened)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	found, err := s.orch.GetTask(r.Context(), rest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	agents, err := s.orch.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	agentID := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if agentID == "" {
		http.Error(w, "缺少智能体 ID", http.StatusBadRequest)
		return
	}
	status, err := s.orch.GetAgentStatus(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.orch.GetProjectStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// errorBody 是 API 错误响应的统一结构。
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError 将领域错误映射为 HTTP 状态码并输出统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound), stdErrors.Is(err, agent.ErrAgentNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, task.ErrTaskConflict), stdErrors.Is(err, task.ErrTaskDone),
		stdErrors.Is(err, task.ErrNotAssignee):
		status = http.StatusConflict
	case stdErrors.Is(err, task.ErrNoTaskAvailable):
		status = http.StatusNotFound
	case xerrors.CodeOf(err) == task.CodeTaskValidation,
		xerrors.CodeOf(err) == agent.CodeAgentValidation:
		status = http.StatusBadRequest
	}

	var body errorBody
	body.Error.Code = string(xerrors.CodeOf(err))
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 包装处理器以记录请求指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
