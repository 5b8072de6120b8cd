package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"EVMQuery-Chain/internal/agent"
	"EVMQuery-Chain/internal/auth"
	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/observability/metrics"
	"EVMQuery-Chain/internal/storage/mysql"
	"EVMQuery-Chain/internal/task"
	"EVMQuery-Chain/internal/web3"
	"EVMQuery-Chain/pkg/logger"
)

// QueryRunner 同步执行一次查询。
type QueryRunner interface {
	Execute(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
}

// HistoryLister 返回最近的查询记录。
type HistoryLister interface {
	ListHistory(ctx context.Context, limit int) ([]mysql.QueryRecord, error)
}

// ChainReporter 汇报各条链的连通状态。
type ChainReporter interface {
	Snapshots(ctx context.Context) (map[string]web3.ChainSnapshot, map[string]error)
}

// Server 负责暴露 REST 接口，供外部提交合约查询。
type Server struct {
	addr        string
	runner      QueryRunner
	history     HistoryLister
	tasks       *task.Service
	chains      ChainReporter
	metrics     *metrics.Metrics
	metricsPath string
	auth        *auth.Service
}

// Option 配置 Server。
type Option func(*Server)

// WithHistory 启用 /api/v1/history。
func WithHistory(h HistoryLister) Option {
	return func(s *Server) { s.history = h }
}

// WithTasks 启用异步提交与任务查询。
func WithTasks(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithChains 在健康检查中附带链快照。
func WithChains(c ChainReporter) Option {
	return func(s *Server) { s.chains = c }
}

// WithMetrics 为每个路由记录指标，并在 path 上暴露抓取端点。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path == "" {
			path = "/metrics"
		}
		s.metricsPath = path
	}
}

// WithAuth 为 /api/v1 下的路由启用身份认证，健康检查与指标端点不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner QueryRunner, opts ...Option) *Server {
	s := &Server{addr: addr, runner: runner}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/queries", "create_query", s.handleCreateQuery, auth.PermQueryWrite)
	s.route(mux, "GET /api/v1/queries", "list_queries", s.handleListQueries, auth.PermQueryRead)
	s.route(mux, "GET /api/v1/queries/{id}", "query_detail", s.handleQueryDetail, auth.PermQueryRead)
	s.route(mux, "GET /api/v1/history", "history", s.handleHistory, auth.PermQueryRead)
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc, perms ...string) {
	var handler http.Handler = h
	if s.auth != nil && len(perms) > 0 {
		handler = s.auth.Middleware(name, perms...)(handler)
	}
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
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
	logger.Named("api").Info("API 服务已启动", slog.String("addr", s.addr))

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

type createQueryRequest struct {
	ID    string `json:"id,omitempty"`
	Query string `json:"query"`
	Async bool   `json:"async,omitempty"`
}

// handleCreateQuery 同步返回 QueryResult，async=true 时返回 202 与任务。
func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var req createQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空"))
		return
	}
	queryReq := agent.QueryRequest{ID: req.ID, Query: req.Query}

	if req.Async {
		if s.tasks == nil {
			writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
			return
		}
		t, err := s.tasks.Submit(r.Context(), queryReq)
		if err != nil {
			writeError(w, statusFor(xerrors.CodeOf(err)), err)
			return
		}
		writeJSON(w, http.StatusAccepted, t)
		return
	}

	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	result, err := s.runner.Execute(r.Context(), queryReq)
	if result == nil {
		writeError(w, statusFor(xerrors.CodeOf(err)), err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(xerrors.CodeOf(err))
	}
	writeJSON(w, status, result)
}

func (s *Server) handleQueryDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if task.IsTaskError(err, task.CodeTaskNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListQueries 支持 status、q、limit、offset、order、updated_since、updated_until、has_result 参数。
func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
		return
	}
	opts, err := listOptionsFrom(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func listOptionsFrom(values url.Values) ([]task.ListOption, error) {
	invalid := func(param, value string) error {
		return xerrors.New(xerrors.CodeInvalidArgument, "查询参数无效", xerrors.WithMetadata(param, value))
	}
	opts := []task.ListOption{task.WithLimit(parseLimit(values.Get("limit"), 20))}
	if raw := values.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, invalid("status", string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q := values.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, invalid("offset", raw)
		}
		opts = append(opts, task.WithOffset(n))
	}
	if raw := values.Get("order"); raw != "" {
		order, ok := task.ParseOrder(raw)
		if !ok {
			return nil, invalid("order", raw)
		}
		opts = append(opts, task.WithOrder(order))
	}
	since, err := parseInstant(values.Get("updated_since"))
	if err != nil {
		return nil, invalid("updated_since", values.Get("updated_since"))
	}
	until, err := parseInstant(values.Get("updated_until"))
	if err != nil {
		return nil, invalid("updated_until", values.Get("updated_until"))
	}
	if !since.IsZero() || !until.IsZero() {
		opts = append(opts, task.WithUpdatedWindow(since, until))
	}
	if raw := values.Get("has_result"); raw != "" {
		present, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalid("has_result", raw)
		}
		opts = append(opts, task.WithResult(present))
	}
	return opts, nil
}

// parseInstant 接受 RFC3339 或 Unix 秒，空串返回零值。
func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "查询历史未启用"))
		return
	}
	records, err := s.history.ListHistory(r.Context(), parseLimit(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type healthResponse struct {
	Status string                         `json:"status"`
	Chains map[string]web3.ChainSnapshot `json:"chains,omitempty"`
	Errors map[string]string             `json:"errors,omitempty"`
	Tasks  *task.TaskStats               `json:"tasks,omitempty"`
}

// handleHealth 汇总链连通性与任务积压；部分链不可用时返回 degraded。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.chains != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		snapshots, errs := s.chains.Snapshots(ctx)
		cancel()
		resp.Chains = snapshots
		if len(errs) > 0 {
			resp.Errors = make(map[string]string, len(errs))
			for id, err := range errs {
				resp.Errors[id] = err.Error()
			}
			resp.Status = "degraded"
			if len(snapshots) == 0 {
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
	}
	if s.tasks != nil {
		if stats, err := s.tasks.Stats(r.Context()); err == nil {
			resp.Tasks = &stats
		}
	}
	writeJSON(w, status, resp)
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > 100 {
		return 100
	}
	return parsed
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeNoInteraction, xerrors.CodeInvalidGoal, xerrors.CodeRetriesExhausted, xerrors.CodePlanRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CodeContractMetadata, xerrors.CodeUpstreamUnavailable, xerrors.CodeExecution, xerrors.CodePlanGeneration:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: xerrors.MessageOf(err), Code: string(xerrors.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
