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

	"github.com/rs/cors"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/gateway"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/scheduler"
	"solstice-agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// RequestObserver 记录每个 HTTP 请求的耗时与状态码。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口，供外部驱动 agent 与定时任务。
type Server struct {
	addr      string
	responder gateway.Responder
	inbound   gateway.Producer
	scheduler *scheduler.Scheduler
	facts     memory.FactStore
	sessions  memory.SessionStore
	observer  RequestObserver
	metrics   http.Handler
	origins   []string
	auth      *tokenAuth
	timeout   time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithInbound 启用 /v1/inbound，把消息写入网关入站队列。
func WithInbound(p gateway.Producer) Option {
	return func(s *Server) { s.inbound = p }
}

// WithScheduler 启用 /v1/jobs 相关接口。
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Server) { s.scheduler = sched }
}

// WithMemory 启用事实与会话查询接口。
func WithMemory(store memory.Store) Option {
	return func(s *Server) {
		if store != nil {
			s.facts = store
			s.sessions = store
		}
	}
}

// WithMetrics 记录请求指标并在 /metrics 暴露 handler。
func WithMetrics(observer RequestObserver, handler http.Handler) Option {
	return func(s *Server) {
		s.observer = observer
		s.metrics = handler
	}
}

// WithAllowedOrigins 配置 CORS 白名单，为空时不启用 CORS。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithTokens 要求 /v1 接口携带其中任一 Bearer token，为空时不认证。
func WithTokens(tokens ...string) Option {
	return func(s *Server) { s.auth = newTokenAuth(tokens) }
}

// WithRequestTimeout 限制单次对话请求的最长时间。
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, responder gateway.Responder, opts ...Option) *Server {
	s := &Server{addr: addr, responder: responder, timeout: 5 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	v1 := http.NewServeMux()
	s.route(v1, "POST /v1/chat", s.handleChat)
	s.route(v1, "POST /v1/inbound", s.handleInbound)
	s.route(v1, "GET /v1/jobs", s.handleListJobs)
	s.route(v1, "POST /v1/jobs", s.handleCreateJob)
	s.route(v1, "DELETE /v1/jobs/{id}", s.handleDeleteJob)
	s.route(v1, "POST /v1/jobs/{id}/enable", s.handleEnableJob)
	s.route(v1, "GET /v1/jobs/{id}/runs", s.handleJobRuns)
	s.route(v1, "GET /v1/memory/facts", s.handleFacts)
	s.route(v1, "GET /v1/sessions", s.handleSessions)

	mux = http.NewServeMux()
	mux.Handle("/v1/", s.auth.middleware(v1))
	s.route(mux, "GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	var handler http.Handler = mux
	if len(s.origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}).Handler(handler)
	}
	return handler
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
	logger.L().Info("api server listening", slog.String("addr", s.addr))

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

// route 注册处理函数，并按路径模板记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	label := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		label = path
	}
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.observer != nil {
			s.observer.ObserveHTTPRequest(label, r.Method, rec.status, time.Since(start))
		}
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.scheduler != nil,
		"gateway":   s.inbound != nil,
	})
}

// ChatRequest 是 /v1/chat 的请求体。
type ChatRequest struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
}

// ChatResponse 是 /v1/chat 的响应体。
type ChatResponse struct {
	Agent string `json:"agent"`
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.responder == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "agent runtime not initialized"))
		return
	}
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	channel := gateway.ChannelWebchat
	if req.Channel != "" {
		ch, err := gateway.ParseChannel(req.Channel)
		if err != nil {
			writeError(w, err)
			return
		}
		channel = ch
	}
	if req.Sender == "" {
		req.Sender = "http"
	}
	msg := gateway.NewInbound(channel, req.Sender, req.Text)
	if err := msg.Validate(); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	agent, reply, err := s.responder.Respond(ctx, msg)
	if err != nil && reply == "" {
		writeError(w, err)
		return
	}
	resp := ChatResponse{Agent: agent, Reply: reply}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// InboundRequest 是 /v1/inbound 的请求体，对应一条渠道消息。
type InboundRequest struct {
	Channel    string            `json:"channel"`
	Sender     string            `json:"sender"`
	SenderName string            `json:"sender_name"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if s.inbound == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "gateway not enabled"))
		return
	}
	var req InboundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	channel, err := gateway.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := gateway.NewInbound(channel, req.Sender, req.Text)
	msg.SenderName = req.SenderName
	msg.Metadata = req.Metadata
	if err := msg.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.inbound.Publish(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": msg.ID})
}

// JobRequest 是创建定时任务的请求体。
type JobRequest struct {
	Schedule  string `json:"schedule"`
	Prompt    string `json:"prompt"`
	Agent     string `json:"agent"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.List(r.Context()))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	var req JobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Channel != "" {
		if _, err := gateway.ParseChannel(req.Channel); err != nil {
			writeError(w, err)
			return
		}
	}
	job, err := s.scheduler.Add(r.Context(), req.Schedule, req.Prompt, req.Agent,
		scheduler.Delivery{Channel: req.Channel, Recipient: req.Recipient})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	id := r.PathValue("id")
	removed, err := s.scheduler.Remove(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "job '"+id+"' not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	job, err := s.scheduler.Enable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.scheduler.Get(id); !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "job '"+id+"' not found"))
		return
	}
	runs, err := s.scheduler.Runs(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) schedulerReady(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "scheduler not enabled"))
		return false
	}
	return true
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if s.facts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "memory not enabled"))
		return
	}
	scope := r.URL.Query().Get("scope")
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		facts, err := s.facts.Facts(r.Context(), scope)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, facts)
		return
	}
	matches, err := s.facts.Recall(r.Context(), scope, query, queryLimit(r, 10))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "memory not enabled"))
		return
	}
	infos, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("api request failed", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeLimitExceeded:
		return http.StatusUnprocessableEntity
	case xerrors.CodeRejected, xerrors.CodeConfirmationRequired:
		return http.StatusForbidden
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeProviderFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
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
