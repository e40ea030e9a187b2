// Package metrics exposes runtime counters in Prometheus format: HTTP traffic,
// tool executions, conversation turns, scheduled job runs and gateway messages.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solstice-agent/internal/conversation"
	"solstice-agent/internal/scheduler"
)

const namespace = "solstice"

// Metrics 持有全部指标以及独立的 Prometheus 注册表。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	toolExecutions *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	turnRounds     *prometheus.HistogramVec
	compactions    *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobsDisabled   prometheus.Counter
	gatewayMsgs    *prometheus.CounterVec
}

// New 创建指标集合并注册 Go 运行时与进程采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"handler", "method"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "result"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by agent and outcome.",
		}, []string{"agent", "result"}),
		turnRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_rounds",
			Help:      "Provider round trips per conversation turn.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10},
		}, []string{"agent"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Turns that compacted the session history.",
		}, []string{"agent"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by outcome.",
		}, []string{"result"}),
		jobsDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_disabled_total",
			Help:      "Jobs disabled after repeated failures.",
		}),
		gatewayMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_messages_total",
			Help:      "Gateway messages by channel and direction.",
		}, []string{"channel", "direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.toolExecutions, m.toolLatency,
		m.turns, m.turnRounds, m.compactions,
		m.jobRuns, m.jobsDisabled,
		m.gatewayMsgs,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTool 符合 tool.Observer 签名。
func (m *Metrics) ObserveTool(name string, elapsed time.Duration, failed bool) {
	m.toolExecutions.WithLabelValues(name, outcome(!failed)).Inc()
	m.toolLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveTurn 作为 conversation.WithTurnObserver 的回调。
func (m *Metrics) ObserveTurn(stats conversation.TurnStats) {
	result := "ok"
	switch {
	case stats.Err != nil:
		result = "error"
	case stats.Degraded:
		result = "degraded"
	}
	m.turns.WithLabelValues(stats.Agent, result).Inc()
	m.turnRounds.WithLabelValues(stats.Agent).Observe(float64(stats.Rounds))
	if stats.Compacted {
		m.compactions.WithLabelValues(stats.Agent).Inc()
	}
}

// ObserveJobRun 作为 scheduler.WithRunHook 的回调。
func (m *Metrics) ObserveJobRun(_ scheduler.Job, run scheduler.Run) {
	m.jobRuns.WithLabelValues(outcome(run.Success)).Inc()
}

// ObserveJobDisabled 记录一次任务停用。
func (m *Metrics) ObserveJobDisabled(scheduler.Job, error) {
	m.jobsDisabled.Inc()
}

// ObserveGatewayMessage 记录网关收发的消息。
func (m *Metrics) ObserveGatewayMessage(channel, direction string) {
	m.gatewayMsgs.WithLabelValues(channel, direction).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
