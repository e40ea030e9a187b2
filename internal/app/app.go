// Package app assembles the runtime from configuration: providers, tools,
// memory, the router, the scheduler and the gateway. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"solstice-agent/internal/api"
	"solstice-agent/internal/compaction"
	"solstice-agent/internal/config"
	"solstice-agent/internal/conversation"
	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/gateway"
	"solstice-agent/internal/llm"
	"solstice-agent/internal/llm/ollama"
	"solstice-agent/internal/llm/openai"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/observability/alerting"
	"solstice-agent/internal/observability/metrics"
	"solstice-agent/internal/personality"
	"solstice-agent/internal/router"
	"solstice-agent/internal/scheduler"
	"solstice-agent/internal/storage/mysql"
	"solstice-agent/internal/tool"
	"solstice-agent/pkg/logger"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// App 持有进程内的全部组件，启动时构建一次。
type App struct {
	Config        *config.Config
	Metrics       *metrics.Metrics
	Alerts        *alerting.FanoutDispatcher
	Tools         *tool.Registry
	Background    *tool.Background
	Personalities *personality.Registry
	Memory        memory.Store
	Router        *router.Router
	Scheduler     *scheduler.Scheduler
	Outbox        *gateway.Outbox
	Inbound       gateway.Queue

	outbound gateway.Queue
	closers  []func() error
}

// New 按配置构建全部组件。任何一步失败都会关闭已打开的资源。
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{
		Config:        cfg,
		Metrics:       metrics.New(),
		Alerts:        newAlerts(cfg.Alerting),
		Personalities: personality.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if n, lerr := a.Personalities.LoadDir(cfg.PersonalitiesDir); lerr != nil {
		return nil, lerr
	} else if n > 0 {
		logger.L().Info("personalities loaded", slog.Int("count", n), slog.String("dir", cfg.PersonalitiesDir))
	}

	a.Tools = tool.NewRegistry(
		tool.WithTimeout(cfg.Engine.ToolTimeout),
		tool.WithConfirmTools(cfg.Engine.ConfirmTools...),
		tool.WithObserver(a.Metrics.ObserveTool),
	)
	a.Background = tool.NewBackground(cfg.Engine.BackgroundLimit, cfg.Engine.ToolTimeout)
	if err := tool.RegisterBackgroundTools(a.Tools, a.Background); err != nil {
		return nil, err
	}

	if a.Memory, err = openMemory(ctx, cfg.Memory); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Memory.Close)
	if err := memory.RegisterTools(a.Tools, a.Memory, cfg.Memory.Scope); err != nil {
		return nil, err
	}

	a.Router, err = router.New(cfg.Agents, cfg.Routing.Rules, a.Memory, a.engine,
		router.WithDefault(cfg.Routing.Default),
		router.WithPoolSize(cfg.Routing.PoolSize),
		router.WithFallback(router.Identity{Provider: cfg.Provider.Name, Model: cfg.Provider.Model}),
	)
	if err != nil {
		return nil, err
	}

	if err := a.openOutbox(ctx); err != nil {
		return nil, err
	}
	if err := a.openScheduler(ctx); err != nil {
		return nil, err
	}
	if err := scheduler.RegisterTools(a.Tools, a.Scheduler); err != nil {
		return nil, err
	}

	if cfg.Gateway.Enabled {
		if a.Inbound, err = openQueue(ctx, cfg.Gateway.Queue.Driver, cfg.Gateway.Queue.Size,
			cfg.Gateway.Queue.Redis, cfg.Gateway.Queue.RabbitMQ); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Inbound.Close)
	}

	logger.L().Info("runtime assembled",
		slog.String("provider", cfg.Provider.Name),
		slog.String("model", cfg.Provider.Model),
		slog.Int("agents", len(cfg.Agents)),
		slog.Int("tools", len(a.Tools.Names())),
		slog.String("memory", cfg.Memory.Driver),
		slog.Bool("gateway", cfg.Gateway.Enabled),
	)
	return a, nil
}

// Provider 按 agent 配置构造模型后端，未填写的字段取全局 provider 配置。
func (a *App) Provider(id router.Identity) (llm.Provider, string, error) {
	p := a.Config.Provider
	name := strings.ToLower(firstNonEmpty(id.Provider, p.Name))
	model := firstNonEmpty(id.Model, p.Model)
	window := 0
	if id.Model == "" {
		window = p.ContextWindow
	}

	var inner llm.Provider
	switch name {
	case "openai", "openrouter":
		baseURL := firstNonEmpty(id.BaseURL, p.BaseURL)
		if name == "openrouter" && baseURL == "" {
			baseURL = openRouterBaseURL
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:        firstNonEmpty(id.APIKey, p.APIKey),
			BaseURL:       baseURL,
			Model:         model,
			Timeout:       p.Timeout,
			ContextWindow: window,
		})
		if err != nil {
			return nil, "", err
		}
		inner = client
	case "ollama":
		inner = ollama.NewClient(ollama.Config{
			BaseURL:       firstNonEmpty(id.BaseURL, p.BaseURL),
			Model:         model,
			Timeout:       p.Timeout,
			ContextWindow: window,
		})
	default:
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown provider %q", name))
	}
	return llm.NewRetrying(inner, llm.WithAttempts(p.Retries)), model, nil
}

// engine 是路由器的 EngineFactory。
func (a *App) engine(id router.Identity) (*conversation.Engine, error) {
	provider, model, err := a.Provider(id)
	if err != nil {
		return nil, err
	}
	e := a.Config.Engine
	compactor := compaction.New(provider,
		compaction.WithThreshold(e.Threshold),
		compaction.WithKeepRecent(e.KeepRecent),
		compaction.WithModel(e.SummaryModel),
	)
	persona := a.Personalities.Resolve(id.Personality)
	return conversation.New(provider, a.Tools, a.Memory, conversation.Config{
		Agent:       id.Name,
		Model:       model,
		System:      persona.SystemPrompt(),
		Tools:       id.Tools,
		Temperature: id.Temperature,
		MaxTokens:   id.MaxTokens,
		MaxRounds:   e.MaxRounds,
		Fanout:      e.ToolFanout,
	}, conversation.WithCompactor(compactor), conversation.WithTurnObserver(a.Metrics.ObserveTurn)), nil
}

func (a *App) openOutbox(ctx context.Context) error {
	d := a.Config.Scheduler.Delivery
	driver := d.Driver
	if driver == "file" {
		driver = "memory"
	}
	q, err := openQueue(ctx, driver, 0, d.Redis, d.RabbitMQ)
	if err != nil {
		return err
	}
	a.outbound = q
	a.Outbox = gateway.NewOutbox(q).Observe(a.Metrics.ObserveGatewayMessage)
	a.closers = append(a.closers, a.Outbox.Close)
	return nil
}

func (a *App) openScheduler(ctx context.Context) error {
	sc := a.Config.Scheduler
	var store scheduler.Store
	switch sc.Store.Driver {
	case "mysql":
		js, err := mysql.NewJobStore(ctx, mysql.Config{DSN: sc.Store.DSN})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, js.Close)
		store = js
	default:
		fs, err := scheduler.NewFileStore(sc.Store.Dir)
		if err != nil {
			return err
		}
		store = fs
	}

	files, err := scheduler.NewFileDeliverer(sc.Delivery.ResultsDir)
	if err != nil {
		return err
	}
	var sender scheduler.Sender
	if sc.Delivery.Driver != "file" {
		sender = a.Outbox
	}
	loc, err := sc.Location()
	if err != nil {
		return err
	}

	a.Scheduler, err = scheduler.New(ctx, store, a.Router,
		scheduler.WithInterval(sc.Interval),
		scheduler.WithJobTimeout(sc.JobTimeout),
		scheduler.WithMaxJobs(sc.MaxJobs),
		scheduler.WithLocation(loc),
		scheduler.WithDeliverer(scheduler.NewChannelDeliverer(sender, files)),
		scheduler.WithRunHook(a.Metrics.ObserveJobRun),
		scheduler.WithDisableHook(a.jobDisabled),
	)
	return err
}

// jobDisabled 在任务因连续失败被停用时记录指标并告警。
func (a *App) jobDisabled(job scheduler.Job, cause error) {
	a.Metrics.ObserveJobDisabled(job, cause)
	event := alerting.NewEvent(xerrors.CodeSchedulerJobFailure, "job:"+job.ID, cause)
	event.Failures = job.Failures
	event.Metadata = map[string]string{"schedule": job.Schedule, "agent": job.Agent}
	alerting.Emit(context.Background(), a.Alerts, event)
}

// Serve 运行后台组件与 HTTP 服务，直到 ctx 取消或其中之一失败。
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	g, ctx := errgroup.WithContext(ctx)

	if !cfg.Scheduler.Disabled {
		g.Go(func() error { return a.Scheduler.Run(ctx) })
	}
	if cfg.Scheduler.Delivery.Driver == "file" || cfg.Scheduler.Delivery.Driver == "memory" {
		// 进程内 outbox 没有外部渠道适配器消费，这里记录后丢弃。
		g.Go(func() error { return a.outbound.Consume(ctx, 1, logOutbound) })
	}
	if a.Inbound != nil {
		opts := []gateway.ProcessorOption{
			gateway.WithWorkerCount(cfg.Gateway.Workers),
			gateway.WithMessageObserver(a.Metrics.ObserveGatewayMessage),
		}
		if a.Alerts.Len() > 0 {
			opts = append(opts, gateway.WithAlertDispatcher(a.Alerts))
		}
		processor := gateway.NewProcessor(gateway.RouterResponder{Router: a.Router}, a.Inbound, a.Outbox, opts...)
		g.Go(func() error { return processor.Start(ctx) })
	}
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return a.Metrics.StartServer(ctx, cfg.Server.MetricsAddress) })
	}

	opts := []api.Option{
		api.WithScheduler(a.Scheduler),
		api.WithMemory(a.Memory),
		api.WithMetrics(a.Metrics, a.Metrics.Handler()),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTokens(cfg.Server.APITokens...),
		api.WithRequestTimeout(cfg.Server.RequestTimeout),
	}
	if a.Inbound != nil {
		opts = append(opts, api.WithInbound(a.Inbound))
	}
	var responder gateway.Responder = gateway.RouterResponder{Router: a.Router}
	if a.Alerts.Len() > 0 {
		responder = alertingResponder{Responder: responder, alerts: a.Alerts}
	}
	server := api.NewServer(cfg.Server.Address, responder, opts...)
	g.Go(func() error { return server.Start(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 等待后台工具结束并按相反顺序关闭资源。
func (a *App) Close() error {
	if a.Background != nil {
		_ = a.Background.Wait(context.Background())
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// alertingResponder 在同步请求遇到需告警的终止错误时派发告警。
type alertingResponder struct {
	gateway.Responder
	alerts alerting.Dispatcher
}

func (r alertingResponder) Respond(ctx context.Context, msg gateway.Message) (string, string, error) {
	agent, reply, err := r.Responder.Respond(ctx, msg)
	if err != nil && xerrors.ShouldAlert(err) {
		event := alerting.NewEvent(xerrors.CodeOf(err), "agent:"+agent, err)
		event.Metadata = map[string]string{"channel": string(msg.Channel), "stage": "terminal"}
		alerting.Emit(ctx, r.alerts, event)
	}
	return agent, reply, err
}

func logOutbound(_ context.Context, msg gateway.Message) error {
	logger.Named("outbox").Info("outbound message",
		slog.String("id", msg.ID),
		slog.String("channel", string(msg.Channel)),
		slog.String("recipient", msg.RecipientID),
		slog.Int("chars", len(msg.Text)),
	)
	return nil
}

func openMemory(ctx context.Context, cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Driver {
	case "redis":
		return memory.NewRedisStore(ctx, cfg.Redis, memory.WithRedisMaxLoadedMessages(cfg.MaxLoadedMessages))
	case "postgres":
		return memory.NewPostgresStore(ctx, cfg.Postgres.DSN, memory.WithPostgresMaxLoadedMessages(cfg.MaxLoadedMessages))
	default:
		return memory.NewFileStore(cfg.Dir, memory.WithMaxLoadedMessages(cfg.MaxLoadedMessages))
	}
}

func openQueue(ctx context.Context, driver string, size int, rcfg gateway.RedisQueueConfig, mqcfg gateway.RabbitMQConfig) (gateway.Queue, error) {
	switch driver {
	case "redis":
		return gateway.NewRedisQueue(ctx, rcfg)
	case "rabbitmq":
		return gateway.NewRabbitMQQueue(mqcfg)
	default:
		return gateway.NewMemoryQueue(size), nil
	}
}

func newAlerts(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.WebhookHeaders})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{URL: cfg.SlackWebhookURL},
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
