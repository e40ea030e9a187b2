package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
	"solstice-agent/pkg/logger"
)

// MaxBackgroundRuns 是后台任务的并发上限，超出时直接拒绝而不排队。
const MaxBackgroundRuns = 10

const (
	defaultRetention = time.Hour
	// maxFinishedRuns 是保留的已结束记录上限，超出后先丢弃最早结束的。
	maxFinishedRuns = 100
)

// RunStatus 表示后台任务状态。
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// BackgroundRun 记录一次后台执行。
type BackgroundRun struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Background 以固定并发上限执行后台任务。
type Background struct {
	slots     chan struct{}
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	mu        sync.Mutex
	runs      map[string]*BackgroundRun
	wg        sync.WaitGroup
}

// BackgroundOption 定义后台执行器的可选配置。
type BackgroundOption func(*Background)

// WithRetention 设置已结束记录的保留时长。
func WithRetention(d time.Duration) BackgroundOption {
	return func(b *Background) {
		if d > 0 {
			b.retention = d
		}
	}
}

// NewBackground 创建后台执行器，limit<=0 时使用 MaxBackgroundRuns。
func NewBackground(limit int, timeout time.Duration, opts ...BackgroundOption) *Background {
	if limit <= 0 {
		limit = MaxBackgroundRuns
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	b := &Background{
		slots:     make(chan struct{}, limit),
		timeout:   timeout,
		retention: defaultRetention,
		now:       time.Now,
		runs:      make(map[string]*BackgroundRun),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start 启动后台任务。达到上限时返回 REJECTED。
func (b *Background) Start(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	select {
	case b.slots <- struct{}{}:
	default:
		return "", xerrors.New(xerrors.CodeRejected,
			fmt.Sprintf("background limit of %d concurrent runs reached", cap(b.slots)))
	}

	run := &BackgroundRun{
		ID:        "bg-" + uuid.NewString()[:8],
		Name:      name,
		Status:    RunRunning,
		StartedAt: b.now().UTC(),
	}
	b.mu.Lock()
	b.prune()
	b.runs[run.ID] = run
	b.mu.Unlock()

	// 后台任务不随发起请求结束而取消。
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer func() { <-b.slots }()

		output, err := b.invoke(runCtx, fn)

		b.mu.Lock()
		defer b.mu.Unlock()
		run.FinishedAt = b.now().UTC()
		run.Output = output
		if err != nil {
			run.Status = RunFailed
			run.Error = err.Error()
			logger.L().Warn("background run failed", slog.String("run_id", run.ID), slog.String("name", name), slog.Any("error", err))
			return
		}
		run.Status = RunSucceeded
	}()
	return run.ID, nil
}

func (b *Background) invoke(ctx context.Context, fn func(ctx context.Context) (string, error)) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Get 返回后台任务快照。
func (b *Background) Get(id string) (BackgroundRun, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	run, ok := b.runs[id]
	if !ok {
		return BackgroundRun{}, false
	}
	return *run, true
}

// prune 删除超过保留时长的已结束记录，并把剩余记录限制在 maxFinishedRuns 以内。
// 调用方需持有 mu。
func (b *Background) prune() {
	cutoff := b.now().Add(-b.retention)
	var finished []*BackgroundRun
	for id, run := range b.runs {
		if run.Status == RunRunning {
			continue
		}
		if run.FinishedAt.Before(cutoff) {
			delete(b.runs, id)
			continue
		}
		finished = append(finished, run)
	}
	if extra := len(finished) - maxFinishedRuns; extra > 0 {
		slices.SortFunc(finished, func(x, y *BackgroundRun) int { return x.FinishedAt.Compare(y.FinishedAt) })
		for _, run := range finished[:extra] {
			delete(b.runs, run.ID)
		}
	}
}

// Active 返回正在运行的任务数。
func (b *Background) Active() int {
	return len(b.slots)
}

// Wait 等待所有后台任务结束，用于关闭阶段。
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterBackgroundTools 注册 run_background 与 background_status。
func RegisterBackgroundTools(reg *Registry, bg *Background) error {
	runTool := Func("run_background",
		"Run another tool in the background and return a run id immediately. Use background_status to fetch the result.",
		Object(map[string]*jsonschema.Schema{
			"tool":      String("Name of the tool to run"),
			"arguments": {Type: "object", Description: "Arguments for the tool"},
		}, "tool"),
		func(ctx context.Context, args map[string]any) (string, error) {
			name := StringArg(args, "tool")
			if name == "run_background" {
				return "", xerrors.New(xerrors.CodeInvalidArgument, "run_background cannot start itself")
			}
			if _, ok := reg.Get(name); !ok {
				return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown tool '%s'", name))
			}
			raw, err := json.Marshal(args["arguments"])
			if err != nil {
				return "", err
			}
			call := llm.ToolCall{ID: "bg_" + uuid.NewString(), Name: name, Arguments: raw}
			id, err := bg.Start(ctx, name, func(runCtx context.Context) (string, error) {
				res := reg.Execute(runCtx, call)
				if res.IsError {
					return res.Content, fmt.Errorf("%s", res.Content)
				}
				return res.Content, nil
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Started background run %s (%s).", id, name), nil
		})

	statusTool := Func("background_status",
		"Get the status and output of a background run.",
		Object(map[string]*jsonschema.Schema{"id": String("Background run id, e.g. bg-1a2b3c4d")}, "id"),
		func(_ context.Context, args map[string]any) (string, error) {
			run, ok := bg.Get(StringArg(args, "id"))
			if !ok {
				return "", xerrors.New(xerrors.CodeNotFound, "background run not found")
			}
			raw, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return "", err
			}
			return string(raw), nil
		})

	if err := reg.Register(runTool); err != nil {
		return err
	}
	return reg.Register(statusTool)
}
