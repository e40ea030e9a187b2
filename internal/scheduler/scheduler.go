// Package scheduler runs stored prompts on a timer. Jobs survive restarts,
// back off after failures and disable themselves after repeated failures.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

const (
	// DefaultMaxJobs 限制同时存在的任务总数。
	DefaultMaxJobs = 20
	// DefaultInterval 是后台循环检查到期任务的间隔。
	DefaultInterval = 30 * time.Second
	// DefaultJobTimeout 是单次任务执行的超时时间。
	DefaultJobTimeout = 10 * time.Minute

	lastResultLimit = 200
	maxBackoff      = 60 * time.Minute
	tickParallelism = 4
)

// Invoker 以指定 agent 身份执行一次提示词。
type Invoker interface {
	Invoke(ctx context.Context, agent, sender, prompt string) (string, error)
}

// InvokerFunc 将普通函数适配为 Invoker。
type InvokerFunc func(ctx context.Context, agent, sender, prompt string) (string, error)

// Invoke 实现 Invoker。
func (f InvokerFunc) Invoke(ctx context.Context, agent, sender, prompt string) (string, error) {
	return f(ctx, agent, sender, prompt)
}

// Deliverer 投递任务输出。
type Deliverer interface {
	Deliver(ctx context.Context, job Job, output string) error
}

// Scheduler 管理任务集合并驱动触发。
type Scheduler struct {
	store     Store
	invoker   Invoker
	deliverer Deliverer

	interval   time.Duration
	jobTimeout time.Duration
	maxJobs    int
	loc        *time.Location
	now        func() time.Time
	onDisable  func(Job, error)
	onRun      func(Job, Run)

	mu     sync.Mutex
	jobs   []Job
	tickMu sync.Mutex
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithInterval 设置检查间隔。
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithJobTimeout 设置单次执行超时。
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithMaxJobs 设置任务数量上限。
func WithMaxJobs(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxJobs = n
		}
	}
}

// WithLocation 设置解释墙钟时间的时区。
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDeliverer 设置结果投递方式。
func WithDeliverer(d Deliverer) Option {
	return func(s *Scheduler) {
		s.deliverer = d
	}
}

// WithDisableHook 在任务因连续失败被停用时调用。
func WithDisableHook(fn func(Job, error)) Option {
	return func(s *Scheduler) {
		s.onDisable = fn
	}
}

// WithRunHook 在每次执行结束后调用。
func WithRunHook(fn func(Job, Run)) Option {
	return func(s *Scheduler) {
		s.onRun = fn
	}
}

// New 创建调度器并从存储加载任务。
func New(ctx context.Context, store Store, invoker Invoker, opts ...Option) (*Scheduler, error) {
	if store == nil || invoker == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "scheduler requires a store and an invoker")
	}
	s := &Scheduler{
		store:      store,
		invoker:    invoker,
		interval:   DefaultInterval,
		jobTimeout: DefaultJobTimeout,
		maxJobs:    DefaultMaxJobs,
		loc:        time.Local,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	jobs, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.jobs = jobs
	return s, nil
}

// Add 新建任务。任务数达到上限时返回 LIMIT_EXCEEDED。
func (s *Scheduler) Add(ctx context.Context, spec, prompt, agent string, delivery Delivery) (Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Job{}, xerrors.New(xerrors.CodeInvalidArgument, "prompt is required")
	}
	sched, err := ParseSchedule(spec, s.loc)
	if err != nil {
		return Job{}, err
	}
	if (delivery.Channel == "") != (delivery.Recipient == "") {
		return Job{}, xerrors.New(xerrors.CodeInvalidArgument, "delivery needs both channel and recipient")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) >= s.maxJobs {
		return Job{}, xerrors.New(xerrors.CodeLimitExceeded,
			fmt.Sprintf("maximum of %d scheduled jobs reached", s.maxJobs))
	}
	now := s.now()
	job := Job{
		ID:          newJobID(),
		Schedule:    strings.TrimSpace(spec),
		Prompt:      prompt,
		Agent:       agent,
		Delivery:    delivery,
		Enabled:     true,
		MaxFailures: DefaultMaxFailures,
		NextRun:     sched.Next(now),
		CreatedAt:   now.UTC(),
	}
	jobs := append(slices.Clone(s.jobs), job)
	if err := s.store.Save(ctx, jobs); err != nil {
		return Job{}, err
	}
	s.jobs = jobs
	logger.Audit().Info("job added",
		slog.String("job_id", job.ID),
		slog.String("schedule", job.Schedule),
		slog.String("agent", job.Agent),
		slog.Time("next_run", job.NextRun),
	)
	return job, nil
}

// Remove 删除任务，返回任务是否存在。
func (s *Scheduler) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return false, nil
	}
	jobs := slices.Delete(slices.Clone(s.jobs), idx, idx+1)
	if err := s.store.Save(ctx, jobs); err != nil {
		return false, err
	}
	s.jobs = jobs
	logger.Audit().Info("job removed", slog.String("job_id", id))
	return true, nil
}

// Enable 重新启用任务：清零失败计数并重新计算下次触发时间。
func (s *Scheduler) Enable(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return Job{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("job '%s' not found", id))
	}
	sched, err := ParseSchedule(s.jobs[idx].Schedule, s.loc)
	if err != nil {
		return Job{}, err
	}
	jobs := slices.Clone(s.jobs)
	job := &jobs[idx]
	job.Enabled = true
	job.Failures = 0
	job.LastError = ""
	job.NextRun = sched.Next(s.now())
	if err := s.store.Save(ctx, jobs); err != nil {
		return Job{}, err
	}
	s.jobs = jobs
	return *job, nil
}

// Get 按 ID 查找任务。
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.index(id); idx >= 0 {
		return s.jobs[idx], true
	}
	return Job{}, false
}

// List 按创建时间返回全部任务。
func (s *Scheduler) List(context.Context) []Job {
	s.mu.Lock()
	jobs := slices.Clone(s.jobs)
	s.mu.Unlock()
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Runs 返回任务的执行记录。
func (s *Scheduler) Runs(ctx context.Context, id string, limit int) ([]Run, error) {
	return s.store.Runs(ctx, id, limit)
}

func (s *Scheduler) index(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// Run 启动后台循环，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.Named("scheduler")
	log.Info("scheduler started", slog.Int("jobs", len(s.List(ctx))), slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			log.Error("scheduler tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick 执行所有在 now 之前到期且启用的任务，返回触发数量。
// 重复调用是幂等的：触发后的任务下次触发时间总是晚于 now。
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(tickParallelism)
	for _, job := range due {
		g.Go(func() error {
			s.fire(ctx, job, now)
			return nil
		})
	}
	_ = g.Wait()

	// 持有 mu 写盘，避免与 Add/Remove 的保存交错覆盖。
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, slices.Clone(s.jobs)); err != nil {
		return len(due), err
	}
	return len(due), nil
}

// fire 执行单个任务并更新其状态。任何 panic 都被视为该任务失败。
func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) {
	log := logger.Named("scheduler")
	run := Run{ID: "r-" + uuid.NewString(), JobID: job.ID, StartedAt: s.now().UTC()}

	output, err := s.invoke(ctx, job)
	run.FinishedAt = s.now().UTC()
	if err == nil {
		run.Success = true
		run.Output = output
	} else {
		run.Error = err.Error()
	}
	if aerr := s.store.AppendRun(ctx, run); aerr != nil {
		log.Error("record job run failed", slog.String("job_id", job.ID), slog.Any("error", aerr))
	}

	updated, disabled, ok := s.apply(job.ID, now, output, err)
	if !ok {
		return
	}
	if s.onRun != nil {
		s.onRun(updated, run)
	}

	if err == nil {
		logger.Audit().Info("job fired",
			slog.String("job_id", job.ID),
			slog.Bool("enabled", updated.Enabled),
			slog.Time("next_run", updated.NextRun),
		)
		if s.deliverer != nil {
			if derr := s.deliverer.Deliver(ctx, updated, output); derr != nil {
				log.Error("deliver job result failed", slog.String("job_id", job.ID), slog.Any("error", derr))
			}
		}
		return
	}

	logger.Audit().Warn("job failed",
		slog.String("job_id", job.ID),
		slog.Int("failures", updated.Failures),
		slog.Time("next_run", updated.NextRun),
		slog.Any("error", err),
	)
	if disabled {
		logger.Audit().Error("job disabled",
			slog.String("job_id", job.ID),
			slog.Int("failures", updated.Failures),
		)
		if s.onDisable != nil {
			s.onDisable(updated, err)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, job Job) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Error("scheduled job panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = xerrors.New(xerrors.CodeSchedulerJobFailure, fmt.Sprintf("panic: %v", rec))
		}
	}()
	runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	output, err = s.invoker.Invoke(runCtx, job.Agent, "cron:"+job.ID, job.Prompt)
	if err != nil {
		return output, xerrors.Wrap(xerrors.CodeSchedulerJobFailure, err, fmt.Sprintf("job %s", job.ID))
	}
	return output, nil
}

// apply 在锁内更新任务状态。任务在执行期间被删除时返回 ok=false。
func (s *Scheduler) apply(id string, now time.Time, output string, runErr error) (job Job, disabled bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return Job{}, false, false
	}
	jobs := slices.Clone(s.jobs)
	j := &jobs[idx]
	j.LastRun = now.UTC()

	if runErr == nil {
		j.Failures = 0
		j.LastError = ""
		j.LastResult = truncate(output, lastResultLimit)
		sched, err := ParseSchedule(j.Schedule, s.loc)
		switch {
		case err != nil:
			j.Enabled = false
			j.LastError = err.Error()
		case sched.OneShot():
			j.Enabled = false
		default:
			j.NextRun = sched.Next(now)
		}
	} else {
		j.Failures++
		j.LastError = runErr.Error()
		j.NextRun = now.Add(Backoff(j.Failures))
		limit := j.MaxFailures
		if limit <= 0 {
			limit = DefaultMaxFailures
		}
		if j.Failures >= limit {
			j.Enabled = false
			disabled = true
		}
	}
	s.jobs = jobs
	return *j, disabled, true
}

// Backoff 返回第 n 次连续失败后的等待时间：min(2^n, 60) 分钟。
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures >= 6 {
		return maxBackoff
	}
	return min(time.Duration(1<<failures)*time.Minute, maxBackoff)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func newJobID() string {
	return "j-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
