package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "solstice-agent/internal/errors"
)

type countingInvoker struct {
	calls atomic.Int32
	fn    func(agent, sender, prompt string) (string, error)
}

func (c *countingInvoker) Invoke(_ context.Context, agent, sender, prompt string) (string, error) {
	c.calls.Add(1)
	if c.fn == nil {
		return "ok: " + prompt, nil
	}
	return c.fn(agent, sender, prompt)
}

type recordingDeliverer struct {
	mu      sync.Mutex
	outputs map[string]string
}

func (r *recordingDeliverer) Deliver(_ context.Context, job Job, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputs == nil {
		r.outputs = map[string]string{}
	}
	r.outputs[job.ID] = output
	return nil
}

func newScheduler(t *testing.T, invoker Invoker, now time.Time, opts ...Option) (*Scheduler, *FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	opts = append([]Option{WithLocation(time.UTC), WithClock(func() time.Time { return now })}, opts...)
	s, err := New(context.Background(), store, invoker, opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, store, dir
}

func TestIntervalJobFiresAtExactOffset(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	invoker := &countingInvoker{}
	deliverer := &recordingDeliverer{}
	s, _, _ := newScheduler(t, invoker, t0, WithDeliverer(deliverer))
	ctx := context.Background()

	job, err := s.Add(ctx, "every 6h", "summarize inbox", "research", Delivery{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !job.NextRun.Equal(t0.Add(6 * time.Hour)) {
		t.Fatalf("unexpected first fire %s", job.NextRun)
	}
	if !strings.HasPrefix(job.ID, "j-") || len(job.ID) != 10 {
		t.Fatalf("unexpected job id %q", job.ID)
	}

	if n, _ := s.Tick(ctx, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("job fired early")
	}
	fireAt := job.NextRun
	if n, err := s.Tick(ctx, fireAt); n != 1 || err != nil {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	got, _ := s.Get(job.ID)
	if !got.NextRun.Equal(fireAt.Add(6 * time.Hour)) {
		t.Fatalf("next fire should be T+6h, got %s", got.NextRun)
	}
	if got.LastResult != "ok: summarize inbox" || !got.LastRun.Equal(fireAt) {
		t.Fatalf("unexpected job state %+v", got)
	}
	if deliverer.outputs[job.ID] != "ok: summarize inbox" {
		t.Fatalf("result not delivered")
	}

	// 同一时刻再次 Tick 不会重复触发。
	if n, _ := s.Tick(ctx, fireAt); n != 0 || invoker.calls.Load() != 1 {
		t.Fatalf("tick is not idempotent")
	}
}

func TestInvokerReceivesAgentAndJobSender(t *testing.T) {
	var gotAgent, gotSender string
	invoker := &countingInvoker{fn: func(agent, sender, prompt string) (string, error) {
		gotAgent, gotSender = agent, sender
		return "done", nil
	}}
	t0 := at("2026-01-05 10:00:00")
	s, _, _ := newScheduler(t, invoker, t0)
	job, _ := s.Add(context.Background(), "every 1h", "ping", "coder", Delivery{})
	s.Tick(context.Background(), job.NextRun)
	if gotAgent != "coder" || gotSender != "cron:"+job.ID {
		t.Fatalf("unexpected invocation agent=%q sender=%q", gotAgent, gotSender)
	}
}

func TestOneShotDisabledAfterFire(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	invoker := &countingInvoker{}
	s, _, _ := newScheduler(t, invoker, t0)
	ctx := context.Background()

	job, err := s.Add(ctx, "at 15:00", "stand up", "", Delivery{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !job.NextRun.Equal(at("2026-01-05 15:00:00")) {
		t.Fatalf("unexpected next run %s", job.NextRun)
	}
	s.Tick(ctx, job.NextRun)
	got, _ := s.Get(job.ID)
	if got.Enabled {
		t.Fatalf("one-shot job should be disabled after firing")
	}
	s.Tick(ctx, job.NextRun.Add(48*time.Hour))
	if invoker.calls.Load() != 1 {
		t.Fatalf("one-shot job fired %d times", invoker.calls.Load())
	}
}

func TestThreeFailuresDisableJob(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	invoker := &countingInvoker{fn: func(string, string, string) (string, error) {
		return "", errors.New("provider down")
	}}
	var disabled []Job
	s, store, _ := newScheduler(t, invoker, t0, WithDisableHook(func(j Job, _ error) { disabled = append(disabled, j) }))
	ctx := context.Background()

	job, _ := s.Add(ctx, "every 1h", "check", "", Delivery{})
	now := job.NextRun
	wantBackoff := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i := 0; i < 3; i++ {
		if n, _ := s.Tick(ctx, now); n != 1 {
			t.Fatalf("tick %d did not fire", i+1)
		}
		got, _ := s.Get(job.ID)
		if got.Failures != i+1 {
			t.Fatalf("failures=%d after tick %d", got.Failures, i+1)
		}
		if !got.NextRun.Equal(now.Add(wantBackoff[i])) {
			t.Fatalf("unexpected backoff after failure %d: %s", i+1, got.NextRun.Sub(now))
		}
		now = got.NextRun
	}

	got, _ := s.Get(job.ID)
	if got.Enabled {
		t.Fatalf("job should be disabled after 3 failures")
	}
	if len(disabled) != 1 || disabled[0].ID != job.ID {
		t.Fatalf("disable hook not called once: %+v", disabled)
	}
	if n, _ := s.Tick(ctx, now.Add(24*time.Hour)); n != 0 || invoker.calls.Load() != 3 {
		t.Fatalf("disabled job was invoked again")
	}

	runs, err := store.Runs(ctx, job.ID, 0)
	if err != nil || len(runs) != 3 || runs[0].Success {
		t.Fatalf("unexpected runs %+v err=%v", runs, err)
	}

	enabled, err := s.Enable(ctx, job.ID)
	if err != nil || !enabled.Enabled || enabled.Failures != 0 {
		t.Fatalf("enable: %+v err=%v", enabled, err)
	}
}

func TestPanicIsolatedToOneJob(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	invoker := &countingInvoker{fn: func(_, _, prompt string) (string, error) {
		if prompt == "explode" {
			panic("boom")
		}
		return "fine", nil
	}}
	s, _, _ := newScheduler(t, invoker, t0)
	ctx := context.Background()
	bad, _ := s.Add(ctx, "every 1h", "explode", "", Delivery{})
	good, _ := s.Add(ctx, "every 1h", "work", "", Delivery{})

	if n, err := s.Tick(ctx, t0.Add(time.Hour)); n != 2 || err != nil {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	b, _ := s.Get(bad.ID)
	g, _ := s.Get(good.ID)
	if b.Failures != 1 || !strings.Contains(b.LastError, "panic") {
		t.Fatalf("panic should count as failure: %+v", b)
	}
	if g.Failures != 0 || g.LastResult != "fine" {
		t.Fatalf("healthy job affected: %+v", g)
	}
}

func TestJobCap(t *testing.T) {
	s, _, _ := newScheduler(t, &countingInvoker{}, at("2026-01-05 10:00:00"))
	ctx := context.Background()
	for i := 0; i < DefaultMaxJobs; i++ {
		if _, err := s.Add(ctx, "every 1h", "task", "", Delivery{}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_, err := s.Add(ctx, "every 1h", "one too many", "", Delivery{})
	if xerrors.CodeOf(err) != xerrors.CodeLimitExceeded {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	s, _, _ := newScheduler(t, &countingInvoker{}, at("2026-01-05 10:00:00"))
	ctx := context.Background()
	if _, err := s.Add(ctx, "whenever", "x", "", Delivery{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("bad schedule should be rejected: %v", err)
	}
	if _, err := s.Add(ctx, "every 1h", "  ", "", Delivery{}); err == nil {
		t.Fatalf("empty prompt should be rejected")
	}
	if _, err := s.Add(ctx, "every 1h", "x", "", Delivery{Channel: "slack"}); err == nil {
		t.Fatalf("channel without recipient should be rejected")
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	s, store, dir := newScheduler(t, &countingInvoker{}, t0)
	ctx := context.Background()
	a, _ := s.Add(ctx, "every 1h", "a", "", Delivery{})
	b, _ := s.Add(ctx, "every day at 9am", "b", "", Delivery{Channel: "telegram", Recipient: "42"})
	if ok, err := s.Remove(ctx, a.ID); !ok || err != nil {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.Remove(ctx, a.ID); ok {
		t.Fatalf("second remove should report missing")
	}

	restarted, err := New(ctx, store, &countingInvoker{}, WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	jobs := restarted.List(ctx)
	if len(jobs) != 1 || jobs[0].ID != b.ID || jobs[0].Delivery.Recipient != "42" {
		t.Fatalf("unexpected jobs after restart: %+v", jobs)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != jobsFile {
			t.Fatalf("unexpected leftover file %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, jobsFile)); err != nil {
		t.Fatalf("jobs file missing: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{1: 2 * time.Minute, 3: 8 * time.Minute, 5: 32 * time.Minute, 6: time.Hour, 40: time.Hour}
	for n, want := range cases {
		if got := Backoff(n); got != want {
			t.Errorf("Backoff(%d)=%s want %s", n, got, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	invoker := &countingInvoker{}
	s, _, _ := newScheduler(t, invoker, at("2026-01-05 10:00:00"), WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	s.Add(ctx, "every 1m", "x", "", Delivery{})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if invoker.calls.Load() != 0 {
		t.Fatalf("job fired before it was due")
	}
}

// gatedStore 在 armed 后让下一次 Save 停下，直到 release 关闭。
type gatedStore struct {
	*FileStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, jobs []Job) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.FileStore.Save(ctx, jobs)
}

func TestAddDuringTickSaveIsPersisted(t *testing.T) {
	t0 := at("2026-01-05 10:00:00")
	file, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store := &gatedStore{FileStore: file, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(context.Background(), store, &countingInvoker{},
		WithLocation(time.UTC), WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Add(ctx, "every 1h", "check feeds", "", Delivery{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	store.armed.Store(true)
	tickDone := make(chan error, 1)
	go func() {
		_, err := s.Tick(ctx, t0.Add(time.Hour))
		tickDone <- err
	}()
	<-store.entered

	added := make(chan Job, 1)
	go func() {
		job, err := s.Add(ctx, "every 1h", "water plants", "", Delivery{})
		if err != nil {
			t.Errorf("add during tick: %v", err)
		}
		added <- job
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	if err := <-tickDone; err != nil {
		t.Fatalf("tick: %v", err)
	}
	job := <-added

	onDisk, err := file.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(onDisk) != len(s.List(ctx)) {
		t.Fatalf("in memory %d jobs, on disk %d", len(s.List(ctx)), len(onDisk))
	}
	found := false
	for _, j := range onDisk {
		found = found || j.ID == job.ID
	}
	if !found {
		t.Fatalf("job %s added during tick was not persisted", job.ID)
	}
}
