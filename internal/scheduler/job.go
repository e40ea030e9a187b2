package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/storage/atomicfile"
)

// DefaultMaxFailures 是连续失败多少次后自动停用任务。
const DefaultMaxFailures = 3

// Delivery 描述任务结果的投递目标；为空时写入结果文件。
type Delivery struct {
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Job 是一个持久化的定时任务。
type Job struct {
	ID          string    `json:"id"`
	Schedule    string    `json:"schedule"`
	Prompt      string    `json:"prompt"`
	Agent       string    `json:"agent,omitempty"`
	Delivery    Delivery  `json:"delivery"`
	Enabled     bool      `json:"enabled"`
	Failures    int       `json:"failures"`
	MaxFailures int       `json:"max_failures"`
	NextRun     time.Time `json:"next_run"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastResult  string    `json:"last_result,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run 是一次触发的执行记录，只追加不修改。
type Run struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Store 持久化任务与执行记录。
type Store interface {
	Load(ctx context.Context) ([]Job, error)
	// Save 用给定集合整体替换已保存的任务。
	Save(ctx context.Context, jobs []Job) error
	AppendRun(ctx context.Context, run Run) error
	// Runs 返回任务最近的执行记录，按时间倒序；limit<=0 表示全部。
	Runs(ctx context.Context, jobID string, limit int) ([]Run, error)
}

const (
	jobsFile = "jobs.json"
	runsFile = "runs.jsonl"
)

// FileStore 将任务保存在 jobs.json（原子替换），执行记录追加到 runs.jsonl。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore 创建文件存储。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "scheduler dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create scheduler dir")
	}
	return &FileStore{dir: dir}, nil
}

// Load 读取全部任务。
func (s *FileStore) Load(context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	if _, err := atomicfile.ReadJSON(filepath.Join(s.dir, jobsFile), &jobs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read jobs")
	}
	return jobs, nil
}

// Save 原子地替换任务文件。
func (s *FileStore) Save(_ context.Context, jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobs == nil {
		jobs = []Job{}
	}
	if err := atomicfile.WriteJSON(filepath.Join(s.dir, jobsFile), jobs); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write jobs")
	}
	return nil
}

// AppendRun 追加一条执行记录。
func (s *FileStore) AppendRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicfile.AppendJSONLine(filepath.Join(s.dir, runsFile), run); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append run")
	}
	return nil
}

// Runs 读取任务的执行记录。
func (s *FileStore) Runs(_ context.Context, jobID string, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []Run
	err := atomicfile.ReadJSONLines(filepath.Join(s.dir, runsFile), func(line []byte) error {
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			return err
		}
		if jobID == "" || run.JobID == jobID {
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read runs")
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
