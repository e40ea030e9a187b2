package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/scheduler"
	"solstice-agent/pkg/logger"
)

const maxRunsQuery = 1000

const (
	selectJobsSQL = `SELECT id, schedule, prompt, agent, channel, recipient, enabled, failures, max_failures,
        next_run, last_run, last_result, last_error, created_at
    FROM scheduled_jobs ORDER BY created_at, id`
	deleteJobsSQL = `DELETE FROM scheduled_jobs`
	insertJobSQL  = `INSERT INTO scheduled_jobs
    (id, schedule, prompt, agent, channel, recipient, enabled, failures, max_failures, next_run, last_run, last_result, last_error, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertRunSQL = `INSERT INTO job_runs (id, job_id, started_at, finished_at, success, output, error)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectRunsSQL = `SELECT id, job_id, started_at, finished_at, success, output, error
    FROM job_runs WHERE (? = '' OR job_id = ?) ORDER BY started_at DESC, id DESC LIMIT ?`
)

// JobStore 以 MySQL 实现 scheduler.Store。
type JobStore struct {
	db *sql.DB
}

var _ scheduler.Store = (*JobStore)(nil)

// NewJobStore 建立连接池并执行迁移。
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &JobStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Named("storage").Info("mysql job store ready", slog.String("addr", cfg.Addr()))
	return store, nil
}

// Load 读取全部任务。
func (s *JobStore) Load(ctx context.Context) ([]scheduler.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJobsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	var jobs []scheduler.Job
	for rows.Next() {
		var (
			job                    scheduler.Job
			nextRun, lastRun, born int64
			lastResult, lastError  sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Schedule, &job.Prompt, &job.Agent,
			&job.Delivery.Channel, &job.Delivery.Recipient, &job.Enabled, &job.Failures, &job.MaxFailures,
			&nextRun, &lastRun, &lastResult, &lastError, &born); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		job.NextRun = fromMillis(nextRun)
		job.LastRun = fromMillis(lastRun)
		job.CreatedAt = fromMillis(born)
		job.LastResult = lastResult.String
		job.LastError = lastError.String
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Save 在单个事务内整体替换任务集合，读者不会看到写到一半的状态。
func (s *JobStore) Save(ctx context.Context, jobs []scheduler.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, deleteJobsSQL); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务失败")
	}
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, insertJobSQL,
			job.ID,
			job.Schedule,
			job.Prompt,
			job.Agent,
			job.Delivery.Channel,
			job.Delivery.Recipient,
			job.Enabled,
			job.Failures,
			job.MaxFailures,
			toMillis(job.NextRun),
			toMillis(job.LastRun),
			job.LastResult,
			job.LastError,
			toMillis(job.CreatedAt),
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务 "+job.ID+" 失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务失败")
	}
	return nil
}

// AppendRun 记录一次执行。
func (s *JobStore) AppendRun(ctx context.Context, run scheduler.Run) error {
	if _, err := s.db.ExecContext(ctx, insertRunSQL,
		run.ID,
		run.JobID,
		toMillis(run.StartedAt),
		toMillis(run.FinishedAt),
		run.Success,
		run.Output,
		run.Error,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// Runs 按时间倒序返回执行记录，jobID 为空时返回全部任务的记录。
func (s *JobStore) Runs(ctx context.Context, jobID string, limit int) ([]scheduler.Run, error) {
	if limit <= 0 || limit > maxRunsQuery {
		limit = maxRunsQuery
	}
	rows, err := s.db.QueryContext(ctx, selectRunsSQL, jobID, jobID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var runs []scheduler.Run
	for rows.Next() {
		var (
			run              scheduler.Run
			started, ended   int64
			output, errorMsg sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.JobID, &started, &ended, &run.Success, &output, &errorMsg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		run.StartedAt = fromMillis(started)
		run.FinishedAt = fromMillis(ended)
		run.Output = output.String
		run.Error = errorMsg.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return runs, nil
}

// Close 关闭底层数据库连接。
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
