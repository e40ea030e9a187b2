package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"io/fs"
	"slices"
	"strings"
	"time"

	"solstice-agent/deploy/migrations"
	xerrors "solstice-agent/internal/errors"
)

var embeddedMigrations = migrations.Files

const (
	createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(32) NOT NULL PRIMARY KEY, applied_at BIGINT NOT NULL)`
	selectVersions     = `SELECT version FROM schema_migrations`
	insertVersion      = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// schemaStep 是一个迁移文件拆分后的语句集合。
type schemaStep struct {
	version string
	file    string
	sql     []string
}

// runMigrations 把 deploy/migrations 下尚未记录的脚本按版本依次应用。
func (s *JobStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createVersionTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create schema_migrations")
	}
	done, err := appliedVersions(ctx, s.db)
	if err != nil {
		return err
	}
	steps, err := pendingSteps(done)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if err := applyStep(ctx, s.db, step); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list applied migrations")
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan migration version")
		}
		done[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list applied migrations")
	}
	return done, nil
}

// applyStep 在单个事务里执行脚本并写入版本记录。
func applyStep(ctx context.Context, db *sql.DB, step schemaStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin migration")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range step.sql {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply "+step.file,
				xerrors.WithMetadata("version", step.version))
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersion, step.version, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record "+step.file)
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit "+step.file)
	}
	return nil
}

// pendingSteps 读取内嵌脚本，跳过 done 中已有的版本。
func pendingSteps(done map[string]bool) ([]schemaStep, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list migration files")
	}
	var steps []schemaStep
	for _, name := range names {
		version := versionOf(name)
		if done[version] {
			continue
		}
		body, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read "+name)
		}
		if stmts := splitSQLStatements(string(body)); len(stmts) > 0 {
			steps = append(steps, schemaStep{version: version, file: name, sql: stmts})
		}
	}
	slices.SortFunc(steps, func(a, b schemaStep) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return steps, nil
}

func splitSQLStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线前的部分，例如 0001_scheduler.sql 得到 0001。
func versionOf(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	version, _, _ := strings.Cut(name, "_")
	return version
}
