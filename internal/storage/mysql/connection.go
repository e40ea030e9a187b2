package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	xerrors "solstice-agent/internal/errors"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// Addr 返回 DSN 中的地址部分，便于日志输出而不暴露密码。
func (c Config) Addr() string {
	parsed, err := mysqldrv.ParseDSN(c.DSN)
	if err != nil {
		return ""
	}
	return parsed.Addr
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	if _, err := mysqldrv.ParseDSN(cfg.DSN); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}
