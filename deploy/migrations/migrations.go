// Package migrations 内嵌 MySQL 任务存储使用的建表脚本。
package migrations

import "embed"

// Files 包含按版本号前缀命名的 *.sql 脚本。
//
//go:embed *.sql
var Files embed.FS
