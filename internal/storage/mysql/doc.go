// Package mysql persists scheduler jobs and their run history in MySQL.
// Schema changes are applied from the embedded SQL files under deploy/migrations.
package mysql
