package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	//连接测试
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema 确保调度器依赖的最小表结构存在（完整迁移由 API 层负责）
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS backup_jobs (
            id UUID PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            enabled BOOLEAN NOT NULL DEFAULT TRUE,
            schedule TEXT NOT NULL,
            next_run_at TIMESTAMPTZ,
            last_run_at TIMESTAMPTZ,
            source_path TEXT NOT NULL,
            destination_id TEXT NOT NULL,
            credential_id TEXT NOT NULL,
            name_pattern TEXT NOT NULL DEFAULT '',
            retention_type TEXT NOT NULL DEFAULT '',
            retention_count INT,
            retention_days INT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS idx_backup_jobs_due ON backup_jobs(enabled, next_run_at);`,
		`CREATE TABLE IF NOT EXISTS backup_history (
            id UUID PRIMARY KEY,
            job_id UUID NOT NULL REFERENCES backup_jobs(id) ON DELETE CASCADE,
            status TEXT NOT NULL,
            trigger_source TEXT NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            completed_at TIMESTAMPTZ,
            files_scanned INT NOT NULL DEFAULT 0,
            files_uploaded INT NOT NULL DEFAULT 0,
            files_failed INT NOT NULL DEFAULT 0,
            bytes_uploaded BIGINT NOT NULL DEFAULT 0,
            error_message TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE INDEX IF NOT EXISTS idx_backup_history_job ON backup_history(job_id, started_at DESC);`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
