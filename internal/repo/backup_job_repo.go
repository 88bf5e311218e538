package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BackupScheduler/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, name, enabled, schedule, next_run_at, last_run_at, source_path, destination_id,
        credential_id, name_pattern, retention_type, retention_count, retention_days, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.BackupJob, error) {
	var j domain.BackupJob
	if err := row.Scan(
		&j.ID, &j.Name, &j.Enabled, &j.Schedule, &j.NextRunAt, &j.LastRunAt, &j.SourcePath, &j.DestinationID,
		&j.CredentialID, &j.NamePattern, &j.RetentionType, &j.RetentionCount, &j.RetentionDays, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func listJobs(ctx context.Context, db DBTX, query string, args ...any) ([]domain.BackupJob, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.BackupJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *j)
	}
	return res, rows.Err()
}

// InsertJob 插入一条备份任务
func InsertJob(ctx context.Context, db DBTX, j *domain.BackupJob) error {
	_, err := db.Exec(ctx, `
		INSERT INTO backup_jobs (id, name, enabled, schedule, next_run_at, last_run_at, source_path, destination_id,
            credential_id, name_pattern, retention_type, retention_count, retention_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`, j.ID, j.Name, j.Enabled, j.Schedule, j.NextRunAt, j.LastRunAt, j.SourcePath, j.DestinationID,
		j.CredentialID, j.NamePattern, j.RetentionType, j.RetentionCount, j.RetentionDays)
	return err
}

// GetJobByID 根据 ID 查询任务
func GetJobByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.BackupJob, error) {
	j, err := scanJob(db.QueryRow(ctx, `SELECT `+jobColumns+` FROM backup_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return j, err
}

// GetJobForUpdate 在事务内重新读取任务并加行锁
func GetJobForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.BackupJob, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM backup_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job for update: %w", err)
	}
	return j, nil
}

// ListDueJobs 已启用且 next_run_at 为空或不晚于 now 的任务
func ListDueJobs(ctx context.Context, db DBTX, now time.Time) ([]domain.BackupJob, error) {
	return listJobs(ctx, db, `
		SELECT `+jobColumns+`
        FROM backup_jobs
        WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= $1)
        ORDER BY next_run_at ASC NULLS FIRST, id
	`, now)
}

// ListJobsNeedingResync 已启用且 next_run_at 为空或严格早于 before 的任务（错过的运行）
func ListJobsNeedingResync(ctx context.Context, db DBTX, before time.Time) ([]domain.BackupJob, error) {
	return listJobs(ctx, db, `
		SELECT `+jobColumns+`
        FROM backup_jobs
        WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at < $1)
        ORDER BY id
	`, before)
}

// UpdateJobRunTimes 认领成功后推进 next_run_at 并记录 last_run_at
func UpdateJobRunTimes(ctx context.Context, db DBTX, id uuid.UUID, nextRunAt, lastRunAt time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE backup_jobs
        SET next_run_at = $2, last_run_at = $3, updated_at = NOW()
        WHERE id = $1
	`, id, nextRunAt, lastRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// UpdateJobNextRunAt 仅更新 next_run_at（重新同步使用）
func UpdateJobNextRunAt(ctx context.Context, db DBTX, id uuid.UUID, next time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE backup_jobs
        SET next_run_at = $2, updated_at = NOW()
        WHERE id = $1
	`, id, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ToggleJobEnabled 启停一个任务
func ToggleJobEnabled(ctx context.Context, db DBTX, id uuid.UUID, enabled bool) error {
	_, err := db.Exec(ctx, `
		UPDATE backup_jobs
        SET enabled = $1, updated_at = NOW()
        WHERE id = $2
	`, enabled, id)
	return err
}
