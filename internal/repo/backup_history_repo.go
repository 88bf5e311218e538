package repo

import (
	"context"
	"errors"

	"BackupScheduler/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrHistoryNotFound = errors.New("backup history not found")

// InsertHistory 插入一条运行记录
func InsertHistory(ctx context.Context, db DBTX, h *domain.BackupHistory) error {
	_, err := db.Exec(ctx, `
		INSERT INTO backup_history (id, job_id, status, trigger_source, started_at, completed_at,
            files_scanned, files_uploaded, files_failed, bytes_uploaded, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.JobID, string(h.Status), string(h.TriggerSource), h.StartedAt, h.CompletedAt,
		h.FilesScanned, h.FilesUploaded, h.FilesFailed, h.BytesUploaded, h.ErrorMessage)
	return err
}

// GetHistoryByID 根据 ID 查询运行记录
func GetHistoryByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.BackupHistory, error) {
	row := db.QueryRow(ctx, `
		SELECT id, job_id, status, trigger_source, started_at, completed_at,
            files_scanned, files_uploaded, files_failed, bytes_uploaded, error_message
        FROM backup_history
        WHERE id = $1
	`, id)
	var h domain.BackupHistory
	var status, trigger string
	if err := row.Scan(
		&h.ID, &h.JobID, &status, &trigger, &h.StartedAt, &h.CompletedAt,
		&h.FilesScanned, &h.FilesUploaded, &h.FilesFailed, &h.BytesUploaded, &h.ErrorMessage,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}
		return nil, err
	}
	h.Status = domain.HistoryStatus(status)
	h.TriggerSource = domain.TriggerSource(trigger)
	return &h, nil
}

// CountHistoryByJob 统计某任务的运行记录数
func CountHistoryByJob(ctx context.Context, db DBTX, jobID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM backup_history WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}
