package repo

import (
	"context"
	"time"

	"BackupScheduler/internal/domain"
	"BackupScheduler/internal/scheduler"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store 基于 Postgres 实现 scheduler.Store
type Store struct {
	pool *pgxpool.Pool
}

var _ scheduler.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) FindDueJobs(ctx context.Context, now time.Time) ([]domain.BackupJob, error) {
	return ListDueJobs(ctx, s.pool, now)
}

func (s *Store) FindJobsNeedingResync(ctx context.Context, before time.Time) ([]domain.BackupJob, error) {
	return ListJobsNeedingResync(ctx, s.pool, before)
}

func (s *Store) UpdateNextRunAt(ctx context.Context, jobID uuid.UUID, next time.Time) error {
	return UpdateJobNextRunAt(ctx, s.pool, jobID, next)
}

// RunInTx fn 返回 nil 时提交，否则回滚
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx scheduler.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &claimTx{tx: tx})
	})
}

type claimTx struct {
	tx pgx.Tx
}

func (t *claimTx) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.BackupJob, error) {
	return GetJobForUpdate(ctx, t.tx, jobID)
}

func (t *claimTx) CreateHistory(ctx context.Context, h *domain.BackupHistory) error {
	return InsertHistory(ctx, t.tx, h)
}

func (t *claimTx) UpdateJobSchedule(ctx context.Context, jobID uuid.UUID, nextRunAt, lastRunAt time.Time) error {
	return UpdateJobRunTimes(ctx, t.tx, jobID, nextRunAt, lastRunAt)
}

func (t *claimTx) UpdateNextRunAt(ctx context.Context, jobID uuid.UUID, next time.Time) error {
	return UpdateJobNextRunAt(ctx, t.tx, jobID, next)
}
