package scheduler

import (
	"context"
	"time"

	"BackupScheduler/internal/domain"
	"BackupScheduler/internal/lock"
	"BackupScheduler/internal/queue"

	"github.com/google/uuid"
)

// Store 调度器依赖的持久化接口
type Store interface {
	// FindDueJobs 已启用且 next_run_at 为空或不晚于 now 的任务
	FindDueJobs(ctx context.Context, now time.Time) ([]domain.BackupJob, error)
	// FindJobsNeedingResync 已启用且 next_run_at 为空或早于 before 的任务
	FindJobsNeedingResync(ctx context.Context, before time.Time) ([]domain.BackupJob, error)
	UpdateNextRunAt(ctx context.Context, jobID uuid.UUID, next time.Time) error
	// RunInTx 在单个事务内执行 fn，仅当 fn 返回 nil 时提交
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx 认领事务内可用的读改写操作
type Tx interface {
	// GetJob 重新读取任务并锁定该行直到事务结束；任务已删除时返回 domain.ErrJobNotFound
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.BackupJob, error)
	CreateHistory(ctx context.Context, h *domain.BackupHistory) error
	UpdateJobSchedule(ctx context.Context, jobID uuid.UUID, nextRunAt, lastRunAt time.Time) error
	// UpdateNextRunAt 只改 next_run_at，不记录运行
	UpdateNextRunAt(ctx context.Context, jobID uuid.UUID, next time.Time) error
}

// Locker 由 *lock.Manager 满足
type Locker interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (*lock.Lock, bool)
	Release(ctx context.Context, l *lock.Lock)
}

// Queue 由 *queue.Dispatcher 满足
type Queue interface {
	Submit(ctx context.Context, req queue.ExecutionRequest) (queue.Ack, error)
}

// TickStats 一次 tick 的统计
type TickStats struct {
	Time       time.Time
	InstanceID string
	Due        int
	Dispatched int
	Locked     int
	Aborted    int
	Failed     int
}

// StatsRecorder 持久化 tick 统计，供运维查询
type StatsRecorder interface {
	RecordTick(ctx context.Context, stats TickStats) error
}
