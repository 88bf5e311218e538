package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"BackupScheduler/internal/domain"
	"BackupScheduler/internal/queue"
	"BackupScheduler/internal/schedule"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type outcome int

const (
	outcomeDispatched outcome = iota
	outcomeLocked
	outcomeAborted
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeDispatched:
		return "dispatched"
	case outcomeLocked:
		return "locked"
	case outcomeAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Scheduler 周期性扫描到期的备份任务，经分布式锁与事务认领后投递到执行队列
//
// 多个进程可以同时运行 Scheduler：同一 job 的认领由 Redis 锁互斥，
// 事务内再次校验 enabled / next_run_at，保证每个到期窗口只投递一次。
type Scheduler struct {
	store  Store
	locks  Locker
	queue  Queue
	cron   *schedule.Evaluator
	stats  StatsRecorder
	logger *slog.Logger
	now    func() time.Time

	instanceID string
	interval   time.Duration
	lockTTL    time.Duration

	tracer trace.Tracer
	meter  metric.Meter
	instr  instruments

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
	wg      *sync.WaitGroup // 每轮 Start 新建

	ticking atomic.Bool
}

// New 创建一个 Scheduler
func New(store Store, locks Locker, q Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		locks:    locks,
		queue:    q,
		logger:   slog.Default(),
		now:      time.Now,
		interval: DefaultTickInterval,
		lockTTL:  DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instanceID != "" {
		s.logger = s.logger.With(slog.String("instance_id", s.instanceID))
	}
	s.cron = schedule.NewEvaluator(s.logger)
	s.initTelemetry()
	return s
}

// Start 先重新同步错过的调度，再启动周期 tick，并立即执行一次 tick
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("scheduler already started")
		return
	}
	s.started = true
	stopCh := make(chan struct{})
	done := make(chan struct{})
	wg := new(sync.WaitGroup)
	s.stopCh, s.done, s.wg = stopCh, done, wg
	s.mu.Unlock()

	// Stop 只停止定时器，不取消进行中的 tick
	runCtx := context.WithoutCancel(ctx)

	s.logger.Info("scheduler starting",
		slog.Duration("interval", s.interval),
		slog.Duration("lock_ttl", s.lockTTL),
	)
	s.RecalculateAllSchedules(runCtx)

	go s.loop(runCtx, stopCh, done, wg)

	s.Tick(runCtx)
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}, wg *sync.WaitGroup) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// 每次 tick 独立运行，慢 tick 期间到来的 tick 由重叠保护跳过而不是排队
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Stop 停止定时器并等待定时器触发的 tick 结束；可重复调用
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh, done, wg := s.stopCh, s.done, s.wg
	s.started = false
	s.stopCh, s.done, s.wg = nil, nil, nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
		wg.Wait()
	}
	s.logger.Info("scheduler stopped")
}

// Status 调度器当前状态快照
type Status struct {
	InstanceID string        `json:"instance_id"`
	Started    bool          `json:"started"`
	Ticking    bool          `json:"ticking"`
	Interval   time.Duration `json:"interval"`
	LockTTL    time.Duration `json:"lock_ttl"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return Status{
		InstanceID: s.instanceID,
		Started:    started,
		Ticking:    s.ticking.Load(),
		Interval:   s.interval,
		LockTTL:    s.lockTTL,
	}
}

// Tick 执行一次扫描与投递。上一次 tick 仍在运行时直接跳过，不查询数据库
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Info("previous tick still running, skipping")
		s.countTick(ctx, "skipped")
		return
	}
	defer s.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", slog.Any("panic", r))
			s.countTick(ctx, "error")
		}
	}()

	if err := s.tickOnce(ctx); err != nil {
		s.logger.Error("scheduler tick failed", slog.Any("error", err))
		s.countTick(ctx, "error")
		return
	}
	s.countTick(ctx, "ok")
}

func (s *Scheduler) tickOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	now := s.now().UTC()
	jobs, err := s.store.FindDueJobs(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find due jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("scheduler.due_count", len(jobs)))

	if len(jobs) > 0 {
		s.logger.Info("due jobs found", slog.Int("count", len(jobs)))
	} else {
		s.logger.Debug("due jobs found", slog.Int("count", 0))
	}

	stats := TickStats{Time: now, InstanceID: s.instanceID, Due: len(jobs)}
	for _, job := range jobs {
		o, err := s.runJob(ctx, job)
		s.countJob(ctx, o)
		if err != nil {
			s.logger.Error("process job failed",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err),
			)
			stats.Failed++
			continue
		}
		switch o {
		case outcomeDispatched:
			stats.Dispatched++
		case outcomeLocked:
			stats.Locked++
		case outcomeAborted:
			stats.Aborted++
		}
	}

	if s.stats != nil {
		if err := s.stats.RecordTick(ctx, stats); err != nil {
			s.logger.Warn("record tick stats failed", slog.Any("error", err))
		}
	}
	return nil
}

// runJob 隔离单个 job 的 panic，保证同一 tick 内其余 job 继续处理
func (s *Scheduler) runJob(ctx context.Context, job domain.BackupJob) (o outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o, err = outcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.processJob(ctx, job)
}

// ProcessJob 认领单个到期任务并投递到队列。已投递、被其他实例持有或不再满足条件时返回 nil；
// 返回前总会释放锁
func (s *Scheduler) ProcessJob(ctx context.Context, job domain.BackupJob) error {
	_, err := s.runJob(ctx, job)
	return err
}

func (s *Scheduler) processJob(ctx context.Context, job domain.BackupJob) (o outcome, err error) {
	jobID := job.ID.String()
	ctx, span := s.tracer.Start(ctx, "scheduler.process_job",
		trace.WithAttributes(attribute.String("scheduler.job_id", jobID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		span.SetAttributes(attribute.String("scheduler.outcome", o.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	l, ok := s.locks.Acquire(ctx, jobID, s.lockTTL)
	if !ok {
		s.logger.Debug("job already locked by another instance", slog.String("job_id", jobID))
		return outcomeLocked, nil
	}
	// 无论成功失败都释放锁；释放不受调用方取消影响
	defer s.locks.Release(context.WithoutCancel(ctx), l)

	c, err := s.claim(ctx, job.ID)
	if err != nil {
		s.logger.Error("claim transaction failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return outcomeFailed, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if c == nil {
		return outcomeAborted, nil
	}

	// 事务外投递，避免在网络调用期间持有数据库事务
	ack, err := s.queue.Submit(ctx, c.request())
	if err != nil {
		// 历史记录与 next_run_at 已提交，孤立的 PENDING 记录由卡死检测处理
		s.logger.Error("dispatch to queue failed",
			slog.String("job_id", jobID),
			slog.String("history_id", c.history.ID.String()),
			slog.Any("error", err),
		)
		return outcomeFailed, fmt.Errorf("dispatch job %s: %w", jobID, err)
	}

	s.logger.Info("backup job dispatched",
		slog.String("job_id", jobID),
		slog.String("history_id", c.history.ID.String()),
		slog.Time("next_run_at", c.nextRunAt),
		slog.String("queue", ack.Queue),
		slog.Int64("position", ack.Position),
	)
	return outcomeDispatched, nil
}

type claimResult struct {
	job       domain.BackupJob
	history   *domain.BackupHistory
	nextRunAt time.Time
}

func (c *claimResult) request() queue.ExecutionRequest {
	return queue.ExecutionRequest{
		JobID:          c.job.ID,
		HistoryID:      c.history.ID,
		SourcePath:     c.job.SourcePath,
		DestinationID:  c.job.DestinationID,
		CredentialID:   c.job.CredentialID,
		NamePattern:    c.job.NamePattern,
		RetentionType:  c.job.RetentionType,
		RetentionCount: c.job.RetentionCount,
		RetentionDays:  c.job.RetentionDays,
		TriggerSource:  string(c.history.TriggerSource),
	}
}

// claim 在单个事务内重新校验任务、创建运行记录并推进 next_run_at。
// 任务已删除、已禁用或已被认领时返回 nil, nil。
func (s *Scheduler) claim(ctx context.Context, jobID uuid.UUID) (*claimResult, error) {
	var res *claimResult
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("job deleted before claim, skipping", slog.String("job_id", jobID.String()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("re-read job: %w", err)
		}
		if !current.Enabled {
			s.logger.Warn("job disabled before claim, skipping", slog.String("job_id", jobID.String()))
			return nil
		}

		now := s.now().UTC()
		if !schedule.IsDue(current.NextRunAt, now) {
			s.logger.Debug("job already claimed for this window",
				slog.String("job_id", jobID.String()),
				slog.Time("next_run_at", *current.NextRunAt),
			)
			return nil
		}

		history := domain.NewScheduledHistory(current.ID, now)
		if err := tx.CreateHistory(ctx, history); err != nil {
			return fmt.Errorf("create history: %w", err)
		}

		next := s.cron.NextRunTime(current.Schedule, now)
		if err := tx.UpdateJobSchedule(ctx, current.ID, next, now); err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		current.NextRunAt = &next
		current.LastRunAt = &now

		res = &claimResult{job: *current, history: history, nextRunAt: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecalculateAllSchedules 启动时把 next_run_at 为空或已过去的任务重新对齐到当前时间之后的下一次触发，
// 避免停机恢复后错过的多个周期同时到期。返回成功更新的数量。
// 不加锁也不走事务，只应在本实例开始 tick 之前调用；运行期间使用 ResyncStaleSchedules。
func (s *Scheduler) RecalculateAllSchedules(ctx context.Context) int {
	now := s.now().UTC()
	jobs, err := s.store.FindJobsNeedingResync(ctx, now)
	if err != nil {
		s.logger.Error("resync query failed", slog.Any("error", err))
		return 0
	}

	updated := 0
	for _, job := range jobs {
		next := s.cron.NextRunTime(job.Schedule, now)
		if err := s.store.UpdateNextRunAt(ctx, job.ID, next); err != nil {
			s.logger.Error("resync job failed",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		updated++
	}

	s.logger.Info("schedules recalculated",
		slog.Int("count", updated),
		slog.Int("candidates", len(jobs)),
	)
	return updated
}

// ResyncStaleSchedules 运行期间的重新同步，可与 tick 并发、可重复执行。
// 只处理 next_run_at 早于 now-interval 的任务（已错过至少一个完整 tick），
// 刚到期等待下一次 tick 的任务与 next_run_at 为空的任务保持不变。
// 每个任务先获取 job 锁，再在事务内重新读取并校验，避免与认领互相覆盖。
func (s *Scheduler) ResyncStaleSchedules(ctx context.Context) int {
	now := s.now().UTC()
	cutoff := now.Add(-s.interval)
	jobs, err := s.store.FindJobsNeedingResync(ctx, cutoff)
	if err != nil {
		s.logger.Error("resync query failed", slog.Any("error", err))
		return 0
	}

	updated := 0
	for _, job := range jobs {
		if job.NextRunAt == nil {
			continue
		}
		ok, err := s.resyncJob(ctx, job.ID, now, cutoff)
		if err != nil {
			s.logger.Error("resync job failed",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			updated++
		}
	}

	s.logger.Info("stale schedules recalculated",
		slog.Int("count", updated),
		slog.Int("candidates", len(jobs)),
		slog.Time("cutoff", cutoff),
	)
	return updated
}

func (s *Scheduler) resyncJob(ctx context.Context, jobID uuid.UUID, now, cutoff time.Time) (bool, error) {
	l, ok := s.locks.Acquire(ctx, jobID.String(), s.lockTTL)
	if !ok {
		// 正在被认领，交给 tick 处理
		s.logger.Debug("job locked, resync skipped", slog.String("job_id", jobID.String()))
		return false, nil
	}
	defer s.locks.Release(context.WithoutCancel(ctx), l)

	updated := false
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("re-read job: %w", err)
		}
		if !current.Enabled || current.NextRunAt == nil || !current.NextRunAt.Before(cutoff) {
			return nil
		}
		next := s.cron.NextRunTime(current.Schedule, now)
		if err := tx.UpdateNextRunAt(ctx, current.ID, next); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}
