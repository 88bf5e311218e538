package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"BackupScheduler/internal/domain"
	"BackupScheduler/internal/lock"
	"BackupScheduler/internal/queue"
	"BackupScheduler/internal/scheduler"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// memStore 内存版 Store：事务串行执行（相当于行锁），fn 出错时丢弃暂存的修改
type memStore struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	jobs      map[uuid.UUID]*domain.BackupJob
	order     []uuid.UUID
	histories []domain.BackupHistory

	findCalls atomic.Int32
	findErr   error
	findHook  func()
	resyncErr error
	updateErr map[uuid.UUID]error
	getErr    map[uuid.UUID]error
	panicOn   map[uuid.UUID]bool
	beforeTx  func(jobID uuid.UUID)
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[uuid.UUID]*domain.BackupJob),
		updateErr: make(map[uuid.UUID]error),
		getErr:    make(map[uuid.UUID]error),
		panicOn:   make(map[uuid.UUID]bool),
	}
}

func (s *memStore) add(j domain.BackupJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
	s.order = append(s.order, j.ID)
}

func (s *memStore) job(id uuid.UUID) domain.BackupJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) setEnabled(id uuid.UUID, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Enabled = enabled
}

func (s *memStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func (s *memStore) historyList() []domain.BackupHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BackupHistory, len(s.histories))
	copy(out, s.histories)
	return out
}

func (s *memStore) filter(pred func(j *domain.BackupJob) bool) []domain.BackupJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BackupJob
	for _, id := range s.order {
		if j := s.jobs[id]; pred(j) {
			out = append(out, *j)
		}
	}
	return out
}

func (s *memStore) FindDueJobs(_ context.Context, now time.Time) ([]domain.BackupJob, error) {
	s.findCalls.Add(1)
	if s.findHook != nil {
		s.findHook()
	}
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.filter(func(j *domain.BackupJob) bool {
		return j.Enabled && (j.NextRunAt == nil || !j.NextRunAt.After(now))
	}), nil
}

func (s *memStore) FindJobsNeedingResync(_ context.Context, before time.Time) ([]domain.BackupJob, error) {
	if s.resyncErr != nil {
		return nil, s.resyncErr
	}
	return s.filter(func(j *domain.BackupJob) bool {
		return j.Enabled && (j.NextRunAt == nil || j.NextRunAt.Before(before))
	}), nil
}

func (s *memStore) UpdateNextRunAt(_ context.Context, jobID uuid.UUID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[jobID]; err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.NextRunAt = &next
	return nil
}

func (s *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx scheduler.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{store: s, updates: make(map[uuid.UUID][2]time.Time), nextOnly: make(map[uuid.UUID]time.Time)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, tx.histories...)
	for id, u := range tx.updates {
		next, last := u[0], u[1]
		s.jobs[id].NextRunAt = &next
		s.jobs[id].LastRunAt = &last
	}
	for id, next := range tx.nextOnly {
		s.jobs[id].NextRunAt = &next
	}
	return nil
}

type memTx struct {
	store     *memStore
	histories []domain.BackupHistory
	updates   map[uuid.UUID][2]time.Time
	nextOnly  map[uuid.UUID]time.Time
}

func (t *memTx) GetJob(_ context.Context, jobID uuid.UUID) (*domain.BackupJob, error) {
	if t.store.beforeTx != nil {
		t.store.beforeTx(jobID)
	}
	if t.store.panicOn[jobID] {
		panic("simulated driver panic")
	}
	if err := t.store.getErr[jobID]; err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	j, ok := t.store.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (t *memTx) CreateHistory(_ context.Context, h *domain.BackupHistory) error {
	t.histories = append(t.histories, *h)
	return nil
}

func (t *memTx) UpdateJobSchedule(_ context.Context, jobID uuid.UUID, nextRunAt, lastRunAt time.Time) error {
	t.updates[jobID] = [2]time.Time{nextRunAt, lastRunAt}
	return nil
}

func (t *memTx) UpdateNextRunAt(_ context.Context, jobID uuid.UUID, next time.Time) error {
	t.store.mu.Lock()
	err := t.store.updateErr[jobID]
	t.store.mu.Unlock()
	if err != nil {
		return err
	}
	t.nextOnly[jobID] = next
	return nil
}

// queueSpy 记录 Submit 调用
type queueSpy struct {
	mu   sync.Mutex
	reqs []queue.ExecutionRequest
	err  error
}

func (q *queueSpy) Submit(_ context.Context, req queue.ExecutionRequest) (queue.Ack, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Ack{}, q.err
	}
	q.reqs = append(q.reqs, req)
	return queue.Ack{Queue: "backup-jobs", Position: int64(len(q.reqs))}, nil
}

func (q *queueSpy) requests() []queue.ExecutionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.ExecutionRequest, len(q.reqs))
	copy(out, q.reqs)
	sort.Slice(out, func(i, k int) bool { return out[i].JobID.String() < out[k].JobID.String() })
	return out
}

func (q *queueSpy) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

// statsSpy 记录每次 tick 的统计
type statsSpy struct {
	mu    sync.Mutex
	ticks []scheduler.TickStats
}

func (s *statsSpy) RecordTick(_ context.Context, st scheduler.TickStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, st)
	return nil
}

func (s *statsSpy) last() scheduler.TickStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks[len(s.ticks)-1]
}

// syncBuffer 并发安全的日志缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var errBoom = errors.New("boom")

type harness struct {
	store *memStore
	queue *queueSpy
	locks *lock.Manager
	logs  *syncBuffer
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logs := &syncBuffer{}
	return &harness{
		store: newMemStore(),
		queue: &queueSpy{},
		locks: lock.NewManager(lock.NewRedisCache(rdb), slog.New(slog.NewTextHandler(logs, nil))),
		logs:  logs,
		mr:    mr,
		rdb:   rdb,
		now:   time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC),
	}
}

func (h *harness) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newScheduler 使用固定时钟；共享同一个 store 与 Redis 即模拟多个实例
func (h *harness) newScheduler(opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{
		scheduler.WithLogger(h.logger()),
		scheduler.WithClock(func() time.Time { return h.now }),
		scheduler.WithLockTTL(30 * time.Second),
	}
	return scheduler.New(h.store, h.locks, h.queue, append(base, opts...)...)
}

func newJob(schedule string, next *time.Time) domain.BackupJob {
	days := 30
	return domain.BackupJob{
		ID:            uuid.New(),
		Name:          "nightly",
		Enabled:       true,
		Schedule:      schedule,
		NextRunAt:     next,
		SourcePath:    "/srv/data",
		DestinationID: "dest-1",
		CredentialID:  "cred-1",
		NamePattern:   "{job}-{date}",
		RetentionType: "DAYS",
		RetentionDays: &days,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
