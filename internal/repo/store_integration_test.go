//go:build integration

package repo_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"BackupScheduler/internal/db"
	"BackupScheduler/internal/domain"
	"BackupScheduler/internal/lock"
	"BackupScheduler/internal/queue"
	"BackupScheduler/internal/repo"
	"BackupScheduler/internal/scheduler"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testNow = time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC)

// setupPool starts a Postgres container and returns a pool with the schema applied.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("backup_scheduler_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.Init(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.EnsureSchema(ctx, pool))
	// 重复执行不报错
	require.NoError(t, db.EnsureSchema(ctx, pool))
	return pool
}

func insertJob(t *testing.T, pool *pgxpool.Pool, schedule string, enabled bool, next *time.Time) *domain.BackupJob {
	t.Helper()
	count := 7
	j := &domain.BackupJob{
		ID:             uuid.New(),
		Name:           "nightly",
		Enabled:        enabled,
		Schedule:       schedule,
		NextRunAt:      next,
		SourcePath:     "/data",
		DestinationID:  "dest-1",
		CredentialID:   "cred-1",
		NamePattern:    "{date}",
		RetentionType:  "count",
		RetentionCount: &count,
	}
	require.NoError(t, repo.InsertJob(context.Background(), pool, j))
	return j
}

func at(d time.Duration) *time.Time {
	v := testNow.Add(d)
	return &v
}

func TestListDueJobs(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	never := insertJob(t, pool, "0 * * * *", true, nil)
	past := insertJob(t, pool, "0 * * * *", true, at(-time.Minute))
	exact := insertJob(t, pool, "0 * * * *", true, at(0))
	insertJob(t, pool, "0 * * * *", true, at(time.Minute))
	insertJob(t, pool, "0 * * * *", false, at(-time.Minute))

	due, err := repo.ListDueJobs(ctx, pool, testNow)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, never.ID, due[0].ID, "never-run jobs sort first")
	assert.Equal(t, past.ID, due[1].ID)
	assert.Equal(t, exact.ID, due[2].ID)
	assert.Equal(t, 7, *due[0].RetentionCount)
	assert.Nil(t, due[0].RetentionDays)

	resync, err := repo.ListJobsNeedingResync(ctx, pool, testNow)
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, j := range resync {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{never.ID, past.ID}, ids)
}

func TestUpdateMissingJob(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	err := repo.UpdateJobNextRunAt(ctx, pool, uuid.New(), testNow)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = repo.GetJobByID(ctx, pool, uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = repo.GetHistoryByID(ctx, pool, uuid.New())
	assert.ErrorIs(t, err, repo.ErrHistoryNotFound)
}

func TestRunInTxCommitsClaim(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	store := repo.NewStore(pool)
	job := insertJob(t, pool, "0 * * * *", true, at(-time.Minute))
	history := domain.NewScheduledHistory(job.ID, testNow)
	next := testNow.Add(45 * time.Minute)

	err := store.RunInTx(ctx, func(ctx context.Context, tx scheduler.Tx) error {
		current, err := tx.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := tx.CreateHistory(ctx, history); err != nil {
			return err
		}
		return tx.UpdateJobSchedule(ctx, current.ID, next, testNow)
	})
	require.NoError(t, err)

	got, err := repo.GetJobByID(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, next, *got.NextRunAt, 0)
	assert.WithinDuration(t, testNow, *got.LastRunAt, 0)

	h, err := repo.GetHistoryByID(ctx, pool, history.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryPending, h.Status)
	assert.Equal(t, domain.TriggerScheduled, h.TriggerSource)
	assert.Nil(t, h.CompletedAt)
	assert.Zero(t, h.FilesScanned)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	store := repo.NewStore(pool)
	job := insertJob(t, pool, "0 * * * *", true, at(-time.Minute))
	boom := assert.AnError

	err := store.RunInTx(ctx, func(ctx context.Context, tx scheduler.Tx) error {
		if err := tx.CreateHistory(ctx, domain.NewScheduledHistory(job.ID, testNow)); err != nil {
			return err
		}
		if err := tx.UpdateJobSchedule(ctx, job.ID, testNow.Add(time.Hour), testNow); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := repo.CountHistoryByJob(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := repo.GetJobByID(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, testNow.Add(-time.Minute), *got.NextRunAt, 0)
	assert.Nil(t, got.LastRunAt)
}

// newReplica builds a scheduler with its own Redis, so only the row lock and
// the due re-check stand between two replicas.
func newReplica(t *testing.T, pool *pgxpool.Pool, rdb redis.Cmdable) *scheduler.Scheduler {
	t.Helper()
	mr := miniredis.RunT(t)
	lockRdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = lockRdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return scheduler.New(repo.NewStore(pool),
		lock.NewManager(lock.NewRedisCache(lockRdb), logger),
		queue.NewDispatcher(rdb, "backups"),
		scheduler.WithLogger(logger),
		scheduler.WithClock(func() time.Time { return testNow }),
	)
}

func TestReplicasDispatchOncePerWindow(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	job := insertJob(t, pool, "0 * * * *", true, at(-time.Minute))
	a, b := newReplica(t, pool, rdb), newReplica(t, pool, rdb)

	var wg sync.WaitGroup
	for _, s := range []*scheduler.Scheduler{a, b} {
		wg.Add(1)
		go func(s *scheduler.Scheduler) {
			defer wg.Done()
			assert.NoError(t, s.ProcessJob(ctx, *job))
		}(s)
	}
	wg.Wait()

	depth, err := queue.NewDispatcher(rdb, "backups").Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	n, err := repo.CountHistoryByJob(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetJobByID(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), *got.NextRunAt, 0)
}

func TestDisabledBetweenQueryAndClaim(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	job := insertJob(t, pool, "0 * * * *", true, at(-time.Minute))
	require.NoError(t, repo.ToggleJobEnabled(ctx, pool, job.ID, false))

	require.NoError(t, newReplica(t, pool, rdb).ProcessJob(ctx, *job))

	depth, err := queue.NewDispatcher(rdb, "backups").Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	n, err := repo.CountHistoryByJob(ctx, pool, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResyncStaleSchedulesLeavesDueJobForTick(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	justDue := insertJob(t, pool, "0 * * * *", true, at(-10*time.Second))
	stale := insertJob(t, pool, "0 * * * *", true, at(-3*time.Hour))
	never := insertJob(t, pool, "0 * * * *", true, nil)
	s := newReplica(t, pool, rdb)

	assert.Equal(t, 1, s.ResyncStaleSchedules(ctx))

	got, err := repo.GetJobByID(ctx, pool, justDue.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, testNow.Add(-10*time.Second), *got.NextRunAt, 0)
	got, err = repo.GetJobByID(ctx, pool, stale.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), *got.NextRunAt, 0)
	assert.Nil(t, got.LastRunAt)
	got, err = repo.GetJobByID(ctx, pool, never.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)

	s.Tick(ctx)

	n, err := repo.CountHistoryByJob(ctx, pool, justDue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
