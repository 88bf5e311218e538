// Package metrics 把调度 tick 统计写入 Redis，任一副本的运维接口都能读到全局最近一次 tick
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BackupScheduler/internal/scheduler"

	"github.com/redis/go-redis/v9"
)

const (
	TicksKey = "metrics:scheduler:ticks"
	LastKey  = "metrics:scheduler:last"
)

type Recorder struct {
	rdb redis.Cmdable
}

var _ scheduler.StatsRecorder = (*Recorder)(nil)

func NewRecorder(rdb redis.Cmdable) *Recorder {
	return &Recorder{rdb: rdb}
}

// RecordTick 累加 tick 计数并覆盖最近一次 tick 的统计
func (r *Recorder) RecordTick(ctx context.Context, st scheduler.TickStats) error {
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, TicksKey)
	pipe.HSet(ctx, LastKey, map[string]any{
		"time":             st.Time.UTC().Format(time.RFC3339),
		"instance_id":      st.InstanceID,
		"due_count":        st.Due,
		"dispatched_count": st.Dispatched,
		"locked_count":     st.Locked,
		"aborted_count":    st.Aborted,
		"failed_count":     st.Failed,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record tick stats: %w", err)
	}
	return nil
}

type Snapshot struct {
	Ticks int64             `json:"ticks"`
	Last  map[string]string `json:"last"`
}

// Snapshot 读取累计 tick 数与最近一次 tick 的统计；尚无数据时返回零值
func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	ticks, err := r.rdb.Get(ctx, TicksKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("get tick count: %w", err)
	}
	last, err := r.rdb.HGetAll(ctx, LastKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get last tick: %w", err)
	}
	return Snapshot{Ticks: ticks, Last: last}, nil
}
