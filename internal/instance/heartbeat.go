package instance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "scheduler:instance:"

func heartbeatKey(instanceID string) string {
	return keyPrefix + instanceID
}

// StartHeartbeat 周期刷新调度实例心跳键（TTL=ttl，刷新间隔=interval），直到 ctx 结束
func StartHeartbeat(ctx context.Context, rdb redis.Cmdable, instanceID string, ttl, interval time.Duration, logger *slog.Logger) {
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	beat(ctx, rdb, instanceID, ttl, logger)
	for {
		select {
		case <-ctx.Done():
			// 正常退出时删除心跳，避免等待 TTL
			_ = rdb.Del(context.WithoutCancel(ctx), heartbeatKey(instanceID)).Err()
			return
		case <-tkr.C:
			beat(ctx, rdb, instanceID, ttl, logger)
		}
	}
}

func beat(ctx context.Context, rdb redis.Cmdable, instanceID string, ttl time.Duration, logger *slog.Logger) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := rdb.Set(ctx, heartbeatKey(instanceID), now, ttl).Err(); err != nil {
		logger.Warn("heartbeat failed", slog.String("instance_id", instanceID), slog.Any("error", err))
	}
}

// Instance 一个存活的调度实例
type Instance struct {
	ID       string `json:"id"`
	LastSeen string `json:"last_seen"`
}

// List 扫描所有心跳键，返回当前存活的实例
func List(ctx context.Context, rdb redis.Cmdable) ([]Instance, error) {
	var (
		cursor uint64
		list   []Instance
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen, err := rdb.Get(ctx, k).Result()
			if err != nil {
				// 扫描与读取之间过期
				continue
			}
			list = append(list, Instance{ID: strings.TrimPrefix(k, keyPrefix), LastSeen: seen})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return list, nil
}
