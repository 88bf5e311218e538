// Package lock 基于共享缓存的 job 级分布式互斥锁。
//
// Acquire 缓存出错时视为未获取；IsLocked 缓存出错时视为未加锁；
// Release 从不向调用方返回错误，删除失败的锁由 TTL 兜底。
package lock

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "scheduler:lock:"

// Key 返回保护 jobID 的缓存键
func Key(jobID string) string {
	return keyPrefix + jobID
}

// Cache 锁所依赖的共享 KV 存储
type Cache interface {
	// SetIfAbsent 键不存在时原子写入 value，过期时间为整秒
	SetIfAbsent(ctx context.Context, key, value string, ttlSeconds int64) (bool, error)
	// DeleteIfValue 仅当键仍为 value 时删除
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Lock 已持有的锁，释放时凭 Token 证明持有者身份
type Lock struct {
	JobID string
	Token string
}

type Manager struct {
	cache  Cache
	logger *slog.Logger
}

func NewManager(cache Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cache: cache, logger: logger}
}

// MaxTTLSeconds 换算回 time.Duration 不溢出的最大秒数
const MaxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

// TTLSeconds 把 ttl 向上取整到秒，保证锁不会早于请求的时间过期；结果落在 [1, MaxTTLSeconds]
func TTLSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	if secs > MaxTTLSeconds {
		secs = MaxTTLSeconds
	}
	return secs
}

// Acquire 尝试获取 job 锁（仅当不存在时成功），返回锁句柄与是否成功
func (m *Manager) Acquire(ctx context.Context, jobID string, ttl time.Duration) (*Lock, bool) {
	token := uuid.NewString()
	ok, err := m.cache.SetIfAbsent(ctx, Key(jobID), token, TTLSeconds(ttl))
	if err != nil {
		m.logger.Error("acquire lock failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &Lock{JobID: jobID, Token: token}, true
}

// Release 仅当持有者匹配时释放锁；错误只记录日志
func (m *Manager) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	deleted, err := m.cache.DeleteIfValue(ctx, Key(l.JobID), l.Token)
	if err != nil {
		m.logger.Error("release lock failed",
			slog.String("job_id", l.JobID),
			slog.Any("error", err),
		)
		return
	}
	if !deleted {
		// 已过期，或已被其他实例重新获取
		m.logger.Debug("lock no longer held on release", slog.String("job_id", l.JobID))
	}
}

// IsLocked 是否有任意实例持有 jobID 的锁
func (m *Manager) IsLocked(ctx context.Context, jobID string) bool {
	exists, err := m.cache.Exists(ctx, Key(jobID))
	if err != nil {
		m.logger.Warn("check lock failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	return exists
}
