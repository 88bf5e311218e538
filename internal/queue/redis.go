// Package queue 提供基于 Redis 的备份执行队列
// 使用 Redis List 数据结构实现 FIFO 队列，调度器 RPUSH，执行 worker BLPOP
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReadyKey 生成 Redis 中队列就绪状态的 key
// 参数:
//
//	queueName: 队列名称，例如 "backup-jobs"
//
// 返回:
//
//	Redis key 格式为 "queue:{queueName}:ready"，例如 "queue:backup-jobs:ready"
func ReadyKey(queueName string) string {
	return "queue:" + queueName + ":ready"
}

// ExecutionRequest 调度器交给执行 worker 的消息
// 除 JobID/HistoryID 外的字段调度器不做解释，原样转发
type ExecutionRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	HistoryID      uuid.UUID `json:"history_id"`
	SourcePath     string    `json:"source_path"`
	DestinationID  string    `json:"destination_id"`
	CredentialID   string    `json:"credential_id"`
	NamePattern    string    `json:"name_pattern"`
	RetentionType  string    `json:"retention_type"`
	RetentionCount *int      `json:"retention_count,omitempty"`
	RetentionDays  *int      `json:"retention_days,omitempty"`
	TriggerSource  string    `json:"trigger_source"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Ack 入队确认：队列名与入队后的队列长度
type Ack struct {
	Queue    string
	Position int64
}

// EnqueueReady 将任务加入就绪队列
// 参数:
//
//	ctx: 上下文对象，用于控制超时和取消
//	rdb: Redis 客户端实例
//	queueName: 目标队列名称
//	payload: 任务负载数据，通常是 JSON 序列化后的字符串
//
// 返回:
//
//	int64: 入队后队列长度
//	error: 操作失败时返回错误，成功返回 nil
//
// 实现:
//
//	使用 RPUSH 命令将任务添加到队列尾部，确保 FIFO 顺序
//	Worker 通过 BLPOP 从队列头部取出任务进行处理
func EnqueueReady(ctx context.Context, rdb redis.Cmdable, queueName string, payload string) (int64, error) {
	return rdb.RPush(ctx, ReadyKey(queueName), payload).Result()
}

// Dispatcher 把执行请求写入指定队列
type Dispatcher struct {
	rdb       redis.Cmdable
	queueName string
}

func NewDispatcher(rdb redis.Cmdable, queueName string) *Dispatcher {
	return &Dispatcher{rdb: rdb, queueName: queueName}
}

func (d *Dispatcher) QueueName() string {
	return d.queueName
}

// Submit 序列化并入队，EnqueuedAt 为空时填充当前 UTC 时间
func (d *Dispatcher) Submit(ctx context.Context, req ExecutionRequest) (Ack, error) {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal execution request: %w", err)
	}
	n, err := EnqueueReady(ctx, d.rdb, d.queueName, string(b))
	if err != nil {
		return Ack{}, fmt.Errorf("enqueue %s: %w", d.queueName, err)
	}
	return Ack{Queue: d.queueName, Position: n}, nil
}

// Depth 就绪队列当前长度
func (d *Dispatcher) Depth(ctx context.Context) (int64, error) {
	return d.rdb.LLen(ctx, ReadyKey(d.queueName)).Result()
}

// Connect 解析 URL 并建立 Redis 连接
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	// 解析 Redis 连接 URL
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	// 创建 Redis 客户端
	rdb := redis.NewClient(opt)
	// 验证连接是否可用
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
