package scheduler

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTickInterval = 60 * time.Second
	DefaultLockTTL      = 60 * time.Second
)

// Option 配置 Scheduler
type Option func(*Scheduler)

// WithTickInterval 扫描到期任务的周期
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLockTTL 单个 job 分布式锁的过期时间
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换 time.Now，主要用于测试
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithStats 每次 tick 结束后记录统计
func WithStats(r StatsRecorder) Option {
	return func(s *Scheduler) { s.stats = r }
}

// WithInstanceID 给日志与 tick 统计打上副本标识
func WithInstanceID(id string) Option {
	return func(s *Scheduler) { s.instanceID = id }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(s *Scheduler) { s.meter = m }
}
