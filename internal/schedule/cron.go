// Package schedule 计算备份任务 cron 表达式的下一次触发时间
package schedule

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// FallbackDelay 表达式无法计算时在参考时间上追加的延迟
const FallbackDelay = time.Hour

// 标准 5 段 cron，另支持 "@daily"、"@every 30m" 等描述符
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var errNoOccurrence = errors.New("schedule has no upcoming occurrence")

// Parse 解析表达式。未显式指定 CRON_TZ 时按 UTC 计算，而不是宿主机时区
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok && ss.Location == time.Local {
		ss.Location = time.UTC
	}
	return sched, nil
}

// Evaluator 以 UTC 计算下一次触发时间，不向调用方返回错误：
// 非法表达式记录日志后回退到 from+1h
type Evaluator struct {
	logger *slog.Logger

	mu     sync.RWMutex
	parsed map[string]cron.Schedule
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		logger: logger,
		parsed: make(map[string]cron.Schedule),
	}
}

// NextRunTime 返回严格晚于 from 的第一次触发时间（UTC）
func (e *Evaluator) NextRunTime(expr string, from time.Time) time.Time {
	from = from.UTC()

	sched, err := e.getOrParse(expr)
	if err == nil {
		// robfig 在 5 年内找不到匹配时返回零值，例如 "0 0 30 2 *"
		if next := sched.Next(from); !next.IsZero() {
			return next.UTC()
		}
		err = errNoOccurrence
	}

	fallback := from.Add(FallbackDelay)
	e.logger.Error("invalid cron schedule, falling back",
		slog.String("schedule", expr),
		slog.Time("fallback", fallback),
		slog.Any("error", err),
	)
	return fallback
}

func (e *Evaluator) getOrParse(expr string) (cron.Schedule, error) {
	e.mu.RLock()
	sched, ok := e.parsed[expr]
	e.mu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.parsed[expr] = sched
	e.mu.Unlock()
	return sched, nil
}

// IsDue 任务在 now 时刻是否到期；nextRunAt 为 nil 表示从未运行，视为到期
func IsDue(nextRunAt *time.Time, now time.Time) bool {
	return nextRunAt == nil || !nextRunAt.After(now)
}
