package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 调度器 span 与指标的 instrumentation scope
const instrumentationName = "BackupScheduler/internal/scheduler"

type instruments struct {
	ticks metric.Int64Counter
	jobs  metric.Int64Counter
}

func (s *Scheduler) initTelemetry() {
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	if s.meter == nil {
		s.meter = otel.Meter(instrumentationName)
	}

	// 出错时 OTel API 返回 noop 计数器
	ticks, _ := s.meter.Int64Counter(
		"scheduler.ticks",
		metric.WithDescription("Scheduler ticks by status"),
		metric.WithUnit("{tick}"),
	)
	jobs, _ := s.meter.Int64Counter(
		"scheduler.jobs",
		metric.WithDescription("Due jobs processed by outcome"),
		metric.WithUnit("{job}"),
	)
	s.instr = instruments{ticks: ticks, jobs: jobs}
}

func (s *Scheduler) countTick(ctx context.Context, status string) {
	s.instr.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (s *Scheduler) countJob(ctx context.Context, o outcome) {
	s.instr.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}
