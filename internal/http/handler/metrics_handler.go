package handler

import (
	"context"
	"log/slog"
	"net/http"

	"BackupScheduler/internal/metrics"

	"github.com/gin-gonic/gin"
)

type TickStatsReader interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

type QueueDepther interface {
	QueueName() string
	Depth(ctx context.Context) (int64, error)
}

type MetricsHandler struct {
	stats  TickStatsReader
	queue  QueueDepther
	logger *slog.Logger
}

func NewMetricsHandler(stats TickStatsReader, queue QueueDepther, logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{stats: stats, queue: queue, logger: logger}
}

// GET /api/v1/metrics/scheduler
func (h *MetricsHandler) GetSchedulerMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	snap, err := h.stats.Snapshot(ctx)
	if err != nil {
		h.logger.Error("failed to get scheduler metrics", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		h.logger.Error("failed to get queue depth", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticks":       snap.Ticks,
		"last":        snap.Last, // time, instance_id 以及各类计数
		"queue":       h.queue.QueueName(),
		"queue_depth": depth,
	})
}
